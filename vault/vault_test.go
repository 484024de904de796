// Copyright (C) 2022 CasperLabs. All Rights Reserved.

package vault_test

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"github.com/google/go-cmp/cmp"

	"github.com/CasperLabs/signer/vault"
)

const (
	password = "correct horse battery staple"

	// Fixed test keys: 32 bytes of hex. Test material only.
	edSeed  = "0101010101010101010101010101010101010101010101010101010101010101"
	edSeed2 = "0202020202020202020202020202020202020202020202020202020202020202"
	secKey  = "2b4e342f5133b9384416fbaa23b8fce29f5fd1c94b62a19e594dcbca017f8b01"
)

// newUnlocked returns a created, unlocked vault.
func newUnlocked(t *testing.T, opts ...vault.Option) *vault.Vault {
	t.Helper()
	v := vault.New(opts...)
	if err := v.Create(password); err != nil {
		t.Fatalf("Create: unexpected error: %v", err)
	}
	return v
}

func mustImport(t *testing.T, v *vault.Vault, name, key string, alg vault.Algorithm) {
	t.Helper()
	if err := v.Import(name, key, alg); err != nil {
		t.Fatalf("Import %s: unexpected error: %v", name, err)
	}
}

func TestLifecycle(t *testing.T) {
	v := vault.New()

	if v.Created() {
		t.Error("Created on fresh vault: got true, want false")
	}
	if err := v.Unlock(password); !errors.Is(err, vault.ErrNoVault) {
		t.Errorf("Unlock before create: got %v, want %v", err, vault.ErrNoVault)
	}
	if err := v.Create(password); err != nil {
		t.Fatalf("Create: unexpected error: %v", err)
	}
	if !v.Created() || !v.Unlocked() {
		t.Error("After create: vault should be created and unlocked")
	}
	if err := v.Create("other"); !errors.Is(err, vault.ErrVaultExists) {
		t.Errorf("Second create: got %v, want %v", err, vault.ErrVaultExists)
	}

	if err := v.Lock(); err != nil {
		t.Fatalf("Lock: unexpected error: %v", err)
	}
	if v.Unlocked() {
		t.Error("After lock: got unlocked")
	}
	if err := v.Unlock("wrong"); !errors.Is(err, vault.ErrInvalidPassword) {
		t.Errorf("Unlock with bad password: got %v, want %v", err, vault.ErrInvalidPassword)
	}
	if err := v.Unlock(password); err != nil {
		t.Fatalf("Unlock: unexpected error: %v", err)
	}
	if !v.Unlocked() {
		t.Error("After unlock: got locked")
	}

	ok, err := v.ConfirmPassword(password)
	if err != nil || !ok {
		t.Errorf("ConfirmPassword: got (%v, %v), want (true, nil)", ok, err)
	}
	ok, err = v.ConfirmPassword("wrong")
	if err != nil || ok {
		t.Errorf("ConfirmPassword wrong: got (%v, %v), want (false, nil)", ok, err)
	}

	if err := v.Reset(); err != nil {
		t.Fatalf("Reset: unexpected error: %v", err)
	}
	if v.Created() || v.Unlocked() {
		t.Error("After reset: vault should be gone and locked")
	}
}

func TestLockout(t *testing.T) {
	clk := clock.NewMock()
	v := newUnlocked(t, vault.WithClock(clk))
	v.Lock()

	// Four failures count up without triggering lockout.
	for i := 1; i <= 4; i++ {
		if err := v.Unlock("wrong"); !errors.Is(err, vault.ErrInvalidPassword) {
			t.Fatalf("Unlock attempt %d: got %v, want %v", i, err, vault.ErrInvalidPassword)
		}
		if got := v.Attempts(); got != i {
			t.Errorf("Attempts after failure %d: got %d", i, got)
		}
		if v.LockedOut() {
			t.Fatalf("Locked out after %d failures, want 5", i)
		}
	}

	// The fifth failure locks the vault out. Even the right password is now
	// refused.
	if err := v.Unlock("wrong"); !errors.Is(err, vault.ErrInvalidPassword) {
		t.Fatalf("Unlock attempt 5: got %v, want %v", err, vault.ErrInvalidPassword)
	}
	if !v.LockedOut() {
		t.Fatal("After 5 failures: not locked out")
	}
	if err := v.Unlock(password); !errors.Is(err, vault.ErrLockedOut) {
		t.Errorf("Unlock while locked out: got %v, want %v", err, vault.ErrLockedOut)
	}

	// Just short of the lockout period nothing changes.
	clk.Add(5*time.Minute - time.Second)
	if !v.LockedOut() {
		t.Error("Lockout lifted early")
	}

	// At the period boundary the lockout lifts and the counter resets.
	clk.Add(time.Second)
	if v.LockedOut() {
		t.Error("Lockout not lifted after the full period")
	}
	if got := v.Attempts(); got != 0 {
		t.Errorf("Attempts after lockout lifted: got %d, want 0", got)
	}
	if err := v.Unlock(password); err != nil {
		t.Errorf("Unlock after lockout lifted: unexpected error: %v", err)
	}
}

func TestLockoutTimerControls(t *testing.T) {
	clk := clock.NewMock()
	v := newUnlocked(t, vault.WithClock(clk))

	if err := v.ResetLockoutTimer(); err == nil {
		t.Error("ResetLockoutTimer without lockout: got nil, want error")
	}
	if err := v.StartLockoutTimer(); err != nil {
		t.Fatalf("StartLockoutTimer: unexpected error: %v", err)
	}
	if !v.LockedOut() {
		t.Fatal("After StartLockoutTimer: not locked out")
	}

	// Restarting the timer extends the countdown from now.
	clk.Add(4 * time.Minute)
	if err := v.ResetLockoutTimer(); err != nil {
		t.Fatalf("ResetLockoutTimer: unexpected error: %v", err)
	}
	clk.Add(4 * time.Minute) // 8 minutes after start, 4 after restart
	if !v.LockedOut() {
		t.Error("Lockout lifted before the restarted period elapsed")
	}
	clk.Add(time.Minute + time.Second)
	if v.LockedOut() {
		t.Error("Lockout not lifted after the restarted period")
	}

	// Manual reset clears an in-progress lockout immediately.
	v.StartLockoutTimer()
	if err := v.ResetLockout(); err != nil {
		t.Fatalf("ResetLockout: unexpected error: %v", err)
	}
	if v.LockedOut() {
		t.Error("After ResetLockout: still locked out")
	}
}

func TestAccountManagement(t *testing.T) {
	v := newUnlocked(t)
	mustImport(t, v, "alpha", edSeed, vault.Ed25519)
	mustImport(t, v, "bravo", edSeed2, vault.Ed25519)
	mustImport(t, v, "charlie", secKey, vault.Secp256k1)

	if diff := cmp.Diff([]string{"alpha", "bravo", "charlie"}, v.AccountNames()); diff != "" {
		t.Errorf("AccountNames (-want, +got):\n%s", diff)
	}

	// The first import became active.
	sel, err := v.Selected()
	if err != nil {
		t.Fatalf("Selected: unexpected error: %v", err)
	}
	if sel.Name != "alpha" {
		t.Errorf("Selected: got %q, want alpha", sel.Name)
	}

	t.Run("Duplicates", func(t *testing.T) {
		if err := v.Import("alpha", edSeed2, vault.Ed25519); err == nil {
			t.Error("Import duplicate name: got nil, want error")
		}
		if err := v.Rename("bravo", "alpha"); err == nil {
			t.Error("Rename to existing name: got nil, want error")
		}
	})

	t.Run("Switch", func(t *testing.T) {
		if err := v.Switch("charlie"); err != nil {
			t.Fatalf("Switch: unexpected error: %v", err)
		}
		sel, _ := v.Selected()
		if sel.Name != "charlie" || sel.Algorithm != vault.Secp256k1 {
			t.Errorf("Selected: got %q (%s), want charlie (secp256k1)", sel.Name, sel.Algorithm)
		}
		if err := v.Switch("nobody"); err == nil {
			t.Error("Switch to unknown account: got nil, want error")
		}
	})

	t.Run("Reorder", func(t *testing.T) {
		// charlie is active; moving entries must not change that.
		if err := v.Reorder(2, 0); err != nil {
			t.Fatalf("Reorder: unexpected error: %v", err)
		}
		if diff := cmp.Diff([]string{"charlie", "alpha", "bravo"}, v.AccountNames()); diff != "" {
			t.Errorf("AccountNames (-want, +got):\n%s", diff)
		}
		sel, _ := v.Selected()
		if sel.Name != "charlie" {
			t.Errorf("Selected after reorder: got %q, want charlie", sel.Name)
		}
		if err := v.Reorder(0, 5); err == nil {
			t.Error("Reorder out of range: got nil, want error")
		}
	})

	t.Run("Rename", func(t *testing.T) {
		if err := v.Rename("bravo", "delta"); err != nil {
			t.Fatalf("Rename: unexpected error: %v", err)
		}
		if diff := cmp.Diff([]string{"charlie", "alpha", "delta"}, v.AccountNames()); diff != "" {
			t.Errorf("AccountNames (-want, +got):\n%s", diff)
		}
	})

	t.Run("RemoveActive", func(t *testing.T) {
		if err := v.Remove("charlie"); err != nil {
			t.Fatalf("Remove: unexpected error: %v", err)
		}
		sel, err := v.Selected()
		if err != nil {
			t.Fatalf("Selected: unexpected error: %v", err)
		}
		if sel.Name != "alpha" {
			t.Errorf("Selected after removing active: got %q, want alpha", sel.Name)
		}
	})

	t.Run("RemoveAll", func(t *testing.T) {
		v.Remove("alpha")
		v.Remove("delta")
		if _, err := v.Selected(); !errors.Is(err, vault.ErrNoActiveAccount) {
			t.Errorf("Selected with no accounts: got %v, want %v", err, vault.ErrNoActiveAccount)
		}
	})
}

func TestLockedRefusals(t *testing.T) {
	v := newUnlocked(t)
	mustImport(t, v, "alpha", edSeed, vault.Ed25519)
	v.Lock()

	if err := v.Import("bravo", edSeed2, vault.Ed25519); !errors.Is(err, vault.ErrLocked) {
		t.Errorf("Import while locked: got %v, want %v", err, vault.ErrLocked)
	}
	if err := v.Remove("alpha"); !errors.Is(err, vault.ErrLocked) {
		t.Errorf("Remove while locked: got %v, want %v", err, vault.ErrLocked)
	}
	if err := v.Rename("alpha", "bravo"); !errors.Is(err, vault.ErrLocked) {
		t.Errorf("Rename while locked: got %v, want %v", err, vault.ErrLocked)
	}
	if err := v.Switch("alpha"); !errors.Is(err, vault.ErrLocked) {
		t.Errorf("Switch while locked: got %v, want %v", err, vault.ErrLocked)
	}
	if _, err := v.Export("alpha"); !errors.Is(err, vault.ErrLocked) {
		t.Errorf("Export while locked: got %v, want %v", err, vault.ErrLocked)
	}
	if _, err := v.SignDigest(make([]byte, 32)); !errors.Is(err, vault.ErrLocked) {
		t.Errorf("SignDigest while locked: got %v, want %v", err, vault.ErrLocked)
	}
}

func TestKeyForms(t *testing.T) {
	v := newUnlocked(t)
	mustImport(t, v, "ed", edSeed, vault.Ed25519)
	mustImport(t, v, "sec", secKey, vault.Secp256k1)

	t.Run("Ed25519", func(t *testing.T) {
		hexKey, err := v.ActivePublicKeyHex()
		if err != nil {
			t.Fatalf("ActivePublicKeyHex: unexpected error: %v", err)
		}
		// Tag byte 01 followed by the 32-byte public key: 66 hex digits.
		if len(hexKey) != 66 || !strings.HasPrefix(hexKey, "01") {
			t.Errorf("Tagged key: got %q, want 01-prefixed 66 hex digits", hexKey)
		}

		seed, _ := hex.DecodeString(edSeed)
		wantPub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
		if got := hexKey[2:]; got != hex.EncodeToString(wantPub) {
			t.Errorf("Public key: got %s, want %s", got, hex.EncodeToString(wantPub))
		}

		b64, err := v.ActivePublicKeyBase64()
		if err != nil {
			t.Fatalf("ActivePublicKeyBase64: unexpected error: %v", err)
		}
		raw, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			t.Fatalf("Decoding base64 key: %v", err)
		}
		if hex.EncodeToString(raw) != hexKey {
			t.Errorf("Base64 and hex forms disagree: %x vs %s", raw, hexKey)
		}

		hash, err := v.ActiveAccountHash()
		if err != nil {
			t.Fatalf("ActiveAccountHash: unexpected error: %v", err)
		}
		if len(hash) != 64 {
			t.Errorf("Account hash: got %d hex digits, want 64", len(hash))
		}
	})

	t.Run("Secp256k1", func(t *testing.T) {
		if err := v.Switch("sec"); err != nil {
			t.Fatalf("Switch: unexpected error: %v", err)
		}
		hexKey, err := v.ActivePublicKeyHex()
		if err != nil {
			t.Fatalf("ActivePublicKeyHex: unexpected error: %v", err)
		}
		// Tag byte 02 followed by a 33-byte compressed point: 68 hex digits.
		if len(hexKey) != 68 || !strings.HasPrefix(hexKey, "02") {
			t.Errorf("Tagged key: got %q, want 02-prefixed 68 hex digits", hexKey)
		}
	})

	t.Run("HashesDiffer", func(t *testing.T) {
		secHash, _ := v.ActiveAccountHash()
		v.Switch("ed")
		edHash, _ := v.ActiveAccountHash()
		if secHash == edHash {
			t.Error("Distinct keys produced the same account hash")
		}
	})
}

func TestExport(t *testing.T) {
	v := newUnlocked(t)
	mustImport(t, v, "ed", edSeed, vault.Ed25519)
	mustImport(t, v, "sec", secKey, vault.Secp256k1)

	ke, err := v.Export("ed")
	if err != nil {
		t.Fatalf("Export: unexpected error: %v", err)
	}
	if ke.SecretKeyHex != edSeed {
		t.Errorf("Export secret: got %s, want the imported seed", ke.SecretKeyHex)
	}
	ke, err = v.Export("sec")
	if err != nil {
		t.Fatalf("Export: unexpected error: %v", err)
	}
	if ke.SecretKeyHex != secKey {
		t.Errorf("Export secret: got %s, want the imported key", ke.SecretKeyHex)
	}
	if _, err := v.Export("nobody"); err == nil {
		t.Error("Export unknown account: got nil, want error")
	}
}

func TestSignDigest(t *testing.T) {
	v := newUnlocked(t)
	mustImport(t, v, "ed", edSeed, vault.Ed25519)
	mustImport(t, v, "sec", secKey, vault.Secp256k1)

	digest := make([]byte, 32)
	for i := range digest {
		digest[i] = byte(i)
	}

	t.Run("Ed25519", func(t *testing.T) {
		sig, err := v.SignDigest(digest)
		if err != nil {
			t.Fatalf("SignDigest: unexpected error: %v", err)
		}
		seed, _ := hex.DecodeString(edSeed)
		pub := ed25519.NewKeyFromSeed(seed).Public().(ed25519.PublicKey)
		if !ed25519.Verify(pub, digest, sig) {
			t.Error("Signature did not verify")
		}
	})

	t.Run("Secp256k1", func(t *testing.T) {
		if err := v.Switch("sec"); err != nil {
			t.Fatalf("Switch: unexpected error: %v", err)
		}
		sig, err := v.SignDigest(digest)
		if err != nil {
			t.Fatalf("SignDigest: unexpected error: %v", err)
		}
		parsed, err := secpecdsa.ParseDERSignature(sig)
		if err != nil {
			t.Fatalf("Parsing DER signature: %v", err)
		}
		raw, _ := hex.DecodeString(secKey)
		pub := secp256k1.PrivKeyFromBytes(raw).PubKey()
		if !parsed.Verify(digest, pub) {
			t.Error("Signature did not verify")
		}
	})

	t.Run("BadDigest", func(t *testing.T) {
		if _, err := v.SignDigest([]byte("short")); err == nil {
			t.Error("SignDigest with short digest: got nil, want error")
		}
	})
}

func TestImportValidation(t *testing.T) {
	v := newUnlocked(t)
	tests := []struct {
		name    string
		keyName string
		key     string
		alg     vault.Algorithm
	}{
		{"EmptyName", "", edSeed, vault.Ed25519},
		{"BadHex", "x", "not hex", vault.Ed25519},
		{"ShortEdSeed", "x", "0101", vault.Ed25519},
		{"ShortSecKey", "x", "0101", vault.Secp256k1},
		{"BadAlgorithm", "x", edSeed, vault.Algorithm("rsa")},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := v.Import(tc.keyName, tc.key, tc.alg); err == nil {
				t.Error("Import: got nil, want error")
			}
		})
	}
}

func TestOnChange(t *testing.T) {
	var calls int
	v := vault.New(vault.OnChange(func() { calls++ }))

	v.Create(password)
	mustImport(t, v, "alpha", edSeed, vault.Ed25519)
	v.Switch("alpha")
	v.Lock()
	v.Unlock(password)
	if calls != 5 {
		t.Errorf("OnChange calls: got %d, want 5", calls)
	}

	// Read-only operations do not notify.
	before := calls
	v.Unlocked()
	v.AccountNames()
	v.Selected()
	if calls != before {
		t.Errorf("OnChange after reads: got %d, want %d", calls, before)
	}
}
