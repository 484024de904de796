// Copyright (C) 2022 CasperLabs. All Rights Reserved.

// Package vault implements the password-gated account store behind the
// account.* method surface of the background process. It holds named key
// pairs in memory, guards them behind a password with a failed-attempt
// lockout, and signs digests with the active account's key.
//
// The vault knows nothing about messaging: the extension package wires its
// methods into an RPC registry.
package vault

import (
	"crypto/ed25519"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	secpecdsa "github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/blake2b"
)

// An Algorithm names a signature scheme an account key may use.
type Algorithm string

// The supported signature schemes.
const (
	Ed25519   Algorithm = "ed25519"
	Secp256k1 Algorithm = "secp256k1"
)

// tag returns the one-byte prefix identifying the algorithm in a tagged
// public key.
func (a Algorithm) tag() (byte, error) {
	switch a {
	case Ed25519:
		return 1, nil
	case Secp256k1:
		return 2, nil
	}
	return 0, fmt.Errorf("unknown algorithm %q", a)
}

const (
	maxUnlockAttempts = 5
	lockoutPeriod     = 5 * time.Minute
)

// Sentinel errors reported by vault operations.
var (
	ErrNoVault         = errors.New("vault does not exist")
	ErrVaultExists     = errors.New("vault already exists")
	ErrLocked          = errors.New("vault is locked")
	ErrLockedOut       = errors.New("vault is locked out")
	ErrInvalidPassword = errors.New("invalid password")
	ErrNoActiveAccount = errors.New("no active account")
)

// An account is one named key pair held by the vault.
type account struct {
	name string
	alg  Algorithm
	ed   ed25519.PrivateKey
	sec  *secp256k1.PrivateKey
}

func (a *account) publicKeyBytes() []byte {
	switch a.alg {
	case Ed25519:
		return a.ed.Public().(ed25519.PublicKey)
	default:
		return a.sec.PubKey().SerializeCompressed()
	}
}

func (a *account) secretKeyBytes() []byte {
	switch a.alg {
	case Ed25519:
		return a.ed.Seed()
	default:
		return a.sec.Serialize()
	}
}

// publicKeyTagged returns the algorithm tag byte followed by the raw public
// key bytes, the form account identities take on the wire.
func (a *account) publicKeyTagged() []byte {
	tag, _ := a.alg.tag()
	return append([]byte{tag}, a.publicKeyBytes()...)
}

// hash returns the account hash: blake2b-256 over the lower-case algorithm
// name, a zero separator, and the raw public key bytes.
func (a *account) hash() string {
	h, _ := blake2b.New256(nil)
	h.Write([]byte(a.alg))
	h.Write([]byte{0})
	h.Write(a.publicKeyBytes())
	return hex.EncodeToString(h.Sum(nil))
}

// Info is the serializable view of an account.
type Info struct {
	Name         string    `json:"name"`
	Algorithm    Algorithm `json:"algorithm"`
	PublicKeyHex string    `json:"publicKeyHex"`
	AccountHash  string    `json:"accountHash"`
}

// KeyExport carries the downloadable key material for one account.
type KeyExport struct {
	Name         string    `json:"name"`
	Algorithm    Algorithm `json:"algorithm"`
	PublicKeyHex string    `json:"publicKeyHex"`
	SecretKeyHex string    `json:"secretKeyHex"`
}

// An Option configures a Vault at construction.
type Option func(*Vault)

// WithClock substitutes the clock used for lockout timing. It exists so
// lockout behavior can be tested without real waits.
func WithClock(c clock.Clock) Option { return func(v *Vault) { v.clk = c } }

// OnChange registers a callback invoked, without the vault lock held, after
// every observable state change.
func OnChange(f func()) Option { return func(v *Vault) { v.onChange = f } }

// A Vault holds the user's accounts behind a password. Construct with New;
// the zero value is not usable.
//
// A Vault is safe for concurrent use by multiple goroutines.
type Vault struct {
	clk      clock.Clock
	onChange func()

	μ sync.Mutex

	created  bool
	unlocked bool
	pwHash   []byte

	accounts []*account
	active   int // index into accounts, or -1

	attempts     int
	lockedOut    bool
	lockoutTimer *clock.Timer
}

// New constructs an empty vault.
func New(opts ...Option) *Vault {
	v := &Vault{clk: clock.New(), active: -1}
	for _, o := range opts {
		o(v)
	}
	return v
}

func (v *Vault) notify() {
	if v.onChange != nil {
		v.onChange()
	}
}

// Create initializes the vault with the given password. Creating an already
// existing vault is an error; use Reset first.
func (v *Vault) Create(password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	v.μ.Lock()
	if v.created {
		v.μ.Unlock()
		return ErrVaultExists
	}
	v.created = true
	v.unlocked = true
	v.pwHash = hash
	v.μ.Unlock()

	v.notify()
	return nil
}

// Created reports whether a vault has been created.
func (v *Vault) Created() bool { v.μ.Lock(); defer v.μ.Unlock(); return v.created }

// Unlocked reports whether the vault is currently unlocked.
func (v *Vault) Unlocked() bool { v.μ.Lock(); defer v.μ.Unlock(); return v.unlocked }

// LockedOut reports whether unlock attempts are currently refused.
func (v *Vault) LockedOut() bool { v.μ.Lock(); defer v.μ.Unlock(); return v.lockedOut }

// Attempts reports the number of consecutive failed unlock attempts.
func (v *Vault) Attempts() int { v.μ.Lock(); defer v.μ.Unlock(); return v.attempts }

// Unlock verifies the password and unlocks the vault. After
// maxUnlockAttempts consecutive failures the vault locks itself out for
// lockoutPeriod, during which all attempts are refused.
func (v *Vault) Unlock(password string) error {
	v.μ.Lock()
	if !v.created {
		v.μ.Unlock()
		return ErrNoVault
	}
	if v.lockedOut {
		v.μ.Unlock()
		return ErrLockedOut
	}
	if bcrypt.CompareHashAndPassword(v.pwHash, []byte(password)) != nil {
		v.attempts++
		if v.attempts >= maxUnlockAttempts {
			v.startLockoutLocked()
		}
		v.μ.Unlock()
		v.notify()
		return ErrInvalidPassword
	}
	v.unlocked = true
	v.attempts = 0
	v.μ.Unlock()

	v.notify()
	return nil
}

// Lock locks the vault. The accounts remain in memory but signing and key
// export are refused until the next successful Unlock.
func (v *Vault) Lock() error {
	v.μ.Lock()
	if !v.created {
		v.μ.Unlock()
		return ErrNoVault
	}
	v.unlocked = false
	v.μ.Unlock()

	v.notify()
	return nil
}

// ConfirmPassword reports whether password matches the vault password. It
// does not change the lock state and does not count toward lockout.
func (v *Vault) ConfirmPassword(password string) (bool, error) {
	v.μ.Lock()
	defer v.μ.Unlock()
	if !v.created {
		return false, ErrNoVault
	}
	return bcrypt.CompareHashAndPassword(v.pwHash, []byte(password)) == nil, nil
}

// Reset discards the vault: password, accounts, and lockout state.
func (v *Vault) Reset() error {
	v.μ.Lock()
	v.created = false
	v.unlocked = false
	v.pwHash = nil
	v.accounts = nil
	v.active = -1
	v.resetLockoutLocked()
	v.μ.Unlock()

	v.notify()
	return nil
}

// ResetLockout clears the lockout state and the failed-attempt counter.
func (v *Vault) ResetLockout() error {
	v.μ.Lock()
	v.resetLockoutLocked()
	v.μ.Unlock()

	v.notify()
	return nil
}

// StartLockoutTimer locks the vault out and starts the timer that will lift
// the lockout after lockoutPeriod.
func (v *Vault) StartLockoutTimer() error {
	v.μ.Lock()
	v.startLockoutLocked()
	v.μ.Unlock()

	v.notify()
	return nil
}

// ResetLockoutTimer restarts the lockout countdown from the full period. It
// is an error if no lockout is in progress.
func (v *Vault) ResetLockoutTimer() error {
	v.μ.Lock()
	if !v.lockedOut {
		v.μ.Unlock()
		return errors.New("no lockout in progress")
	}
	v.startLockoutLocked()
	v.μ.Unlock()

	v.notify()
	return nil
}

func (v *Vault) startLockoutLocked() {
	v.lockedOut = true
	if v.lockoutTimer != nil {
		v.lockoutTimer.Stop()
	}
	v.lockoutTimer = v.clk.AfterFunc(lockoutPeriod, func() {
		v.μ.Lock()
		v.resetLockoutLocked()
		v.μ.Unlock()
		v.notify()
	})
}

func (v *Vault) resetLockoutLocked() {
	v.attempts = 0
	v.lockedOut = false
	if v.lockoutTimer != nil {
		v.lockoutTimer.Stop()
		v.lockoutTimer = nil
	}
}

// Import adds a key pair under the given name. For ed25519 the secret key
// is the 32-byte seed in hex; for secp256k1 it is the 32-byte scalar in
// hex. The first imported account becomes active.
func (v *Vault) Import(name, secretKeyHex string, alg Algorithm) error {
	if name == "" {
		return errors.New("account name must not be empty")
	}
	key, err := hex.DecodeString(secretKeyHex)
	if err != nil {
		return fmt.Errorf("decoding secret key: %w", err)
	}

	acc := &account{name: name, alg: alg}
	switch alg {
	case Ed25519:
		if len(key) != ed25519.SeedSize {
			return fmt.Errorf("ed25519 seed must be %d bytes, got %d", ed25519.SeedSize, len(key))
		}
		acc.ed = ed25519.NewKeyFromSeed(key)
	case Secp256k1:
		if len(key) != 32 {
			return fmt.Errorf("secp256k1 key must be 32 bytes, got %d", len(key))
		}
		acc.sec = secp256k1.PrivKeyFromBytes(key)
	default:
		return fmt.Errorf("unknown algorithm %q", alg)
	}

	v.μ.Lock()
	if err := v.requireUnlockedLocked(); err != nil {
		v.μ.Unlock()
		return err
	}
	if _, err := v.findLocked(name); err == nil {
		v.μ.Unlock()
		return fmt.Errorf("account %q already exists", name)
	}
	v.accounts = append(v.accounts, acc)
	if v.active < 0 {
		v.active = 0
	}
	v.μ.Unlock()

	v.notify()
	return nil
}

// Remove deletes the named account. If it was active, the first remaining
// account (if any) becomes active.
func (v *Vault) Remove(name string) error {
	v.μ.Lock()
	if err := v.requireUnlockedLocked(); err != nil {
		v.μ.Unlock()
		return err
	}
	i, err := v.findLocked(name)
	if err != nil {
		v.μ.Unlock()
		return err
	}
	act := v.activeAccountLocked()
	v.accounts = append(v.accounts[:i], v.accounts[i+1:]...)
	v.active = v.indexOfLocked(act)
	if v.active < 0 && len(v.accounts) > 0 {
		v.active = 0
	}
	v.μ.Unlock()

	v.notify()
	return nil
}

// Rename changes the name of an account. The new name must be unused.
func (v *Vault) Rename(oldName, newName string) error {
	if newName == "" {
		return errors.New("account name must not be empty")
	}
	v.μ.Lock()
	if err := v.requireUnlockedLocked(); err != nil {
		v.μ.Unlock()
		return err
	}
	i, err := v.findLocked(oldName)
	if err != nil {
		v.μ.Unlock()
		return err
	}
	if _, err := v.findLocked(newName); err == nil {
		v.μ.Unlock()
		return fmt.Errorf("account %q already exists", newName)
	}
	v.accounts[i].name = newName
	v.μ.Unlock()

	v.notify()
	return nil
}

// Reorder moves the account at position start to position end, shifting the
// accounts in between. The active account follows its entry.
func (v *Vault) Reorder(start, end int) error {
	v.μ.Lock()
	if err := v.requireUnlockedLocked(); err != nil {
		v.μ.Unlock()
		return err
	}
	n := len(v.accounts)
	if start < 0 || start >= n || end < 0 || end >= n {
		v.μ.Unlock()
		return fmt.Errorf("index out of range (have %d accounts)", n)
	}
	act := v.activeAccountLocked()
	moved := v.accounts[start]
	rest := append(v.accounts[:start:start], v.accounts[start+1:]...)
	v.accounts = append(rest[:end:end], append([]*account{moved}, rest[end:]...)...)
	v.active = v.indexOfLocked(act)
	v.μ.Unlock()

	v.notify()
	return nil
}

// Switch makes the named account active.
func (v *Vault) Switch(name string) error {
	v.μ.Lock()
	if err := v.requireUnlockedLocked(); err != nil {
		v.μ.Unlock()
		return err
	}
	i, err := v.findLocked(name)
	if err != nil {
		v.μ.Unlock()
		return err
	}
	v.active = i
	v.μ.Unlock()

	v.notify()
	return nil
}

// Selected returns the active account's serializable view.
func (v *Vault) Selected() (Info, error) {
	v.μ.Lock()
	defer v.μ.Unlock()
	acc := v.activeAccountLocked()
	if acc == nil {
		return Info{}, ErrNoActiveAccount
	}
	return Info{
		Name:         acc.name,
		Algorithm:    acc.alg,
		PublicKeyHex: hex.EncodeToString(acc.publicKeyTagged()),
		AccountHash:  acc.hash(),
	}, nil
}

// ActivePublicKeyHex returns the active account's tagged public key in hex.
func (v *Vault) ActivePublicKeyHex() (string, error) {
	v.μ.Lock()
	defer v.μ.Unlock()
	acc := v.activeAccountLocked()
	if acc == nil {
		return "", ErrNoActiveAccount
	}
	return hex.EncodeToString(acc.publicKeyTagged()), nil
}

// ActivePublicKeyBase64 returns the active account's tagged public key in
// base64, the form the page-facing API exposes.
func (v *Vault) ActivePublicKeyBase64() (string, error) {
	v.μ.Lock()
	defer v.μ.Unlock()
	acc := v.activeAccountLocked()
	if acc == nil {
		return "", ErrNoActiveAccount
	}
	return base64.StdEncoding.EncodeToString(acc.publicKeyTagged()), nil
}

// ActiveAccountHash returns the active account's account hash in hex.
func (v *Vault) ActiveAccountHash() (string, error) {
	v.μ.Lock()
	defer v.μ.Unlock()
	acc := v.activeAccountLocked()
	if acc == nil {
		return "", ErrNoActiveAccount
	}
	return acc.hash(), nil
}

// AccountNames returns the account names in display order.
func (v *Vault) AccountNames() []string {
	v.μ.Lock()
	defer v.μ.Unlock()
	names := make([]string, len(v.accounts))
	for i, acc := range v.accounts {
		names[i] = acc.name
	}
	return names
}

// Export returns the downloadable key material for the named account. The
// vault must be unlocked.
func (v *Vault) Export(name string) (KeyExport, error) {
	v.μ.Lock()
	defer v.μ.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return KeyExport{}, err
	}
	i, err := v.findLocked(name)
	if err != nil {
		return KeyExport{}, err
	}
	acc := v.accounts[i]
	return KeyExport{
		Name:         acc.name,
		Algorithm:    acc.alg,
		PublicKeyHex: hex.EncodeToString(acc.publicKeyTagged()),
		SecretKeyHex: hex.EncodeToString(acc.secretKeyBytes()),
	}, nil
}

// SignDigest signs a 32-byte digest with the active account's key and
// returns the raw signature bytes (64-byte ed25519 signature, or DER for
// secp256k1). The vault must be unlocked.
func (v *Vault) SignDigest(digest []byte) ([]byte, error) {
	v.μ.Lock()
	defer v.μ.Unlock()
	if err := v.requireUnlockedLocked(); err != nil {
		return nil, err
	}
	acc := v.activeAccountLocked()
	if acc == nil {
		return nil, ErrNoActiveAccount
	}
	if len(digest) != 32 {
		return nil, fmt.Errorf("digest must be 32 bytes, got %d", len(digest))
	}
	switch acc.alg {
	case Ed25519:
		return ed25519.Sign(acc.ed, digest), nil
	default:
		return secpecdsa.Sign(acc.sec, digest).Serialize(), nil
	}
}

func (v *Vault) requireUnlockedLocked() error {
	if !v.created {
		return ErrNoVault
	}
	if !v.unlocked {
		return ErrLocked
	}
	return nil
}

func (v *Vault) findLocked(name string) (int, error) {
	for i, acc := range v.accounts {
		if acc.name == name {
			return i, nil
		}
	}
	return -1, fmt.Errorf("no account named %q", name)
}

func (v *Vault) activeAccountLocked() *account {
	if v.active < 0 || v.active >= len(v.accounts) {
		return nil
	}
	return v.accounts[v.active]
}

func (v *Vault) indexOfLocked(acc *account) int {
	for i, a := range v.accounts {
		if a == acc {
			return i
		}
	}
	return -1
}
