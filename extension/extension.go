// Copyright (C) 2022 CasperLabs. All Rights Reserved.

// Package extension wires the RPC endpoints that make up the wallet's
// messaging topology: the background process's two server endpoints, the
// popup's duplex endpoint, and the page-side client used by injected
// scripts. The constructors here only bind method names to the handlers of
// their collaborators (vault, signing manager, site manager); none of them
// embeds business logic of its own.
package extension

import (
	"context"
	"encoding/json"

	"github.com/CasperLabs/signer"
)

// State is the complete application snapshot the background pushes to every
// attached popup after each state change. Pushes always carry the whole
// snapshot, never a diff.
type State struct {
	IsUnlocked          bool     `json:"isUnlocked"`
	HasCreatedVault     bool     `json:"hasCreatedVault"`
	ActivePublicKey     string   `json:"activePublicKey"` // tagged hex, or ""
	Accounts            []string `json:"accounts"`
	ConnectedSites      []string `json:"connectedSites"`
	ConnectionRequested string   `json:"connectionRequested"` // origin awaiting approval, or ""
	UnsignedDeploys     []string `json:"unsignedDeploys"`     // queued deploy ids
	LockedOut           bool     `json:"lockedOut"`
	UnlockAttempts      int      `json:"unlockAttempts"`
}

// call invokes method on e and decodes the reply value into T.
func call[T any](ctx context.Context, e *signer.Endpoint, method string, args ...any) (T, error) {
	var out T
	raw, err := e.Call(ctx, method, args...)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, err
	}
	return out, nil
}
