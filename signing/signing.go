// Copyright (C) 2022 CasperLabs. All Rights Reserved.

// Package signing implements the deploy-approval queue behind the sign.*
// method surface. A page submits a deploy and blocks until the user,
// through the popup, approves or rejects it; approval signs the deploy hash
// with the active vault key and settles the page's pending call with the
// signature.
package signing

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
)

// ErrRejected is reported to the submitting page when the user rejects a
// queued deploy.
var ErrRejected = errors.New("user rejected the signing request")

// A Signer produces a signature over a 32-byte digest with the active
// account's key. It is implemented by the vault.
type Signer interface {
	SignDigest(digest []byte) ([]byte, error)
	ActivePublicKeyHex() (string, error)
}

// A Deploy is the subset of a deploy the wallet needs to display and sign.
// The hash is the 32-byte deploy hash in hex; it is what gets signed.
type Deploy struct {
	Hash      string         `json:"hash"`
	Account   string         `json:"account"` // tagged public key hex of the intended signer
	ChainName string         `json:"chainName"`
	Timestamp string         `json:"timestamp"`
	Payment   string         `json:"payment"` // payment amount in motes
	Session   map[string]any `json:"session"` // session logic, shape depends on deploy type
}

// deployType classifies a deploy for display from the shape of its session
// logic.
func (d Deploy) deployType() string {
	for name := range d.Session {
		switch name {
		case "transfer", "Transfer":
			return "transfer"
		}
	}
	return "contract"
}

// DeployData is the parsed view of a queued deploy served to the popup for
// display before the user decides.
type DeployData struct {
	ID         string `json:"id"`
	DeployHash string `json:"deployHash"`
	SigningKey string `json:"signingKey"` // the key that will sign, tagged hex
	Account    string `json:"account"`
	ChainName  string `json:"chainName"`
	Timestamp  string `json:"timestamp"`
	Payment    string `json:"payment"`
	DeployType string `json:"deployType"`
}

// A Result settles a page-side sign call.
type Result struct {
	Signature string `json:"signature"` // hex-encoded signature over the deploy hash
	PublicKey string `json:"publicKey"` // tagged hex of the key that signed
}

type outcome struct {
	res Result
	err error
}

type pendingDeploy struct {
	deploy Deploy
	done   chan outcome // buffered, capacity 1
}

// A Manager holds deploys awaiting a user decision. It is safe for
// concurrent use by multiple goroutines; a submission blocked in Queue does
// not exclude other submissions or decisions.
type Manager struct {
	signer   Signer
	onChange func()

	μ     sync.Mutex
	queue map[string]*pendingDeploy
}

// New constructs a manager that signs with s. If onChange is non-nil it is
// invoked after every change to the set of queued deploys.
func New(s Signer, onChange func()) *Manager {
	return &Manager{signer: s, onChange: onChange, queue: make(map[string]*pendingDeploy)}
}

func (m *Manager) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}

// Queue adds d to the approval queue and blocks until the user decides or
// ctx ends. If ctx ends first the deploy is withdrawn from the queue and
// the context's error is reported.
func (m *Manager) Queue(ctx context.Context, d Deploy) (Result, error) {
	if _, err := hex.DecodeString(d.Hash); err != nil || len(d.Hash) != 64 {
		return Result{}, fmt.Errorf("invalid deploy hash %q", d.Hash)
	}

	pd := &pendingDeploy{deploy: d, done: make(chan outcome, 1)}
	id := uuid.NewString()
	m.μ.Lock()
	m.queue[id] = pd
	m.μ.Unlock()
	m.notify()

	select {
	case <-ctx.Done():
		m.μ.Lock()
		delete(m.queue, id)
		m.μ.Unlock()
		m.notify()
		return Result{}, ctx.Err()
	case out := <-pd.done:
		return out.res, out.err
	}
}

// PendingIDs returns the ids of the queued deploys in sorted order.
func (m *Manager) PendingIDs() []string {
	m.μ.Lock()
	defer m.μ.Unlock()
	ids := make([]string, 0, len(m.queue))
	for id := range m.queue {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Parse returns the display view of the queued deploy with the given id.
func (m *Manager) Parse(id string) (DeployData, error) {
	m.μ.Lock()
	pd, ok := m.queue[id]
	m.μ.Unlock()
	if !ok {
		return DeployData{}, fmt.Errorf("no queued deploy %q", id)
	}
	key, err := m.signer.ActivePublicKeyHex()
	if err != nil {
		key = ""
	}
	d := pd.deploy
	return DeployData{
		ID:         id,
		DeployHash: d.Hash,
		SigningKey: key,
		Account:    d.Account,
		ChainName:  d.ChainName,
		Timestamp:  d.Timestamp,
		Payment:    d.Payment,
		DeployType: d.deployType(),
	}, nil
}

// Approve signs the queued deploy with the active vault key and settles the
// submitter's pending call with the signature. A signing failure (for
// example, a locked vault) is reported to the decider and leaves the deploy
// queued, so the user may retry after unlocking.
func (m *Manager) Approve(id string) error {
	m.μ.Lock()
	pd, ok := m.queue[id]
	m.μ.Unlock()
	if !ok {
		return fmt.Errorf("no queued deploy %q", id)
	}

	digest, err := hex.DecodeString(pd.deploy.Hash)
	if err != nil {
		return fmt.Errorf("decoding deploy hash: %w", err)
	}
	sig, err := m.signer.SignDigest(digest)
	if err != nil {
		return err
	}
	key, err := m.signer.ActivePublicKeyHex()
	if err != nil {
		return err
	}

	m.settle(id, pd, outcome{res: Result{
		Signature: hex.EncodeToString(sig),
		PublicKey: key,
	}})
	return nil
}

// Reject settles the submitter's pending call with ErrRejected and removes
// the deploy from the queue.
func (m *Manager) Reject(id string) error {
	m.μ.Lock()
	pd, ok := m.queue[id]
	m.μ.Unlock()
	if !ok {
		return fmt.Errorf("no queued deploy %q", id)
	}
	m.settle(id, pd, outcome{err: ErrRejected})
	return nil
}

// settle removes id from the queue and delivers out to the submitter, if it
// is still waiting. Settlement is at most once: a second decision for the
// same id reports an unknown-deploy error to the decider.
func (m *Manager) settle(id string, pd *pendingDeploy, out outcome) {
	m.μ.Lock()
	_, ok := m.queue[id]
	delete(m.queue, id)
	m.μ.Unlock()
	if ok {
		pd.done <- out
		m.notify()
	}
}
