// Copyright (C) 2022 CasperLabs. All Rights Reserved.

package extension

import (
	"context"
	"sync"

	"github.com/CasperLabs/signer"
	"github.com/CasperLabs/signer/handler"
	"github.com/CasperLabs/signer/signing"
	"github.com/CasperLabs/signer/transport"
	"github.com/CasperLabs/signer/vault"
)

// A Popup is the popup window's duplex endpoint. It can call the
// background's method surface, and the background pushes state snapshots to
// it unsolicited.
type Popup struct {
	end *signer.Endpoint

	μ       sync.Mutex
	cur     State
	onState func(State)
}

// NewPopup attaches a popup endpoint to the runtime bus, registers the
// state-push handler, and pulls the current snapshot from the background.
// If onState is non-nil it is invoked for the initial snapshot and for
// every push thereafter.
func NewPopup(ctx context.Context, runtime *transport.Bus, onState func(State)) (*Popup, error) {
	p := &Popup{onState: onState}
	p.end = signer.New(signer.Popup, signer.Background)
	p.end.Handle(MUpdateState, handler.ParamError(func(_ context.Context, s State) error {
		p.setState(s)
		return nil
	}))
	p.end.Start(runtime.Attach())

	s, err := call[State](ctx, p.end, MGetState)
	if err != nil {
		p.end.Stop()
		return nil, err
	}
	p.setState(s)
	return p, nil
}

func (p *Popup) setState(s State) {
	p.μ.Lock()
	p.cur = s
	p.μ.Unlock()
	if p.onState != nil {
		p.onState(s)
	}
}

// State returns the last snapshot observed, pushed or pulled.
func (p *Popup) State() State { p.μ.Lock(); defer p.μ.Unlock(); return p.cur }

// Endpoint exposes the underlying endpoint, for calls the typed wrappers
// below do not cover.
func (p *Popup) Endpoint() *signer.Endpoint { return p.end }

// Stop shuts the popup endpoint down, abandoning any calls still pending.
func (p *Popup) Stop() error { return p.end.Stop() }

// GetState pulls a fresh snapshot from the background.
func (p *Popup) GetState(ctx context.Context) (State, error) {
	return call[State](ctx, p.end, MGetState)
}

// Unlock submits the vault password.
func (p *Popup) Unlock(ctx context.Context, password string) error {
	_, err := p.end.Call(ctx, MAccountUnlock, password)
	return err
}

// Lock locks the vault.
func (p *Popup) Lock(ctx context.Context) error {
	_, err := p.end.Call(ctx, MAccountLock)
	return err
}

// CreateVault initializes the vault with a password.
func (p *Popup) CreateVault(ctx context.Context, password string) error {
	_, err := p.end.Call(ctx, MAccountCreateNewVault, password)
	return err
}

// ImportAccount adds a key pair to the vault.
func (p *Popup) ImportAccount(ctx context.Context, name, secretKeyHex string, alg vault.Algorithm) error {
	_, err := p.end.Call(ctx, MAccountImport, name, secretKeyHex, alg)
	return err
}

// SelectedAccount returns the active account.
func (p *Popup) SelectedAccount(ctx context.Context) (vault.Info, error) {
	return call[vault.Info](ctx, p.end, MAccountSelected)
}

// ParseDeploy fetches the display view of a queued deploy.
func (p *Popup) ParseDeploy(ctx context.Context, id string) (signing.DeployData, error) {
	return call[signing.DeployData](ctx, p.end, MParseDeployData, id)
}

// ApproveDeploy signs the queued deploy with the active key, settling the
// submitting page's call.
func (p *Popup) ApproveDeploy(ctx context.Context, id string) error {
	_, err := p.end.Call(ctx, MSignDeploy, id)
	return err
}

// RejectDeploy refuses the queued deploy, settling the submitting page's
// call with an error.
func (p *Popup) RejectDeploy(ctx context.Context, id string) error {
	_, err := p.end.Call(ctx, MRejectSignDeploy, id)
	return err
}

// ConnectSite approves a site connection.
func (p *Popup) ConnectSite(ctx context.Context, origin string) error {
	_, err := p.end.Call(ctx, MConnectionConnect, origin)
	return err
}

// DisconnectSite disconnects a connected site.
func (p *Popup) DisconnectSite(ctx context.Context, origin string) error {
	_, err := p.end.Call(ctx, MConnectionDisconnect, origin)
	return err
}
