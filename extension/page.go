// Copyright (C) 2022 CasperLabs. All Rights Reserved.

package extension

import (
	"context"

	"github.com/CasperLabs/signer"
	"github.com/CasperLabs/signer/signing"
)

// A Page is the client an injected page script uses to reach the background
// process. Its endpoint speaks to the window transport it shares with the
// relay; it registers no methods of its own.
type Page struct {
	end *signer.Endpoint
}

// NewPage attaches a page client to the window transport.
func NewPage(window signer.Transport) *Page {
	p := &Page{end: signer.New(signer.Page, signer.Background)}
	p.end.Start(window)
	return p
}

// Endpoint exposes the underlying endpoint.
func (p *Page) Endpoint() *signer.Endpoint { return p.end }

// Stop shuts the page endpoint down, abandoning any calls still pending.
func (p *Page) Stop() error { return p.end.Stop() }

// Sign submits a deploy for signing and blocks until the user approves or
// rejects it in the popup, or ctx ends.
func (p *Page) Sign(ctx context.Context, d signing.Deploy) (signing.Result, error) {
	return call[signing.Result](ctx, p.end, MPageSign, d)
}

// SelectedPublicKeyBase64 returns the active account's tagged public key in
// base64.
func (p *Page) SelectedPublicKeyBase64(ctx context.Context) (string, error) {
	return call[string](ctx, p.end, MPageSelectedKeyBase64)
}

// IsConnected reports whether origin is connected to the wallet.
func (p *Page) IsConnected(ctx context.Context, origin string) (bool, error) {
	return call[bool](ctx, p.end, MPageIsConnected, origin)
}

// RequestConnection asks the wallet to queue a connection request for
// origin, to be approved by the user in the popup.
func (p *Page) RequestConnection(ctx context.Context, origin string) error {
	_, err := p.end.Call(ctx, MPageRequestConnection, origin)
	return err
}

// ConnectToSite connects origin directly; refused unless origin is on the
// integrated allow-list.
func (p *Page) ConnectToSite(ctx context.Context, origin string) error {
	_, err := p.end.Call(ctx, MPageConnectToSite, origin)
	return err
}

// DisconnectFromSite disconnects origin.
func (p *Page) DisconnectFromSite(ctx context.Context, origin string) error {
	_, err := p.end.Call(ctx, MPageDisconnectSite, origin)
	return err
}

// CreateNewVault bootstraps a vault; intended for integration harnesses.
func (p *Page) CreateNewVault(ctx context.Context, password string) error {
	_, err := p.end.Call(ctx, MPageCreateNewVault, password)
	return err
}

// HasCreatedVault reports whether a vault exists.
func (p *Page) HasCreatedVault(ctx context.Context) (bool, error) {
	return call[bool](ctx, p.end, MPageHasCreatedVault)
}
