// Copyright (C) 2022 CasperLabs. All Rights Reserved.

package extension

import (
	"context"
	"errors"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/CasperLabs/signer"
	"github.com/CasperLabs/signer/handler"
	"github.com/CasperLabs/signer/signing"
	"github.com/CasperLabs/signer/sites"
	"github.com/CasperLabs/signer/transport"
	"github.com/CasperLabs/signer/vault"
)

// BackgroundConfig carries the construction parameters for the background
// process.
type BackgroundConfig struct {
	// IntegratedSites is the allow-list of origins that may connect without
	// user approval.
	IntegratedSites []string

	// Logger receives diagnostic output. If nil, logging is disabled.
	Logger *zerolog.Logger

	// Verbose, if true, logs every message exchanged by the background's
	// endpoints at debug level.
	Verbose bool

	// Clock substitutes the clock used for vault lockout timing. If nil the
	// system clock is used.
	Clock clock.Clock
}

// A Background owns the privileged process's two endpoints and the
// collaborators behind its registered method surface: the popup-facing
// duplex endpoint carrying the account.*, sign.*, and connection.* methods
// plus state pushes, and the page-facing server endpoint reached through
// the relay.
type Background struct {
	popupEnd *signer.Endpoint // duplex with any attached popups
	pageEnd  *signer.Endpoint // serves page traffic arriving via the relay

	vault *vault.Vault
	signs *signing.Manager
	sites *sites.Manager

	log zerolog.Logger
}

// NewBackground constructs the background process, attaches its two
// endpoints to the runtime bus, and registers the full method surface.
func NewBackground(runtime *transport.Bus, cfg BackgroundConfig) *Background {
	log := zerolog.Nop()
	if cfg.Logger != nil {
		log = *cfg.Logger
	}
	b := &Background{
		popupEnd: signer.New(signer.Background, signer.Popup),
		pageEnd:  signer.New(signer.Background, signer.Page),
		log:      log,
	}
	if cfg.Verbose {
		b.popupEnd.LogMessages(signer.ZeroLogger(log))
		b.pageEnd.LogMessages(signer.ZeroLogger(log))
	}

	vopts := []vault.Option{vault.OnChange(b.broadcast)}
	if cfg.Clock != nil {
		vopts = append(vopts, vault.WithClock(cfg.Clock))
	}
	b.vault = vault.New(vopts...)
	b.signs = signing.New(b.vault, b.broadcast)
	b.sites = sites.New(cfg.IntegratedSites, b.broadcast)

	b.registerPopupMethods()
	b.registerPageMethods()

	b.popupEnd.Start(runtime.Attach())
	b.pageEnd.Start(runtime.Attach())
	return b
}

// Stop shuts down both endpoints and blocks until they have exited.
func (b *Background) Stop() error {
	perr := b.popupEnd.Stop()
	gerr := b.pageEnd.Stop()
	if perr != nil {
		return perr
	}
	return gerr
}

// Vault exposes the account store, for the host process that owns the
// background (key persistence, CLI seeding).
func (b *Background) Vault() *vault.Vault { return b.vault }

// Snapshot composes the current application state from the collaborators.
func (b *Background) Snapshot() State {
	key, err := b.vault.ActivePublicKeyHex()
	if err != nil {
		key = ""
	}
	return State{
		IsUnlocked:          b.vault.Unlocked(),
		HasCreatedVault:     b.vault.Created(),
		ActivePublicKey:     key,
		Accounts:            b.vault.AccountNames(),
		ConnectedSites:      b.sites.Connected(),
		ConnectionRequested: b.sites.Requested(),
		UnsignedDeploys:     b.signs.PendingIDs(),
		LockedOut:           b.vault.LockedOut(),
		UnlockAttempts:      b.vault.Attempts(),
	}
}

// broadcast pushes the complete current snapshot to every attached popup.
// The push is a call whose reply nobody awaits; popups that are gone simply
// never receive it.
func (b *Background) broadcast() {
	if err := b.popupEnd.Notify(MUpdateState, b.Snapshot()); err != nil {
		b.log.Debug().Err(err).Msg("state push failed")
	}
}

func (b *Background) registerPopupMethods() {
	b.popupEnd.
		Handle(MGetState, handler.ResultError(func(context.Context) (State, error) {
			return b.Snapshot(), nil
		})).
		Handle(MAccountUnlock, handler.ParamError(func(_ context.Context, password string) error {
			return b.vault.Unlock(password)
		})).
		Handle(MAccountLock, handler.Error(func(context.Context) error {
			return b.vault.Lock()
		})).
		Handle(MAccountCreateNewVault, handler.ParamError(func(_ context.Context, password string) error {
			return b.vault.Create(password)
		})).
		Handle(MAccountImport, handler.Param3Error(func(_ context.Context, name, secretKeyHex string, alg vault.Algorithm) error {
			return b.vault.Import(name, secretKeyHex, alg)
		})).
		Handle(MAccountReorder, handler.Param2Error(func(_ context.Context, start, end int) error {
			return b.vault.Reorder(start, end)
		})).
		Handle(MAccountRemove, handler.ParamError(func(_ context.Context, name string) error {
			return b.vault.Remove(name)
		})).
		Handle(MAccountSwitch, handler.ParamError(func(_ context.Context, name string) error {
			return b.vault.Switch(name)
		})).
		Handle(MAccountSelected, handler.ResultError(func(context.Context) (vault.Info, error) {
			return b.vault.Selected()
		})).
		Handle(MAccountActivePublicKey, handler.ResultError(func(context.Context) (string, error) {
			return b.vault.ActivePublicKeyHex()
		})).
		Handle(MAccountActiveAccountHash, handler.ResultError(func(context.Context) (string, error) {
			return b.vault.ActiveAccountHash()
		})).
		Handle(MAccountResetVault, handler.Error(func(context.Context) error {
			return b.vault.Reset()
		})).
		Handle(MAccountResetLockout, handler.Error(func(context.Context) error {
			return b.vault.ResetLockout()
		})).
		Handle(MAccountStartLockout, handler.Error(func(context.Context) error {
			return b.vault.StartLockoutTimer()
		})).
		Handle(MAccountResetLockoutTimer, handler.Error(func(context.Context) error {
			return b.vault.ResetLockoutTimer()
		})).
		Handle(MAccountRename, handler.Param2Error(func(_ context.Context, oldName, newName string) error {
			return b.vault.Rename(oldName, newName)
		})).
		Handle(MAccountDownloadKeys, handler.ParamResultError(func(_ context.Context, name string) (vault.KeyExport, error) {
			return b.vault.Export(name)
		})).
		Handle(MAccountConfirmPassword, handler.ParamResultError(func(_ context.Context, password string) (bool, error) {
			return b.vault.ConfirmPassword(password)
		})).
		Handle(MSignDeploy, handler.ParamError(func(_ context.Context, id string) error {
			return b.signs.Approve(id)
		})).
		Handle(MRejectSignDeploy, handler.ParamError(func(_ context.Context, id string) error {
			return b.signs.Reject(id)
		})).
		Handle(MParseDeployData, handler.ParamResultError(func(_ context.Context, id string) (signing.DeployData, error) {
			return b.signs.Parse(id)
		})).
		Handle(MConnectionConnect, handler.ParamError(func(_ context.Context, origin string) error {
			return b.sites.Connect(origin)
		})).
		Handle(MConnectionDisconnect, handler.ParamError(func(_ context.Context, origin string) error {
			return b.sites.Disconnect(origin)
		})).
		Handle(MConnectionRemove, handler.ParamError(func(_ context.Context, origin string) error {
			return b.sites.Remove(origin)
		})).
		Handle(MConnectionResetRequest, handler.Error(func(context.Context) error {
			return b.sites.ResetRequest()
		})).
		Handle(MConnectionIsIntegrated, handler.ParamResultError(func(_ context.Context, origin string) (bool, error) {
			return b.sites.IsIntegrated(origin), nil
		}))
}

func (b *Background) registerPageMethods() {
	b.pageEnd.
		Handle(MPageSign, handler.ParamResultError(func(ctx context.Context, d signing.Deploy) (signing.Result, error) {
			return b.signs.Queue(ctx, d)
		})).
		Handle(MPageSelectedKeyBase64, handler.ResultError(func(context.Context) (string, error) {
			return b.vault.ActivePublicKeyBase64()
		})).
		Handle(MPageIsConnected, handler.ParamResultError(func(_ context.Context, origin string) (bool, error) {
			return b.sites.IsConnected(origin), nil
		})).
		Handle(MPageRequestConnection, handler.ParamError(func(_ context.Context, origin string) error {
			return b.sites.Request(origin)
		})).
		Handle(MPageConnectToSite, handler.ParamError(func(_ context.Context, origin string) error {
			// Only integrated sites may connect themselves; everyone else goes
			// through requestConnection and user approval in the popup.
			if !b.sites.IsIntegrated(origin) {
				return fmt.Errorf("site %q is not integrated", origin)
			}
			return b.sites.Connect(origin)
		})).
		Handle(MPageDisconnectSite, handler.ParamError(func(_ context.Context, origin string) error {
			return b.sites.Disconnect(origin)
		})).
		Handle(MPageCreateNewVault, handler.ParamError(func(_ context.Context, password string) error {
			// Vault bootstrap for integration harnesses; a second call is
			// refused the same way the popup path refuses it.
			if b.vault.Created() {
				return errors.New("vault already exists")
			}
			return b.vault.Create(password)
		})).
		Handle(MPageHasCreatedVault, handler.ResultError(func(context.Context) (bool, error) {
			return b.vault.Created(), nil
		}))
}
