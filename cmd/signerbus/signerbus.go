// Copyright (C) 2022 CasperLabs. All Rights Reserved.

// Program signerbus runs the wallet's messaging fabric outside a browser,
// for development and integration testing. The demo subcommand wires the
// whole topology in process and scripts a connect-and-sign flow; the serve
// subcommand exposes the runtime bus on a websocket listener so external
// harnesses can attach endpoints.
package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"expvar"
	"flag"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/rs/zerolog"

	"github.com/CasperLabs/signer/extension"
	"github.com/CasperLabs/signer/relay"
	"github.com/CasperLabs/signer/signing"
	"github.com/CasperLabs/signer/transport"
	"github.com/CasperLabs/signer/vault"
)

// settings is the TOML configuration accepted by both subcommands.
type settings struct {
	Listen          string   `toml:"listen"`
	IntegratedSites []string `toml:"integrated-sites"`
	Verbose         bool     `toml:"verbose"`
}

var flags struct {
	Config  string `flag:"config,Path to a TOML configuration file"`
	Verbose bool   `flag:"v,Log every message exchanged"`
}

var serveFlags struct {
	Listen string `flag:"listen,Address to listen on for websocket bridges (default localhost:7190)"`
}

func main() {
	root := &command.C{
		Name: filepath.Base(os.Args[0]),
		Help: "Run the wallet messaging fabric outside a browser.",
		SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
			flax.MustBind(fs, &flags)
		},
		Commands: []*command.C{
			{
				Name: "demo",
				Help: "Wire the full in-process topology and script a connect-and-sign flow.",
				Run:  runDemo,
			},
			{
				Name: "serve",
				Help: "Run a background process and expose the runtime bus over websocket.",
				SetFlags: func(_ *command.Env, fs *flag.FlagSet) {
					flax.MustBind(fs, &serveFlags)
				},
				Run: runServe,
			},
			command.VersionCommand(),
			command.HelpCommand(nil),
		},
	}
	command.RunOrFail(root.NewEnv(nil).MergeFlags(true), os.Args[1:])
}

// loadSettings reads the TOML file named by -config, if any, and folds the
// command-line flags over it.
func loadSettings() (settings, error) {
	var s settings
	if flags.Config != "" {
		if _, err := toml.DecodeFile(flags.Config, &s); err != nil {
			return s, fmt.Errorf("loading config: %w", err)
		}
	}
	if flags.Verbose {
		s.Verbose = true
	}
	if serveFlags.Listen != "" {
		s.Listen = serveFlags.Listen
	}
	if s.Listen == "" {
		s.Listen = "localhost:7190"
	}
	return s, nil
}

func newLogger() zerolog.Logger {
	out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.TimeOnly}
	return zerolog.New(out).With().Timestamp().Logger()
}

func runServe(env *command.Env) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	log := newLogger()

	runtime := transport.NewRuntime()
	bg := extension.NewBackground(runtime, extension.BackgroundConfig{
		IntegratedSites: s.IntegratedSites,
		Logger:          &log,
		Verbose:         s.Verbose,
	})
	defer bg.Stop()

	mux := http.NewServeMux()
	mux.Handle("/channel", &transport.Bridge{Bus: runtime})
	mux.Handle("/debug/vars", expvar.Handler())

	log.Info().Str("listen", s.Listen).Msg("runtime bus bridge listening")
	return http.ListenAndServe(s.Listen, mux)
}

func runDemo(env *command.Env) error {
	s, err := loadSettings()
	if err != nil {
		return err
	}
	log := newLogger()
	ctx := env.Context()

	const demoSite = "https://demo.casperlabs.io"

	// The two physical transports and the contexts attached to them.
	window := transport.NewWindow()
	runtime := transport.NewRuntime()

	bg := extension.NewBackground(runtime, extension.BackgroundConfig{
		IntegratedSites: append(s.IntegratedSites, demoSite),
		Logger:          &log,
		Verbose:         s.Verbose,
	})
	defer bg.Stop()

	rly := relay.New(window.Attach(), runtime.Attach()).Start()
	defer rly.Stop()

	states := make(chan extension.State, 16)
	popup, err := extension.NewPopup(ctx, runtime, func(st extension.State) {
		select {
		case states <- st:
		default:
		}
	})
	if err != nil {
		return err
	}
	defer popup.Stop()

	page := extension.NewPage(window.Attach())
	defer page.Stop()

	// Bootstrap a vault with one generated account.
	if err := page.CreateNewVault(ctx, "demo-password"); err != nil {
		return err
	}
	seed := make([]byte, 32)
	rand.Read(seed)
	if err := popup.ImportAccount(ctx, "demo-account", hex.EncodeToString(seed), vault.Ed25519); err != nil {
		return err
	}
	key, err := page.SelectedPublicKeyBase64(ctx)
	if err != nil {
		return err
	}
	log.Info().Str("publicKey", key).Msg("vault ready")

	// Connect the demo site through the approval flow.
	if err := page.RequestConnection(ctx, demoSite); err != nil {
		return err
	}
	if err := popup.ConnectSite(ctx, demoSite); err != nil {
		return err
	}
	connected, err := page.IsConnected(ctx, demoSite)
	if err != nil {
		return err
	}
	log.Info().Bool("connected", connected).Str("site", demoSite).Msg("connection approved")

	// Submit a deploy from the page and approve it from the popup.
	hash := make([]byte, 32)
	rand.Read(hash)
	signKey, _ := bg.Vault().ActivePublicKeyHex()
	deploy := signing.Deploy{
		Hash:      hex.EncodeToString(hash),
		Account:   signKey,
		ChainName: "casper-test",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Payment:   "10000000000",
		Session:   map[string]any{"transfer": map[string]any{"amount": "2500000000"}},
	}

	done := make(chan error, 1)
	var res signing.Result
	go func() {
		var serr error
		res, serr = page.Sign(ctx, deploy)
		done <- serr
	}()

	// Wait for the deploy to show up in a pushed snapshot, then approve it.
	id, err := waitForDeploy(ctx, states)
	if err != nil {
		return err
	}
	data, err := popup.ParseDeploy(ctx, id)
	if err != nil {
		return err
	}
	log.Info().Str("deploy", data.DeployHash).Str("type", data.DeployType).Msg("approving deploy")
	if err := popup.ApproveDeploy(ctx, id); err != nil {
		return err
	}
	if err := <-done; err != nil {
		return err
	}
	log.Info().Str("signature", res.Signature).Str("signer", res.PublicKey).Msg("deploy signed")
	return nil
}

func waitForDeploy(ctx context.Context, states <-chan extension.State) (string, error) {
	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case st := <-states:
			if len(st.UnsignedDeploys) > 0 {
				return st.UnsignedDeploys[0], nil
			}
		}
	}
}
