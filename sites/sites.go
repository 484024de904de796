// Copyright (C) 2022 CasperLabs. All Rights Reserved.

// Package sites tracks which web origins are connected to the wallet. It
// backs the connection.* method surface: the connection-approval queue, the
// connected-site set, and the allow-list of integrated sites that may
// connect without user approval.
package sites

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/creachadair/mds/mapset"
)

// A Manager records per-origin connection state. It is safe for concurrent
// use by multiple goroutines.
type Manager struct {
	onChange func()

	μ          sync.Mutex
	integrated mapset.Set[string] // origins allowed to connect without approval
	known      mapset.Set[string] // origins the user has ever connected
	connected  mapset.Set[string] // origins currently connected
	requested  string             // origin awaiting approval, or ""
}

// New constructs a manager with the given integrated-site allow-list. If
// onChange is non-nil it is invoked after every observable state change.
func New(integrated []string, onChange func()) *Manager {
	return &Manager{
		onChange:   onChange,
		integrated: mapset.New(integrated...),
		known:      mapset.New[string](),
		connected:  mapset.New[string](),
	}
}

func (m *Manager) notify() {
	if m.onChange != nil {
		m.onChange()
	}
}

// Request records origin as awaiting connection approval. A request for an
// already connected origin is a no-op; a second request replaces the first.
func (m *Manager) Request(origin string) error {
	if origin == "" {
		return errors.New("origin must not be empty")
	}
	m.μ.Lock()
	if m.connected.Has(origin) {
		m.μ.Unlock()
		return nil
	}
	m.requested = origin
	m.μ.Unlock()

	m.notify()
	return nil
}

// Requested returns the origin awaiting approval, or "".
func (m *Manager) Requested() string { m.μ.Lock(); defer m.μ.Unlock(); return m.requested }

// ResetRequest clears any pending connection request.
func (m *Manager) ResetRequest() error {
	m.μ.Lock()
	m.requested = ""
	m.μ.Unlock()

	m.notify()
	return nil
}

// Connect marks origin as connected and clears a matching pending request.
func (m *Manager) Connect(origin string) error {
	if origin == "" {
		return errors.New("origin must not be empty")
	}
	m.μ.Lock()
	m.known.Add(origin)
	m.connected.Add(origin)
	if m.requested == origin {
		m.requested = ""
	}
	m.μ.Unlock()

	m.notify()
	return nil
}

// Disconnect marks origin as no longer connected. The origin stays known,
// so the popup can offer to reconnect it later.
func (m *Manager) Disconnect(origin string) error {
	m.μ.Lock()
	if !m.known.Has(origin) {
		m.μ.Unlock()
		return fmt.Errorf("unknown site %q", origin)
	}
	m.connected.Remove(origin)
	m.μ.Unlock()

	m.notify()
	return nil
}

// Remove forgets origin entirely, disconnecting it if connected.
func (m *Manager) Remove(origin string) error {
	m.μ.Lock()
	if !m.known.Has(origin) {
		m.μ.Unlock()
		return fmt.Errorf("unknown site %q", origin)
	}
	m.known.Remove(origin)
	m.connected.Remove(origin)
	m.μ.Unlock()

	m.notify()
	return nil
}

// IsConnected reports whether origin is currently connected.
func (m *Manager) IsConnected(origin string) bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.connected.Has(origin)
}

// IsIntegrated reports whether origin is on the integrated allow-list.
func (m *Manager) IsIntegrated(origin string) bool {
	m.μ.Lock()
	defer m.μ.Unlock()
	return m.integrated.Has(origin)
}

// Connected returns the currently connected origins in sorted order.
func (m *Manager) Connected() []string {
	m.μ.Lock()
	defer m.μ.Unlock()
	return sortedElements(m.connected)
}

// Known returns every origin the user has ever connected, in sorted order.
func (m *Manager) Known() []string {
	m.μ.Lock()
	defer m.μ.Unlock()
	return sortedElements(m.known)
}

func sortedElements(s mapset.Set[string]) []string {
	out := make([]string, 0, len(s))
	for origin := range s {
		out = append(out, origin)
	}
	sort.Strings(out)
	return out
}
