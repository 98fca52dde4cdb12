package transport

import (
	"context"
	"fmt"
	"sync"

	ma "github.com/multiformats/go-multiaddr"
	"go.uber.org/multierr"

	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

var _ pkgif.Transport = (*Manager)(nil)

// Manager routes every dial and listen to the first registered transport
// that can handle the address. It is itself a Transport.
type Manager struct {
	mu         sync.RWMutex
	transports []pkgif.Transport
	closed     bool
}

// NewManager returns a manager over ts, consulted in order.
func NewManager(ts ...pkgif.Transport) *Manager {
	return &Manager{transports: append([]pkgif.Transport(nil), ts...)}
}

// Add registers t after the existing transports.
func (m *Manager) Add(t pkgif.Transport) {
	m.mu.Lock()
	m.transports = append(m.transports, t)
	m.mu.Unlock()
	log.Debug("transport registered", "count", len(m.transports))
}

// For returns the transport responsible for addr.
func (m *Manager) For(addr ma.Multiaddr) (pkgif.Transport, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}
	for _, t := range m.transports {
		if t.CanDial(addr) {
			return t, nil
		}
	}
	return nil, fmt.Errorf("%w: %s", ErrNoTransport, addr)
}

// CanDial reports whether any transport accepts addr.
func (m *Manager) CanDial(addr ma.Multiaddr) bool {
	_, err := m.For(addr)
	return err == nil
}

// Dial dials peer at addr through the matching transport.
func (m *Manager) Dial(ctx context.Context, addr ma.Multiaddr, peer types.PeerID) (pkgif.Conn, error) {
	t, err := m.For(addr)
	if err != nil {
		return nil, err
	}
	return t.Dial(ctx, addr, peer)
}

// Listen listens on addr. Transports that implement pkgif.ListenChecker
// decide for themselves; the rest are matched with CanDial.
func (m *Manager) Listen(addr ma.Multiaddr) (pkgif.Listener, error) {
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, ErrClosed
	}
	var match pkgif.Transport
	for _, t := range m.transports {
		if lc, ok := t.(pkgif.ListenChecker); ok {
			if lc.CanListen(addr) {
				match = t
				break
			}
			continue
		}
		if t.CanDial(addr) {
			match = t
			break
		}
	}
	m.mu.RUnlock()
	if match == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoTransport, addr)
	}
	return match.Listen(addr)
}

// Close closes every transport.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	ts := m.transports
	m.transports = nil
	m.mu.Unlock()

	var err error
	for _, t := range ts {
		err = multierr.Append(err, t.Close())
	}
	return err
}
