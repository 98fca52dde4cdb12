package relay

import (
	"context"
	"io"
	"sync"

	"golang.org/x/time/rate"

	"github.com/dep2p/harbor/pkg/types"
)

// LimiterConfig bounds what a relay server hands out.
type LimiterConfig struct {
	// MaxReservations caps live reservations; zero is unlimited.
	MaxReservations int
	// MaxCircuits caps live circuits; zero is unlimited.
	MaxCircuits int
	// MaxCircuitsPerPeer caps live circuits per reserved peer; zero is
	// unlimited.
	MaxCircuitsPerPeer int
	// BytesPerSecond limits each circuit direction; zero is unlimited.
	BytesPerSecond int64
}

// Limiter counts reservations and circuits against LimiterConfig.
type Limiter struct {
	config LimiterConfig

	mu           sync.Mutex
	reservations map[types.PeerID]struct{}
	circuits     map[types.PeerID]int
	total        int
}

// NewLimiter returns a limiter for config.
func NewLimiter(config LimiterConfig) *Limiter {
	return &Limiter{
		config:       config,
		reservations: make(map[types.PeerID]struct{}),
		circuits:     make(map[types.PeerID]int),
	}
}

// AllowReservation admits a reservation for peer. Refreshing an existing
// reservation always succeeds.
func (l *Limiter) AllowReservation(peer types.PeerID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.reservations[peer]; ok {
		return nil
	}
	if l.config.MaxReservations > 0 && len(l.reservations) >= l.config.MaxReservations {
		return ErrResourceLimitExceeded
	}
	l.reservations[peer] = struct{}{}
	return nil
}

// ReleaseReservation frees peer's reservation slot.
func (l *Limiter) ReleaseReservation(peer types.PeerID) {
	l.mu.Lock()
	delete(l.reservations, peer)
	l.mu.Unlock()
}

// AllowCircuit admits a circuit toward dest.
func (l *Limiter) AllowCircuit(dest types.PeerID) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.config.MaxCircuits > 0 && l.total >= l.config.MaxCircuits {
		return ErrResourceLimitExceeded
	}
	if l.config.MaxCircuitsPerPeer > 0 && l.circuits[dest] >= l.config.MaxCircuitsPerPeer {
		return ErrTooManyCircuits
	}
	l.circuits[dest]++
	l.total++
	return nil
}

// ReleaseCircuit frees a circuit slot toward dest.
func (l *Limiter) ReleaseCircuit(dest types.PeerID) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.circuits[dest] > 0 {
		l.circuits[dest]--
		l.total--
		if l.circuits[dest] == 0 {
			delete(l.circuits, dest)
		}
	}
}

// Bandwidth returns a fresh per-direction rate limiter, or nil when
// bandwidth is unlimited.
func (l *Limiter) Bandwidth() *rate.Limiter {
	if l.config.BytesPerSecond <= 0 {
		return nil
	}
	burst := int(l.config.BytesPerSecond)
	if burst < copyBufferSize {
		burst = copyBufferSize
	}
	return rate.NewLimiter(rate.Limit(l.config.BytesPerSecond), burst)
}

// Stats returns the current counts.
func (l *Limiter) Stats() LimiterStats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return LimiterStats{
		Reservations: len(l.reservations),
		Circuits:     l.total,
		UniquePeers:  len(l.circuits),
	}
}

// LimiterStats is a snapshot of a Limiter.
type LimiterStats struct {
	Reservations int
	Circuits     int
	UniquePeers  int
}

// copyBufferSize is the splice buffer and the minimum limiter burst.
const copyBufferSize = 32 * 1024

// rateWriter delays writes to stay under a rate.Limiter.
type rateWriter struct {
	ctx context.Context
	w   io.Writer
	lim *rate.Limiter
}

func (w *rateWriter) Write(p []byte) (int, error) {
	if w.lim == nil {
		return w.w.Write(p)
	}
	written := 0
	for written < len(p) {
		n := len(p) - written
		if n > w.lim.Burst() {
			n = w.lim.Burst()
		}
		if err := w.lim.WaitN(w.ctx, n); err != nil {
			return written, err
		}
		m, err := w.w.Write(p[written : written+n])
		written += m
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
