package metrics

import (
	"sort"
	"sync"

	"github.com/benbjohnson/clock"

	"github.com/dep2p/harbor/internal/core/protocol"
)

// Stats is a bandwidth snapshot.
type Stats struct {
	TotalIn  int64
	TotalOut int64
	RateIn   float64 // bytes per second
	RateOut  float64
}

type meterPair struct {
	in, out *RateMeter
}

func (p meterPair) stats() Stats {
	return Stats{TotalIn: p.in.Total(), TotalOut: p.out.Total(), RateIn: p.in.Rate(), RateOut: p.out.Rate()}
}

// Bandwidth counts message bytes in total and per message kind.
type Bandwidth struct {
	clock clock.Clock
	total meterPair

	mu     sync.RWMutex
	byKind map[protocol.Kind]meterPair
}

// NewBandwidth returns an empty counter. clk may be nil.
func NewBandwidth(clk clock.Clock) *Bandwidth {
	if clk == nil {
		clk = clock.New()
	}
	return &Bandwidth{
		clock:  clk,
		total:  meterPair{in: NewRateMeter(clk), out: NewRateMeter(clk)},
		byKind: make(map[protocol.Kind]meterPair),
	}
}

// LogSent records an outbound message.
func (b *Bandwidth) LogSent(k protocol.Kind, n int) {
	b.total.out.Add(int64(n))
	b.kind(k).out.Add(int64(n))
}

// LogReceived records an inbound message.
func (b *Bandwidth) LogReceived(k protocol.Kind, n int) {
	b.total.in.Add(int64(n))
	b.kind(k).in.Add(int64(n))
}

func (b *Bandwidth) kind(k protocol.Kind) meterPair {
	b.mu.RLock()
	p, ok := b.byKind[k]
	b.mu.RUnlock()
	if ok {
		return p
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if p, ok = b.byKind[k]; !ok {
		p = meterPair{in: NewRateMeter(b.clock), out: NewRateMeter(b.clock)}
		b.byKind[k] = p
	}
	return p
}

// Totals returns traffic across all kinds.
func (b *Bandwidth) Totals() Stats { return b.total.stats() }

// ForKind returns traffic of one message kind.
func (b *Bandwidth) ForKind(k protocol.Kind) Stats {
	b.mu.RLock()
	p, ok := b.byKind[k]
	b.mu.RUnlock()
	if !ok {
		return Stats{}
	}
	return p.stats()
}

// Kinds lists the kinds seen so far.
func (b *Bandwidth) Kinds() []protocol.Kind {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]protocol.Kind, 0, len(b.byKind))
	for k := range b.byKind {
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
