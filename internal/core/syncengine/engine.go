package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/eventlog"
	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/core/store"
	"github.com/dep2p/harbor/internal/util/logger"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

var log = logger.Logger("sync")

// rejectedCacheSize bounds the ids of events discarded for bad signatures.
const rejectedCacheSize = 4096

var (
	// ErrUnknownDomain is returned for a domain without a handler.
	ErrUnknownDomain = fmt.Errorf("%w: unknown domain", types.ErrValidation)
	// ErrAlreadyRegistered is returned when a domain gets a second handler.
	ErrAlreadyRegistered = errors.New("sync: domain already registered")
	// ErrIncomplete is returned by SyncWithPeer when some events could not
	// be fetched or applied. Progress is kept for the next attempt.
	ErrIncomplete = errors.New("sync: incomplete")
)

// Network is what the engine needs from the network service.
type Network interface {
	ID() types.PeerID
	Handle(k protocol.Kind, h protocol.Handler) error
	Request(ctx context.Context, to types.PeerID, msg protocol.Message) (protocol.Message, error)
	Send(ctx context.Context, to types.PeerID, msg protocol.Message) error
	IsIdentified(id types.PeerID) bool
	IdentifiedPeers(ctx context.Context) ([]types.AddrInfo, error)
}

// Store persists logs, the clock, sync progress and outbound queues.
type Store interface {
	eventlog.LogStore
	eventlog.ClockStore
	Progress(peer types.PeerID, d types.Domain) (uint64, error)
	SetProgress(peer types.PeerID, d types.Domain, lamport uint64) error
	Enqueue(peer types.PeerID, e *eventlog.Event, max int) (int, error)
	Pending(peer types.PeerID) ([]store.Queued, error)
	Dequeue(peer types.PeerID, seqs ...uint64) error
	QueuedPeers() ([]types.PeerID, error)
}

// domainLog pairs a log with its handler. mu is the single writer lock of
// the domain.
type domainLog struct {
	mu      sync.Mutex
	log     *eventlog.Log
	handler Handler
}

// Engine stores, orders and propagates events.
type Engine struct {
	cfg      config.SyncConfig
	keystore *identity.Keystore
	net      Network
	store    Store
	clock    *eventlog.Clock
	wall     clock.Clock
	bus      pkgif.EventBus
	applied  pkgif.Emitter
	metrics  Metrics

	rejected *lru.Cache[string, struct{}]

	logsMu sync.RWMutex
	logs   map[types.Domain]*domainLog

	flushMu  sync.Mutex
	flushing map[types.PeerID]bool
	again    map[types.PeerID]bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New loads the lamport clock and registers the sync message handlers on
// net. Domain handlers are added with Register.
func New(cfg config.SyncConfig, ks *identity.Keystore, net Network, st Store, opts ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	clk, err := eventlog.NewClock(st)
	if err != nil {
		return nil, fmt.Errorf("load clock: %w", err)
	}
	rejected, err := lru.New[string, struct{}](rejectedCacheSize)
	if err != nil {
		return nil, err
	}
	en := &Engine{
		cfg:      cfg,
		keystore: ks,
		net:      net,
		store:    st,
		clock:    clk,
		wall:     clock.New(),
		metrics:  nopMetrics{},
		rejected: rejected,
		logs:     make(map[types.Domain]*domainLog),
		flushing: make(map[types.PeerID]bool),
		again:    make(map[types.PeerID]bool),
	}
	for _, opt := range opts {
		opt(en)
	}
	en.ctx, en.cancel = context.WithCancel(context.Background())
	if en.bus != nil {
		if en.applied, err = en.bus.Emitter(new(types.EvtEventApplied)); err != nil {
			return nil, err
		}
	}

	for k, h := range map[protocol.Kind]protocol.Handler{
		protocol.KindEventPush:        en.handlePush,
		protocol.KindPermissionGrant:  en.handlePush,
		protocol.KindPermissionRevoke: en.handlePush,
		protocol.KindManifestRequest:  en.handleManifest,
		protocol.KindFetchRequest:     en.handleFetch,
	} {
		if err := net.Handle(k, h); err != nil {
			return nil, fmt.Errorf("register %s: %w", k, err)
		}
	}
	return en, nil
}

// Register opens the log of h's domain and replays it into h.
func (en *Engine) Register(h Handler) error {
	d := h.Domain()
	if !d.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownDomain, d)
	}
	en.logsMu.Lock()
	defer en.logsMu.Unlock()
	if _, ok := en.logs[d]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, d)
	}
	l, err := eventlog.OpenLog(d, en.store)
	if err != nil {
		return fmt.Errorf("open %s log: %w", d, err)
	}
	dl := &domainLog{log: l, handler: h}
	dl.rebuild()
	if err := en.clock.Witness(l.MaxLamport()); err != nil {
		return err
	}
	en.logs[d] = dl
	log.Debug("domain registered", "domain", d, "events", l.Len())
	return nil
}

func (en *Engine) domainLog(d types.Domain) (*domainLog, error) {
	en.logsMu.RLock()
	defer en.logsMu.RUnlock()
	dl, ok := en.logs[d]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownDomain, d)
	}
	return dl, nil
}

// domains returns the registered domains, permissions first so grants land
// before the events they gate.
func (en *Engine) domains() []types.Domain {
	en.logsMu.RLock()
	defer en.logsMu.RUnlock()
	out := make([]types.Domain, 0, len(en.logs))
	for _, d := range types.AllDomains {
		if _, ok := en.logs[d]; ok {
			out = append(out, d)
		}
	}
	return out
}

// Log returns the log of d.
func (en *Engine) Log(d types.Domain) (*eventlog.Log, error) {
	dl, err := en.domainLog(d)
	if err != nil {
		return nil, err
	}
	return dl.log, nil
}

// Clock returns the lamport clock.
func (en *Engine) Clock() *eventlog.Clock { return en.clock }

// ============================================================================
//                              Lifecycle
// ============================================================================

// Start flushes queues and syncs with every peer that becomes Identified,
// and repeats both on the configured interval.
func (en *Engine) Start(ctx context.Context) error {
	if en.bus != nil {
		sub, err := en.bus.Subscribe(new(types.EvtPeerIdentified))
		if err != nil {
			return err
		}
		en.spawn(func() { en.followIdentified(sub) })
	}
	if iv := en.cfg.Interval.Duration(); iv > 0 {
		en.spawn(func() { en.periodic(iv) })
	}
	peers, err := en.net.IdentifiedPeers(ctx)
	if err != nil {
		return err
	}
	for _, p := range peers {
		en.kick(p.ID)
	}
	return nil
}

// Close stops background work and waits for it.
func (en *Engine) Close() error {
	en.cancel()
	en.wg.Wait()
	if en.applied != nil {
		return en.applied.Close()
	}
	return nil
}

func (en *Engine) spawn(fn func()) {
	en.wg.Add(1)
	go func() {
		defer en.wg.Done()
		fn()
	}()
}

func (en *Engine) followIdentified(sub pkgif.Subscription) {
	defer sub.Close()
	for {
		select {
		case <-en.ctx.Done():
			return
		case e, ok := <-sub.Out():
			if !ok {
				return
			}
			evt, ok := e.(types.EvtPeerIdentified)
			if !ok {
				continue
			}
			en.kick(evt.Peer)
			en.spawn(func() { en.backgroundSync(evt.Peer) })
		}
	}
}

func (en *Engine) periodic(iv time.Duration) {
	t := en.wall.Ticker(iv)
	defer t.Stop()
	for {
		select {
		case <-en.ctx.Done():
			return
		case <-t.C:
		}
		if queued, err := en.store.QueuedPeers(); err == nil {
			for _, p := range queued {
				en.kick(p)
			}
		}
		peers, err := en.net.IdentifiedPeers(en.ctx)
		if err != nil {
			continue
		}
		for _, p := range peers {
			en.backgroundSync(p.ID)
		}
	}
}

func (en *Engine) backgroundSync(peer types.PeerID) {
	if err := en.SyncWithPeer(en.ctx, peer); err != nil && en.ctx.Err() == nil {
		log.Debug("background sync failed", "peer", peer.ShortString(), "error", err)
	}
}

// ============================================================================
//                              Local and remote events
// ============================================================================

// AppendLocalEvent stamps, signs and appends a new event, updates the view
// and queues the event for the handler's recipients.
func (en *Engine) AppendLocalEvent(ctx context.Context, d types.Domain, payload []byte) (*eventlog.Event, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	me, err := en.keystore.Current()
	if err != nil {
		return nil, err
	}
	dl, err := en.domainLog(d)
	if err != nil {
		return nil, err
	}

	dl.mu.Lock()
	lamport, err := en.clock.Tick()
	if err != nil {
		dl.mu.Unlock()
		return nil, err
	}
	e := eventlog.New(me, lamport, d, payload, en.wall.Now())
	err = dl.insert(e)
	dl.mu.Unlock()
	if err != nil {
		return nil, err
	}

	en.announce(dl, e, true)
	for _, peer := range dl.handler.Recipients(e) {
		if peer == me.PeerID() {
			continue
		}
		en.enqueue(peer, e)
	}
	return e, nil
}

// ApplyRemoteEvent verifies, gates and appends an event received from a
// peer. Applying an event twice is a no-op reported as Duplicate.
func (en *Engine) ApplyRemoteEvent(e *eventlog.Event) Result {
	if e == nil {
		return rejected(fmt.Errorf("%w: nil event", types.ErrValidation))
	}
	dl, err := en.domainLog(e.Domain)
	if err != nil {
		return rejected(err)
	}
	if dl.log.Has(e.ID) {
		return duplicate()
	}
	if en.rejected.Contains(e.ID) {
		return rejected(fmt.Errorf("%w: event %s rejected before", types.ErrSignatureInvalid, e.ShortID()))
	}
	if err := e.Verify(); err != nil {
		if errors.Is(err, types.ErrSignatureInvalid) {
			en.rejected.Add(e.ID, struct{}{})
		}
		return en.reject(e, "signature", err)
	}
	if err := en.checkSkew(e); err != nil {
		return en.reject(e, "skew", err)
	}
	if err := dl.handler.Validate(e); err != nil {
		reason := "invalid"
		if errors.Is(err, types.ErrUnauthorized) {
			reason = "unauthorized"
		}
		return en.reject(e, reason, err)
	}

	dl.mu.Lock()
	if dl.log.Has(e.ID) {
		dl.mu.Unlock()
		return duplicate()
	}
	if _, err := en.clock.Observe(e.Lamport); err != nil {
		dl.mu.Unlock()
		return rejected(err)
	}
	err = dl.insert(e)
	dl.mu.Unlock()
	if err != nil {
		return rejected(err)
	}
	en.announce(dl, e, false)
	return applied()
}

// checkSkew refuses events stamped too far ahead of the local clock, so a
// peer cannot push the clock to its limit.
func (en *Engine) checkSkew(e *eventlog.Event) error {
	local := en.clock.Current()
	if e.Lamport > local && e.Lamport-local > en.cfg.MaxLamportSkew {
		return fmt.Errorf("%w: lamport %d is too far ahead of %d", types.ErrValidation, e.Lamport, local)
	}
	return nil
}

func (en *Engine) reject(e *eventlog.Event, reason string, err error) Result {
	log.Warn("event rejected", "event", e.ShortID(), "domain", e.Domain, "origin", e.Origin.ShortString(), "reason", reason, "error", err)
	en.metrics.EventRejected(e.Domain, reason)
	return rejected(err)
}

// insert appends e under dl.mu. A tail insert is applied incrementally; an
// insert into the middle of the log rebuilds the view.
func (dl *domainLog) insert(e *eventlog.Event) error {
	ok, tail, err := dl.log.Insert(e)
	if err != nil || !ok {
		return err
	}
	if tail {
		dl.handler.Apply(e)
		return nil
	}
	dl.rebuild()
	return nil
}

func (dl *domainLog) rebuild() {
	dl.handler.Reset()
	for _, e := range dl.log.Events() {
		dl.handler.Apply(e)
	}
}

func (en *Engine) announce(dl *domainLog, e *eventlog.Event, local bool) {
	en.metrics.EventApplied(e.Domain, local)
	if n, ok := dl.handler.(Notifier); ok {
		n.Notify(e)
	}
	if en.applied != nil {
		_ = en.applied.Emit(types.EvtEventApplied{
			Domain:  e.Domain,
			EventID: e.ID,
			Origin:  e.Origin,
			Lamport: e.Lamport,
			Local:   local,
		})
	}
}

// Rebuild discards the view of d and replays the log into it.
func (en *Engine) Rebuild(d types.Domain) error {
	dl, err := en.domainLog(d)
	if err != nil {
		return err
	}
	dl.mu.Lock()
	defer dl.mu.Unlock()
	dl.rebuild()
	return nil
}

func (en *Engine) handlePush(_ context.Context, from types.PeerID, msg protocol.Message) (protocol.Message, error) {
	var e *eventlog.Event
	switch m := msg.(type) {
	case *protocol.EventPush:
		e = m.Event
	case *protocol.PermissionGrant:
		e = m.Event
	case *protocol.PermissionRevoke:
		e = m.Event
	default:
		return nil, fmt.Errorf("%w: %s is not a push", types.ErrValidation, msg.Kind())
	}
	if e == nil {
		return nil, fmt.Errorf("%w: %s without event", types.ErrValidation, msg.Kind())
	}
	if (msg.Kind() == protocol.KindPermissionGrant || msg.Kind() == protocol.KindPermissionRevoke) && e.Domain != types.DomainPermission {
		return nil, fmt.Errorf("%w: %s carries a %s event", types.ErrValidation, msg.Kind(), e.Domain)
	}
	res := en.ApplyRemoteEvent(e)
	if res.Status == Applied {
		log.Debug("pushed event applied", "event", e.ShortID(), "domain", e.Domain, "from", from.ShortString())
	}
	return nil, nil
}
