package syncengine

import (
	"context"
	"fmt"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/eventbus"
	"github.com/dep2p/harbor/internal/core/eventlog"
	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/core/storage/engine"
	"github.com/dep2p/harbor/internal/core/storage/engine/badger"
	"github.com/dep2p/harbor/internal/core/store"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

const waitFor = 3 * time.Second

// ============================================================================
//                              Test doubles
// ============================================================================

// fakeNet connects engines in-process. Linked peers count as Identified.
type fakeNet struct {
	id types.PeerID

	mu       sync.Mutex
	handlers map[protocol.Kind]protocol.Handler
	peers    map[types.PeerID]*fakeNet
}

func newFakeNet(id types.PeerID) *fakeNet {
	return &fakeNet{id: id, handlers: make(map[protocol.Kind]protocol.Handler), peers: make(map[types.PeerID]*fakeNet)}
}

func link(a, b *fakeNet) {
	a.mu.Lock()
	a.peers[b.id] = b
	a.mu.Unlock()
	b.mu.Lock()
	b.peers[a.id] = a
	b.mu.Unlock()
}

func (f *fakeNet) ID() types.PeerID { return f.id }

func (f *fakeNet) Handle(k protocol.Kind, h protocol.Handler) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.handlers[k]; ok {
		return protocol.ErrDuplicateHandler
	}
	f.handlers[k] = h
	return nil
}

func (f *fakeNet) IsIdentified(id types.PeerID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.peers[id]
	return ok
}

func (f *fakeNet) IdentifiedPeers(context.Context) ([]types.AddrInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []types.AddrInfo
	for id := range f.peers {
		out = append(out, types.AddrInfo{ID: id})
	}
	return out, nil
}

func (f *fakeNet) Request(ctx context.Context, to types.PeerID, msg protocol.Message) (protocol.Message, error) {
	f.mu.Lock()
	peer, ok := f.peers[to]
	f.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotIdentified, to.ShortString())
	}
	peer.mu.Lock()
	h := peer.handlers[msg.Kind()]
	peer.mu.Unlock()
	if h == nil {
		return nil, protocol.ErrNoHandler
	}
	resp, err := h(ctx, f.id, msg)
	if err != nil {
		return nil, protocol.AsError(&protocol.Error{Code: protocol.CodeFor(err), Message: err.Error()})
	}
	return resp, nil
}

func (f *fakeNet) Send(ctx context.Context, to types.PeerID, msg protocol.Message) error {
	_, err := f.Request(ctx, to, msg)
	return err
}

// recorder is a domain handler that remembers what it was fed.
type recorder struct {
	domain types.Domain

	mu         sync.Mutex
	applied    []string
	resets     int
	notified   []string
	deny       map[types.PeerID]bool
	hidden     map[string]bool
	recipients []types.PeerID
}

func newRecorder(d types.Domain) *recorder {
	return &recorder{domain: d, deny: make(map[types.PeerID]bool), hidden: make(map[string]bool)}
}

func (r *recorder) Domain() types.Domain { return r.domain }

func (r *recorder) Apply(e *eventlog.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = append(r.applied, e.ID)
}

func (r *recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applied = nil
	r.resets++
}

func (r *recorder) Notify(e *eventlog.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.notified = append(r.notified, e.ID)
}

func (r *recorder) Validate(e *eventlog.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.deny[e.Origin] {
		return fmt.Errorf("%w: %s", types.ErrUnauthorized, e.Origin.ShortString())
	}
	return nil
}

func (r *recorder) Recipients(*eventlog.Event) []types.PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]types.PeerID(nil), r.recipients...)
}

func (r *recorder) Visible(_ types.PeerID, e *eventlog.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return !r.hidden[e.ID]
}

func (r *recorder) setDeny(p types.PeerID, v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deny[p] = v
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.applied...)
}

// ============================================================================
//                              Fixtures
// ============================================================================

type peer struct {
	ident *identity.Identity
	net   *fakeNet
	store *store.Store
	eng   *Engine
	rec   *recorder
	bus   pkgif.EventBus
}

func testConfig() config.SyncConfig {
	cfg := config.DefaultSyncConfig()
	cfg.Interval = 0
	return cfg
}

func newStore(t *testing.T) *store.Store {
	t.Helper()
	eng, err := badger.New(engine.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return store.New(eng)
}

func newPeer(t *testing.T, cfg config.SyncConfig) *peer {
	t.Helper()
	ident, err := identity.Generate(types.Profile{DisplayName: t.Name()})
	require.NoError(t, err)
	return newPeerWith(t, cfg, ident, newStore(t))
}

func newPeerWith(t *testing.T, cfg config.SyncConfig, ident *identity.Identity, st *store.Store) *peer {
	t.Helper()
	ks := identity.NewKeystore()
	ks.Set(ident)
	bus := eventbus.NewBus()
	net := newFakeNet(ident.PeerID())
	en, err := New(cfg, ks, net, st, WithEventBus(bus))
	require.NoError(t, err)
	rec := newRecorder(types.DomainMessage)
	require.NoError(t, en.Register(rec))
	t.Cleanup(func() { _ = en.Close() })
	return &peer{ident: ident, net: net, store: st, eng: en, rec: rec, bus: bus}
}

func (p *peer) append(t *testing.T, payload string) *eventlog.Event {
	t.Helper()
	e, err := p.eng.AppendLocalEvent(context.Background(), types.DomainMessage, []byte(payload))
	require.NoError(t, err)
	return e
}

func newEvent(t *testing.T, author *peer, lamport uint64) *eventlog.Event {
	t.Helper()
	return eventlog.New(author.ident, lamport, types.DomainMessage, []byte(t.Name()), time.Now())
}

func (p *peer) has(id string) bool {
	l, err := p.eng.Log(types.DomainMessage)
	if err != nil {
		return false
	}
	return l.Has(id)
}

// ============================================================================
//                              Local and remote events
// ============================================================================

func TestAppendLocalEventStampsAndPersists(t *testing.T) {
	cfg := testConfig()
	p := newPeer(t, cfg)

	sub, err := p.bus.Subscribe(new(types.EvtEventApplied))
	require.NoError(t, err)
	defer sub.Close()

	e1 := p.append(t, "one")
	e2 := p.append(t, "two")
	assert.Equal(t, uint64(1), e1.Lamport)
	assert.Equal(t, uint64(2), e2.Lamport)
	assert.Equal(t, p.ident.PeerID(), e1.Origin)
	require.NoError(t, e1.Verify())
	assert.Equal(t, []string{e1.ID, e2.ID}, p.rec.ids())

	select {
	case got := <-sub.Out():
		evt := got.(types.EvtEventApplied)
		assert.Equal(t, e1.ID, evt.EventID)
		assert.True(t, evt.Local)
	case <-time.After(waitFor):
		t.Fatal("no EvtEventApplied")
	}

	// A second engine on the same store replays the log and keeps counting.
	require.NoError(t, p.eng.Close())
	again := newPeerWith(t, cfg, p.ident, p.store)
	assert.Equal(t, []string{e1.ID, e2.ID}, again.rec.ids())
	assert.Equal(t, uint64(3), again.append(t, "three").Lamport)
}

func TestAppendLocalEventNeedsUnlockedIdentity(t *testing.T) {
	ks := identity.NewKeystore()
	id, err := identity.Generate(types.Profile{})
	require.NoError(t, err)
	en, err := New(testConfig(), ks, newFakeNet(id.PeerID()), newStore(t))
	require.NoError(t, err)
	defer en.Close()
	require.NoError(t, en.Register(newRecorder(types.DomainMessage)))

	_, err = en.AppendLocalEvent(context.Background(), types.DomainMessage, nil)
	assert.ErrorIs(t, err, types.ErrIdentityLocked)

	ks.Set(id)
	_, err = en.AppendLocalEvent(context.Background(), types.DomainPost, nil)
	assert.ErrorIs(t, err, ErrUnknownDomain)
	assert.ErrorIs(t, en.Register(newRecorder(types.DomainMessage)), ErrAlreadyRegistered)
}

func TestApplyRemoteEvent(t *testing.T) {
	a := newPeer(t, testConfig())
	b := newPeer(t, testConfig())

	e := eventlog.New(b.ident, 10, types.DomainMessage, []byte("hi"), time.Now())

	res := a.eng.ApplyRemoteEvent(e)
	require.Equal(t, Applied, res.Status, res.Reason)
	assert.NoError(t, res.Err())
	assert.Equal(t, uint64(11), a.eng.Clock().Current())
	assert.Equal(t, uint64(12), a.append(t, "after").Lamport)
	assert.Equal(t, []string{e.ID}, a.rec.notified[:1])

	assert.Equal(t, Duplicate, a.eng.ApplyRemoteEvent(e).Status)
}

func TestApplyRemoteEventRejects(t *testing.T) {
	a := newPeer(t, testConfig())
	b := newPeer(t, testConfig())

	forged := eventlog.New(b.ident, 1, types.DomainMessage, []byte("hi"), time.Now())
	forged.Payload = []byte("changed")
	res := a.eng.ApplyRemoteEvent(forged)
	assert.Equal(t, Rejected, res.Status)
	assert.ErrorIs(t, res.Err(), types.ErrSignatureInvalid)
	assert.True(t, a.eng.rejected.Contains(forged.ID))

	// Capability failures are not remembered: a later grant lets the same
	// event in.
	gated := eventlog.New(b.ident, 2, types.DomainMessage, []byte("hi"), time.Now())
	a.rec.setDeny(b.ident.PeerID(), true)
	res = a.eng.ApplyRemoteEvent(gated)
	assert.ErrorIs(t, res.Err(), types.ErrUnauthorized)
	assert.False(t, a.has(gated.ID))

	a.rec.setDeny(b.ident.PeerID(), false)
	assert.Equal(t, Applied, a.eng.ApplyRemoteEvent(gated).Status)

	other := eventlog.New(b.ident, 3, types.DomainPost, nil, time.Now())
	assert.ErrorIs(t, a.eng.ApplyRemoteEvent(other).Err(), ErrUnknownDomain)
	assert.Equal(t, Rejected, a.eng.ApplyRemoteEvent(nil).Status)
}

func TestApplyRemoteEventRejectsRunawayLamport(t *testing.T) {
	cfg := testConfig()
	cfg.MaxLamportSkew = 100
	a := newPeer(t, cfg)
	b := newPeer(t, testConfig())

	first := a.append(t, "local")
	require.Equal(t, uint64(1), first.Lamport)

	for _, lamport := range []uint64{math.MaxUint64, 1 + 101} {
		res := a.eng.ApplyRemoteEvent(newEvent(t, b, lamport))
		assert.Equal(t, Rejected, res.Status)
		assert.ErrorIs(t, res.Err(), types.ErrValidation)
	}
	assert.Equal(t, uint64(1), a.eng.clock.Current())

	// Within the skew the clock jumps past the remote stamp and keeps
	// increasing, so local events still order after existing history.
	require.Equal(t, Applied, a.eng.ApplyRemoteEvent(newEvent(t, b, 1+100)).Status)
	next := a.append(t, "after")
	assert.Equal(t, uint64(103), next.Lamport)
	l, err := a.eng.Log(types.DomainMessage)
	require.NoError(t, err)
	events := l.Events()
	assert.Equal(t, next.ID, events[len(events)-1].ID)
}

func TestOutOfOrderInsertRebuildsView(t *testing.T) {
	a := newPeer(t, testConfig())
	b := newPeer(t, testConfig())

	late := eventlog.New(b.ident, 5, types.DomainMessage, []byte("late"), time.Now())
	early := eventlog.New(b.ident, 3, types.DomainMessage, []byte("early"), time.Now())
	require.Equal(t, Applied, a.eng.ApplyRemoteEvent(late).Status)
	resets := a.rec.resets
	require.Equal(t, Applied, a.eng.ApplyRemoteEvent(early).Status)

	assert.Equal(t, []string{early.ID, late.ID}, a.rec.ids())
	assert.Greater(t, a.rec.resets, resets)
}

// ============================================================================
//                              Outbound queue
// ============================================================================

func TestQueueFlushesOnceIdentified(t *testing.T) {
	a := newPeer(t, testConfig())
	b := newPeer(t, testConfig())
	a.rec.recipients = []types.PeerID{b.ident.PeerID(), a.ident.PeerID()}

	e := a.append(t, "while offline")
	pending, err := a.store.Pending(b.ident.PeerID())
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, e.ID, pending[0].Event.ID)
	self, err := a.store.Pending(a.ident.PeerID())
	require.NoError(t, err)
	assert.Empty(t, self, "the author never queues for itself")

	link(a.net, b.net)
	require.NoError(t, a.eng.Flush(context.Background(), b.ident.PeerID()))
	assert.True(t, b.has(e.ID))
	pending, err = a.store.Pending(b.ident.PeerID())
	require.NoError(t, err)
	assert.Empty(t, pending)

	// Once linked, new events go out without an explicit flush.
	e2 := a.append(t, "online")
	require.Eventually(t, func() bool { return b.has(e2.ID) }, waitFor, 10*time.Millisecond)
}

func TestQueueDropsOldestOnOverflow(t *testing.T) {
	cfg := testConfig()
	cfg.OutboundQueueSize = 2
	a := newPeer(t, cfg)
	b := newPeer(t, testConfig())
	a.rec.recipients = []types.PeerID{b.ident.PeerID()}

	a.append(t, "1")
	e2 := a.append(t, "2")
	e3 := a.append(t, "3")

	pending, err := a.store.Pending(b.ident.PeerID())
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, e2.ID, pending[0].Event.ID)
	assert.Equal(t, e3.ID, pending[1].Event.ID)
}

func TestQueueKeepsEventsOnTransientFailure(t *testing.T) {
	a := newPeer(t, testConfig())
	b := newPeer(t, testConfig())
	a.rec.recipients = []types.PeerID{b.ident.PeerID()}
	a.append(t, "1")

	assert.ErrorIs(t, a.eng.Flush(context.Background(), b.ident.PeerID()), types.ErrNotIdentified)
	pending, err := a.store.Pending(b.ident.PeerID())
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestQueueFlushOnIdentifyEvent(t *testing.T) {
	a := newPeer(t, testConfig())
	b := newPeer(t, testConfig())
	require.NoError(t, a.eng.Start(context.Background()))
	a.rec.recipients = []types.PeerID{b.ident.PeerID()}
	e := a.append(t, "queued")

	em, err := a.bus.Emitter(new(types.EvtPeerIdentified))
	require.NoError(t, err)
	defer em.Close()
	link(a.net, b.net)
	require.NoError(t, em.Emit(types.EvtPeerIdentified{Peer: b.ident.PeerID()}))

	require.Eventually(t, func() bool { return b.has(e.ID) }, waitFor, 10*time.Millisecond)
}
