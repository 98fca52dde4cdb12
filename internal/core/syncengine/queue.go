package syncengine

import (
	"context"
	"errors"

	"github.com/dep2p/harbor/internal/core/eventlog"
	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/pkg/types"
)

// enqueue stores e for peer and starts a flush if the peer is reachable.
func (en *Engine) enqueue(peer types.PeerID, e *eventlog.Event) {
	dropped, err := en.store.Enqueue(peer, e, en.cfg.OutboundQueueSize)
	if err != nil {
		log.Error("enqueue failed", "peer", peer.ShortString(), "event", e.ShortID(), "error", err)
		return
	}
	if dropped > 0 {
		log.Warn("outbound queue full, oldest events dropped", "peer", peer.ShortString(), "dropped", dropped)
		en.metrics.QueueDropped(dropped)
	}
	if en.net.IsIdentified(peer) {
		en.kick(peer)
	}
}

// kick runs one flush per peer at a time. A kick during a flush schedules
// another pass once the current one ends.
func (en *Engine) kick(peer types.PeerID) {
	en.flushMu.Lock()
	if en.flushing[peer] {
		en.again[peer] = true
		en.flushMu.Unlock()
		return
	}
	en.flushing[peer] = true
	en.flushMu.Unlock()

	en.spawn(func() {
		for {
			en.flush(en.ctx, peer)
			en.flushMu.Lock()
			if !en.again[peer] || en.ctx.Err() != nil {
				delete(en.flushing, peer)
				delete(en.again, peer)
				en.flushMu.Unlock()
				return
			}
			delete(en.again, peer)
			en.flushMu.Unlock()
		}
	})
}

// Flush delivers peer's queued events in order and waits for the result.
// Delivery stops at the first transient failure; the rest stays queued.
func (en *Engine) Flush(ctx context.Context, peer types.PeerID) error {
	return en.flush(ctx, peer)
}

func (en *Engine) flush(ctx context.Context, peer types.PeerID) error {
	if !en.net.IsIdentified(peer) {
		return types.ErrNotIdentified
	}
	pending, err := en.store.Pending(peer)
	if err != nil {
		return err
	}
	for _, q := range pending {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := en.deliver(ctx, peer, q.Event)
		if err != nil && !permanent(err) {
			log.Debug("delivery deferred", "peer", peer.ShortString(), "event", q.Event.ShortID(), "error", err)
			return err
		}
		if err != nil {
			log.Warn("queued event refused", "peer", peer.ShortString(), "event", q.Event.ShortID(), "error", err)
		}
		if err := en.store.Dequeue(peer, q.Seq); err != nil {
			return err
		}
	}
	return nil
}

// deliver pushes e to peer. Events whose handler wraps them as a request
// wait for the answer and hand it to the handler.
func (en *Engine) deliver(ctx context.Context, peer types.PeerID, e *eventlog.Event) error {
	dl, err := en.domainLog(e.Domain)
	if err != nil {
		return err
	}
	var msg protocol.Message = &protocol.EventPush{EventBody: protocol.EventBody{Event: e}}
	if w, ok := dl.handler.(Wrapper); ok {
		if m := w.Wrap(e); m != nil {
			msg = m
		}
	}
	if !msg.Kind().IsRequest() {
		return en.net.Send(ctx, peer, msg)
	}
	resp, err := en.net.Request(ctx, peer, msg)
	if err != nil {
		return err
	}
	if a, ok := dl.handler.(Acknowledger); ok {
		a.Acked(peer, e, resp)
	}
	return nil
}

// permanent reports errors that retrying cannot fix.
func permanent(err error) bool {
	return errors.Is(err, types.ErrValidation) ||
		errors.Is(err, types.ErrSignatureInvalid) ||
		errors.Is(err, types.ErrUnauthorized) ||
		errors.Is(err, ErrUnknownDomain)
}
