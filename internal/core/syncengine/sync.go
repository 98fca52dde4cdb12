package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/dep2p/harbor/internal/core/eventlog"
	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/pkg/types"
)

const (
	// fetchBatch is the number of ids per FetchRequest.
	fetchBatch = 32
	// maxPages bounds manifest pages per domain in one sync.
	maxPages = 64
)

// ============================================================================
//                              Pulling from a peer
// ============================================================================

// SyncWithPeer reconciles every domain with peer, permissions first. Each
// domain asks for the peer's manifest above the last synced lamport,
// fetches what is missing and offers back what the peer lacks. Progress
// only advances when every missing event was fetched and accepted.
func (en *Engine) SyncWithPeer(ctx context.Context, peer types.PeerID) error {
	if !en.net.IsIdentified(peer) {
		return fmt.Errorf("sync with %s: %w", peer.ShortString(), types.ErrNotIdentified)
	}
	start := en.wall.Now()
	var errs error
	for _, d := range en.domains() {
		if err := en.syncDomain(ctx, peer, d); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", d, err))
			if ctx.Err() != nil {
				break
			}
		}
	}
	en.kick(peer)
	en.metrics.SyncDone(en.wall.Since(start), errs)
	if errs != nil {
		return fmt.Errorf("sync with %s: %w", peer.ShortString(), errs)
	}
	log.Debug("synced", "peer", peer.ShortString(), "took", en.wall.Since(start))
	return nil
}

func (en *Engine) syncDomain(ctx context.Context, peer types.PeerID, d types.Domain) error {
	dl, err := en.domainLog(d)
	if err != nil {
		return err
	}
	since, err := en.store.Progress(peer, d)
	if err != nil {
		return err
	}
	have := en.visibleIDs(dl, peer, since)

	for page := 0; page < maxPages; page++ {
		resp, err := en.net.Request(ctx, peer, &protocol.ManifestRequest{
			Domain: d,
			Since:  since,
			Have:   have,
			Limit:  uint32(en.cfg.ManifestLimit),
		})
		if err != nil {
			return err
		}
		m, ok := resp.(*protocol.ManifestResponse)
		if !ok {
			return fmt.Errorf("%w: unexpected %s", types.ErrValidation, resp.Kind())
		}
		have = nil

		var missing []string
		top := since
		for _, entry := range m.Entries {
			if entry.Lamport > top {
				top = entry.Lamport
			}
			if !dl.log.Has(entry.ID) {
				missing = append(missing, entry.ID)
			}
		}

		fetchErr := en.fetch(ctx, peer, d, missing)
		offerErr := en.offer(ctx, peer, dl, m.Want)
		if err := multierr.Combine(fetchErr, offerErr); err != nil {
			return err
		}
		if top > since {
			if err := en.store.SetProgress(peer, d, top); err != nil {
				return err
			}
			since = top
		}
		if !m.More || len(m.Entries) == 0 {
			return nil
		}
	}
	return nil
}

// visibleIDs lists the ids above since that peer is allowed to receive.
func (en *Engine) visibleIDs(dl *domainLog, peer types.PeerID, since uint64) []string {
	var ids []string
	for _, e := range dl.log.Since(since) {
		if dl.handler.Visible(peer, e) {
			ids = append(ids, e.ID)
		}
	}
	return ids
}

// fetch pulls ids from peer in parallel batches and applies them in log
// order. Events discarded for a bad signature count as done; any other
// rejection or omission leaves the sync incomplete.
func (en *Engine) fetch(ctx context.Context, peer types.PeerID, d types.Domain, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	batches := make([][]*eventlog.Event, (len(ids)+fetchBatch-1)/fetchBatch)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(en.cfg.FetchParallelism)
	for i := range batches {
		lo := i * fetchBatch
		hi := min(lo+fetchBatch, len(ids))
		g.Go(func() error {
			resp, err := en.net.Request(gctx, peer, &protocol.FetchRequest{Domain: d, IDs: ids[lo:hi]})
			if err != nil {
				return err
			}
			fr, ok := resp.(*protocol.FetchResponse)
			if !ok {
				return fmt.Errorf("%w: unexpected %s", types.ErrValidation, resp.Kind())
			}
			batches[i] = fr.Events
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	wanted := make(map[string]bool, len(ids))
	for _, id := range ids {
		wanted[id] = true
	}
	var events []*eventlog.Event
	for _, b := range batches {
		for _, e := range b {
			if e != nil && e.Domain == d && wanted[e.ID] {
				delete(wanted, e.ID)
				events = append(events, e)
			}
		}
	}
	sort.Slice(events, func(i, j int) bool { return eventlog.Less(events[i], events[j]) })

	incomplete := len(wanted)
	for _, e := range events {
		res := en.ApplyRemoteEvent(e)
		if res.Status == Rejected && !errors.Is(res.Reason, types.ErrSignatureInvalid) {
			incomplete++
		}
	}
	if incomplete > 0 {
		return fmt.Errorf("%w: %d of %d events", ErrIncomplete, incomplete, len(ids))
	}
	return nil
}

// offer pushes the events peer asked for that it may see.
func (en *Engine) offer(ctx context.Context, peer types.PeerID, dl *domainLog, want []string) error {
	var errs error
	for _, id := range want {
		e, ok := dl.log.Get(id)
		if !ok || !dl.handler.Visible(peer, e) {
			continue
		}
		if err := en.net.Send(ctx, peer, &protocol.EventPush{EventBody: protocol.EventBody{Event: e}}); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return errs
}

// ============================================================================
//                              Serving a peer
// ============================================================================

func (en *Engine) handleManifest(_ context.Context, from types.PeerID, msg protocol.Message) (protocol.Message, error) {
	req, ok := msg.(*protocol.ManifestRequest)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a manifest request", types.ErrValidation, msg.Kind())
	}
	dl, err := en.domainLog(req.Domain)
	if err != nil {
		return nil, err
	}
	limit := en.cfg.ManifestLimit
	if req.Limit > 0 && int(req.Limit) < limit {
		limit = int(req.Limit)
	}

	resp := &protocol.ManifestResponse{}
	for _, e := range dl.log.Since(req.Since) {
		if !dl.handler.Visible(from, e) {
			continue
		}
		// Pages end on a lamport boundary so the requester can resume
		// strictly above the last lamport it saw.
		if n := len(resp.Entries); n >= limit && resp.Entries[n-1].Lamport != e.Lamport {
			resp.More = true
			break
		}
		resp.Entries = append(resp.Entries, protocol.ManifestEntry{ID: e.ID, Lamport: e.Lamport, Origin: e.Origin})
	}
	for _, id := range req.Have {
		if len(resp.Want) >= limit {
			break
		}
		if !dl.log.Has(id) {
			resp.Want = append(resp.Want, id)
		}
	}
	return resp, nil
}

func (en *Engine) handleFetch(_ context.Context, from types.PeerID, msg protocol.Message) (protocol.Message, error) {
	req, ok := msg.(*protocol.FetchRequest)
	if !ok {
		return nil, fmt.Errorf("%w: %s is not a fetch request", types.ErrValidation, msg.Kind())
	}
	dl, err := en.domainLog(req.Domain)
	if err != nil {
		return nil, err
	}
	ids := req.IDs
	if len(ids) > en.cfg.ManifestLimit {
		ids = ids[:en.cfg.ManifestLimit]
	}
	resp := &protocol.FetchResponse{}
	for _, id := range ids {
		if e, ok := dl.log.Get(id); ok && dl.handler.Visible(from, e) {
			resp.Events = append(resp.Events, e)
		}
	}
	return resp, nil
}
