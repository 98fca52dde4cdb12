// Package content implements posts, the feed and media attachments. Posts
// live in the post domain of the sync engine; a peer sees the posts of an
// author only while that author grants it WallRead.
package content

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/klauspost/compress/zstd"
	"go.uber.org/fx"

	"github.com/dep2p/harbor/config"
	"github.com/dep2p/harbor/internal/core/eventlog"
	"github.com/dep2p/harbor/internal/core/identity"
	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/core/store"
	"github.com/dep2p/harbor/internal/util/logger"
	pkgif "github.com/dep2p/harbor/pkg/interfaces"
	"github.com/dep2p/harbor/pkg/types"
)

var log = logger.Logger("content")

const maxBodySize = 32 << 10

// Engine appends local post events.
type Engine interface {
	AppendLocalEvent(ctx context.Context, d types.Domain, payload []byte) (*eventlog.Event, error)
}

// Capabilities answers WallRead questions.
type Capabilities interface {
	Authorize(subject types.PeerID, kind types.CapabilityKind) bool
	HasGrantFrom(issuer types.PeerID, kind types.CapabilityKind) bool
	PeersWith(kind types.CapabilityKind) []types.PeerID
}

// Store keeps media metadata and chunks.
type Store interface {
	PutMedia(m *store.Media) error
	Media(hash string) (*store.Media, error)
	PutChunk(hash string, index int, data []byte) error
	Chunk(hash string, index int) ([]byte, error)
	DeleteMedia(hash string) error
}

// Network carries media chunk requests.
type Network interface {
	Handle(k protocol.Kind, h protocol.Handler) error
	Request(ctx context.Context, to types.PeerID, msg protocol.Message) (protocol.Message, error)
}

// Post is the current state of a post.
type Post struct {
	ID          string
	EventID     string
	Author      types.PeerID
	ContentType string
	Body        string
	Media       []MediaRef
	Lamport     uint64
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Service is the post-domain handler, the feed and the media store.
type Service struct {
	keystore *identity.Keystore
	engine   Engine
	caps     Capabilities
	store    Store
	cfg      config.SyncConfig
	clock    clock.Clock
	net      Network

	posted pkgif.Emitter

	enc *zstd.Encoder
	dec *zstd.Decoder

	mu      sync.RWMutex
	posts   map[string]*Post
	deleted map[string]bool
}

// NewService returns a content service. clk and bus may be nil.
func NewService(cfg config.SyncConfig, ks *identity.Keystore, engine Engine, caps Capabilities, st Store, clk clock.Clock, bus pkgif.EventBus) (*Service, error) {
	if clk == nil {
		clk = clock.New()
	}
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxChunkSize))
	if err != nil {
		return nil, err
	}
	s := &Service{
		keystore: ks,
		engine:   engine,
		caps:     caps,
		store:    st,
		cfg:      cfg,
		clock:    clk,
		enc:      enc,
		dec:      dec,
		posts:    make(map[string]*Post),
		deleted:  make(map[string]bool),
	}
	if bus != nil {
		if s.posted, err = bus.Emitter(new(types.EvtPostReceived)); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Module provides the content service.
func Module() fx.Option {
	return fx.Module("content",
		fx.Provide(func(c *config.Config, ks *identity.Keystore, e Engine, caps Capabilities, st Store, bus pkgif.EventBus, lc fx.Lifecycle) (*Service, error) {
			s, err := NewService(c.Sync, ks, e, caps, st, nil, bus)
			if err != nil {
				return nil, err
			}
			lc.Append(fx.StopHook(s.Close))
			return s, nil
		}),
	)
}

// Attach registers the media chunk handler on net.
func (s *Service) Attach(net Network) error {
	s.net = net
	return net.Handle(protocol.KindMediaChunkRequest, s.handleMediaChunk)
}

// Close releases the compressor.
func (s *Service) Close() error {
	s.dec.Close()
	return s.enc.Close()
}

// ============================================================================
//                              Posts
// ============================================================================

// Post publishes a new post to every peer holding WallRead.
func (s *Service) Post(ctx context.Context, body, contentType string, media []MediaRef) (*Post, error) {
	if contentType == "" {
		contentType = "text"
	}
	p := &Payload{Op: OpCreate, PostID: uuid.NewString(), ContentType: contentType, Body: body, Media: media}
	if err := s.append(ctx, p); err != nil {
		return nil, err
	}
	return s.get(p.PostID)
}

// Update replaces the body of one of the local peer's posts.
func (s *Service) Update(ctx context.Context, postID, body string) (*Post, error) {
	cur, err := s.own(postID)
	if err != nil {
		return nil, err
	}
	p := &Payload{Op: OpUpdate, PostID: postID, ContentType: cur.ContentType, Body: body, Media: cur.Media}
	if err := s.append(ctx, p); err != nil {
		return nil, err
	}
	return s.get(postID)
}

// Delete withdraws one of the local peer's posts.
func (s *Service) Delete(ctx context.Context, postID string) error {
	if _, err := s.own(postID); err != nil {
		return err
	}
	return s.append(ctx, &Payload{Op: OpDelete, PostID: postID})
}

func (s *Service) append(ctx context.Context, p *Payload) error {
	data := p.Marshal()
	if _, err := DecodePayload(data); err != nil {
		return err
	}
	e, err := s.engine.AppendLocalEvent(ctx, types.DomainPost, data)
	if err != nil {
		return err
	}
	log.Debug("post event appended", "post", p.PostID, "op", p.Op, "lamport", e.Lamport)
	return nil
}

func (s *Service) own(postID string) (*Post, error) {
	me, err := s.keystore.Current()
	if err != nil {
		return nil, err
	}
	p, err := s.get(postID)
	if err != nil {
		return nil, err
	}
	if p.Author != me.PeerID() {
		return nil, fmt.Errorf("%w: post %s belongs to %s", types.ErrUnauthorized, postID, p.Author.ShortString())
	}
	return p, nil
}

func (s *Service) get(postID string) (*Post, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.posts[postID]
	if !ok {
		return nil, fmt.Errorf("post %s: %w", postID, types.ErrNotFound)
	}
	cp := *p
	return &cp, nil
}

// Feed returns up to limit posts created before before (zero means now),
// newest first: the local peer's own posts and those of authors that
// currently grant it WallRead.
func (s *Service) Feed(limit int, before time.Time) ([]*Post, error) {
	me, err := s.keystore.Current()
	if err != nil {
		return nil, err
	}
	return s.collect(limit, before, func(p *Post) bool {
		return p.Author == me.PeerID() || s.caps.HasGrantFrom(p.Author, types.CapabilityWallRead)
	}), nil
}

// PostsBy returns the posts of author, newest first.
func (s *Service) PostsBy(author types.PeerID, limit int) []*Post {
	return s.collect(limit, time.Time{}, func(p *Post) bool { return p.Author == author })
}

func (s *Service) collect(limit int, before time.Time, keep func(*Post) bool) []*Post {
	s.mu.RLock()
	var out []*Post
	for _, p := range s.posts {
		if !before.IsZero() && !p.CreatedAt.Before(before) {
			continue
		}
		cp := *p
		out = append(out, &cp)
	}
	s.mu.RUnlock()

	kept := out[:0]
	for _, p := range out {
		if keep(p) {
			kept = append(kept, p)
		}
	}
	sort.Slice(kept, func(i, j int) bool {
		if !kept[i].CreatedAt.Equal(kept[j].CreatedAt) {
			return kept[i].CreatedAt.After(kept[j].CreatedAt)
		}
		return kept[i].ID < kept[j].ID
	})
	if limit > 0 && len(kept) > limit {
		kept = kept[:limit]
	}
	return kept
}
