package content

import (
	"bytes"
	"context"
	"errors"
	"fmt"

	"github.com/dep2p/harbor/internal/core/crypto"
	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/core/store"
	"github.com/dep2p/harbor/pkg/types"
)

const (
	// maxMediaSize bounds a single blob.
	maxMediaSize = 64 << 20
	// maxChunkSize bounds one decoded chunk.
	maxChunkSize = 4 << 20
)

// ErrMediaUnavailable is returned when no peer serves a blob.
var ErrMediaUnavailable = errors.New("media unavailable")

// AddMedia stores data as a local blob and returns a reference that can be
// attached to a post. Adding the same bytes twice is a no-op.
func (s *Service) AddMedia(data []byte, mimeType string) (MediaRef, error) {
	if len(data) == 0 {
		return MediaRef{}, fmt.Errorf("%w: empty media", types.ErrValidation)
	}
	if len(data) > maxMediaSize {
		return MediaRef{}, fmt.Errorf("%w: media of %d bytes", types.ErrValidation, len(data))
	}
	me, err := s.keystore.Current()
	if err != nil {
		return MediaRef{}, err
	}
	ref := MediaRef{Hash: crypto.HashContent(data).String(), MimeType: mimeType, Size: int64(len(data))}
	if m, err := s.store.Media(ref.Hash); err == nil && m.Complete {
		return ref, nil
	}

	size := s.chunkSize()
	total := (len(data) + size - 1) / size
	for i := 0; i < total; i++ {
		end := min((i+1)*size, len(data))
		if err := s.store.PutChunk(ref.Hash, i, s.enc.EncodeAll(data[i*size:end], nil)); err != nil {
			return MediaRef{}, err
		}
	}
	err = s.store.PutMedia(&store.Media{
		Hash:      ref.Hash,
		MimeType:  mimeType,
		Size:      ref.Size,
		Chunks:    total,
		ChunkSize: size,
		Owner:     me.PeerID(),
		CreatedAt: s.clock.Now(),
		Complete:  true,
	})
	if err != nil {
		return MediaRef{}, err
	}
	log.Debug("media stored", "hash", ref.Hash[:12], "size", ref.Size, "chunks", total)
	return ref, nil
}

func (s *Service) chunkSize() int {
	return min(max(s.cfg.MediaChunkSize, 1024), maxChunkSize)
}

// Media returns a locally complete blob.
func (s *Service) Media(hash string) ([]byte, *store.Media, error) {
	m, err := s.store.Media(hash)
	if err != nil {
		return nil, nil, err
	}
	if !m.Complete {
		return nil, nil, fmt.Errorf("media %s: %w", hash, types.ErrNotFound)
	}
	var buf bytes.Buffer
	buf.Grow(int(m.Size))
	for i := 0; i < m.Chunks; i++ {
		enc, err := s.store.Chunk(hash, i)
		if err != nil {
			return nil, nil, err
		}
		data, err := s.dec.DecodeAll(enc, nil)
		if err != nil {
			return nil, nil, fmt.Errorf("media %s chunk %d: %w", hash, i, err)
		}
		buf.Write(data)
	}
	return buf.Bytes(), m, nil
}

// FetchMedia returns ref's blob, downloading it from the post author when it
// is not held locally. The assembled bytes must hash to ref.Hash.
func (s *Service) FetchMedia(ctx context.Context, from types.PeerID, ref MediaRef) ([]byte, error) {
	if _, err := crypto.ParseContentHash(ref.Hash); err != nil {
		return nil, err
	}
	if data, _, err := s.Media(ref.Hash); err == nil {
		return data, nil
	}
	if s.net == nil {
		return nil, fmt.Errorf("%w: not attached", ErrMediaUnavailable)
	}

	var (
		buf   bytes.Buffer
		total uint32 = 1
		meta  *protocol.MediaChunkResponse
	)
	for i := uint32(0); i < total; i++ {
		resp, err := s.net.Request(ctx, from, &protocol.MediaChunkRequest{Hash: ref.Hash, Index: i})
		if err != nil {
			return nil, err
		}
		chunk, ok := resp.(*protocol.MediaChunkResponse)
		if !ok {
			return nil, fmt.Errorf("%w: unexpected %s", types.ErrTransport, resp.Kind())
		}
		if !chunk.Found {
			return nil, fmt.Errorf("%w: %s from %s", ErrMediaUnavailable, ref.Hash[:12], from.ShortString())
		}
		if chunk.Hash != ref.Hash || chunk.Index != i {
			return nil, fmt.Errorf("%w: chunk %d of %s answered with %d", types.ErrValidation, i, ref.Hash[:12], chunk.Index)
		}
		if i == 0 {
			if chunk.Size > maxMediaSize || chunk.Total == 0 {
				return nil, fmt.Errorf("%w: media of %d bytes in %d chunks", types.ErrValidation, chunk.Size, chunk.Total)
			}
			meta, total = chunk, chunk.Total
			buf.Grow(int(chunk.Size))
		}
		data, err := s.dec.DecodeAll(chunk.Data, nil)
		if err != nil {
			return nil, fmt.Errorf("%w: chunk %d: %v", types.ErrValidation, i, err)
		}
		if uint64(buf.Len()+len(data)) > meta.Size {
			return nil, fmt.Errorf("%w: media %s exceeds announced size", types.ErrValidation, ref.Hash[:12])
		}
		buf.Write(data)
	}

	data := buf.Bytes()
	if got := crypto.HashContent(data).String(); got != ref.Hash {
		_ = s.store.DeleteMedia(ref.Hash)
		return nil, fmt.Errorf("%w: media hash %s, want %s", types.ErrValidation, got[:12], ref.Hash[:12])
	}
	if err := s.keep(data, ref, meta.MimeType, from); err != nil {
		log.Warn("caching fetched media failed", "hash", ref.Hash[:12], "error", err)
	}
	return data, nil
}

// keep caches a verified remote blob. Cached blobs are not served on.
func (s *Service) keep(data []byte, ref MediaRef, mimeType string, owner types.PeerID) error {
	size := s.chunkSize()
	total := (len(data) + size - 1) / size
	for i := 0; i < total; i++ {
		end := min((i+1)*size, len(data))
		if err := s.store.PutChunk(ref.Hash, i, s.enc.EncodeAll(data[i*size:end], nil)); err != nil {
			return err
		}
	}
	return s.store.PutMedia(&store.Media{
		Hash:      ref.Hash,
		MimeType:  mimeType,
		Size:      int64(len(data)),
		Chunks:    total,
		ChunkSize: size,
		Owner:     owner,
		CreatedAt: s.clock.Now(),
		Complete:  true,
	})
}

// handleMediaChunk serves chunks of the local peer's own blobs to peers it
// grants WallRead.
func (s *Service) handleMediaChunk(_ context.Context, from types.PeerID, msg protocol.Message) (protocol.Message, error) {
	req, ok := msg.(*protocol.MediaChunkRequest)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected %s", types.ErrValidation, msg.Kind())
	}
	resp := &protocol.MediaChunkResponse{Hash: req.Hash, Index: req.Index}
	me, err := s.keystore.Current()
	if err != nil {
		return nil, err
	}
	if !s.caps.Authorize(from, types.CapabilityWallRead) {
		log.Debug("media request refused", "from", from.ShortString(), "hash", req.Hash)
		return resp, nil
	}
	m, err := s.store.Media(req.Hash)
	if err != nil || !m.Complete || m.Owner != me.PeerID() || int(req.Index) >= m.Chunks {
		return resp, nil
	}
	data, err := s.store.Chunk(req.Hash, int(req.Index))
	if err != nil {
		return resp, nil
	}
	resp.Total = uint32(m.Chunks)
	resp.Size = uint64(m.Size)
	resp.MimeType = m.MimeType
	resp.Data = data
	resp.Found = true
	return resp, nil
}
