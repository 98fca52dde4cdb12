package store

import (
	"fmt"
	"time"

	"github.com/dep2p/harbor/internal/core/storage/kv"
	"github.com/dep2p/harbor/pkg/types"
)

// Media is the metadata of a content-addressed blob.
type Media struct {
	Hash      string       `json:"hash"`
	MimeType  string       `json:"mimeType"`
	Size      int64        `json:"size"`
	Chunks    int          `json:"chunks"`
	ChunkSize int          `json:"chunkSize"`
	Owner     types.PeerID `json:"owner"`
	CreatedAt time.Time    `json:"createdAt"`
	// Complete is false while chunks are still being fetched.
	Complete bool `json:"complete"`
}

func chunkKey(hash string, index int) []byte {
	return []byte(fmt.Sprintf("%s/%08d", hash, index))
}

// PutMedia stores the metadata of m.
func (s *Store) PutMedia(m *Media) error {
	return s.media.PutJSON([]byte(m.Hash), m)
}

// Media returns the metadata stored for hash or types.ErrNotFound.
func (s *Store) Media(hash string) (*Media, error) {
	var m Media
	if err := s.media.GetJSON([]byte(hash), &m); err != nil {
		return nil, notFound(err)
	}
	return &m, nil
}

// PutChunk stores one encoded chunk of hash.
func (s *Store) PutChunk(hash string, index int, data []byte) error {
	return s.blobs.Put(chunkKey(hash, index), data)
}

// Chunk returns one encoded chunk of hash or types.ErrNotFound.
func (s *Store) Chunk(hash string, index int) ([]byte, error) {
	data, err := s.blobs.Get(chunkKey(hash, index))
	return data, notFound(err)
}

// DeleteMedia removes hash's metadata and chunks.
func (s *Store) DeleteMedia(hash string) error {
	var keys [][]byte
	if err := s.blobs.Scan([]byte(hash+"/"), func(key, _ []byte) bool {
		keys = append(keys, key)
		return true
	}); err != nil {
		return err
	}
	if err := s.blobs.Update(func(txn *kv.Txn) error {
		for _, k := range keys {
			if err := txn.Delete(k); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		return err
	}
	return s.media.Delete([]byte(hash))
}
