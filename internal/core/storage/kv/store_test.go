package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dep2p/harbor/internal/core/storage/engine"
	"github.com/dep2p/harbor/internal/core/storage/engine/badger"
)

func newStore(t *testing.T, prefix string) (*Store, engine.Engine) {
	t.Helper()
	eng, err := badger.New(engine.InMemoryConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return New(eng, []byte(prefix)), eng
}

func TestStore_PrefixIsolation(t *testing.T) {
	s, eng := newStore(t, "p/")
	other := New(eng, []byte("q/"))

	require.NoError(t, s.Put([]byte("k"), []byte("1")))
	require.NoError(t, other.Put([]byte("k"), []byte("2")))

	raw, err := eng.Get([]byte("p/k"))
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), raw)

	n, err := s.Count(nil)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestStore_JSON(t *testing.T) {
	s, eng := newStore(t, "j/")

	type rec struct{ Name string }
	require.NoError(t, s.PutJSON([]byte("a"), rec{Name: "ann"}))

	var got rec
	require.NoError(t, s.GetJSON([]byte("a"), &got))
	assert.Equal(t, "ann", got.Name)

	require.NoError(t, eng.Put([]byte("j/bad"), []byte("{")))
	assert.ErrorIs(t, s.GetJSON([]byte("bad"), &got), engine.ErrCorrupted)
}

func TestStore_Uint64(t *testing.T) {
	s, _ := newStore(t, "")

	v, err := s.GetUint64([]byte("c"))
	require.NoError(t, err)
	assert.Zero(t, v)

	require.NoError(t, s.PutUint64([]byte("c"), 42))
	v, err = s.GetUint64([]byte("c"))
	require.NoError(t, err)
	assert.Equal(t, uint64(42), v)
}

func TestStore_ScanStripsPrefix(t *testing.T) {
	s, _ := newStore(t, "e/")
	sub := s.Sub([]byte("msg/"))
	require.NoError(t, sub.Put([]byte("1"), nil))
	require.NoError(t, sub.Put([]byte("2"), nil))

	var keys []string
	require.NoError(t, s.Scan([]byte("msg/"), func(k, _ []byte) bool {
		keys = append(keys, string(k))
		return true
	}))
	assert.Equal(t, []string{"msg/1", "msg/2"}, keys)
}

func TestStore_UpdateScopesKeys(t *testing.T) {
	s, eng := newStore(t, "t/")
	require.NoError(t, s.Update(func(tx *Txn) error {
		if err := tx.Set([]byte("a"), []byte("1")); err != nil {
			return err
		}
		return tx.SetJSON([]byte("b"), map[string]int{"x": 1})
	}))

	ok, err := eng.Has([]byte("t/a"))
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, s.View(func(tx *Txn) error {
		n := 0
		err := tx.Scan(nil, func(_, _ []byte) bool { n++; return true })
		assert.Equal(t, 2, n)
		return err
	}))
}
