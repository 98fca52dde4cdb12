package wire

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/harbor/pkg/types"
)

func TestWalk(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_123).UTC()

	var b []byte
	b = AppendString(b, 1, "hello")
	b = AppendVarint(b, 2, 42)
	b = AppendTime(b, 3, now)
	b = AppendStrings(b, 4, []string{"a", "b"})
	b = AppendBool(b, 5, true)
	b = protowire.AppendTag(b, 9, protowire.Fixed32Type)
	b = protowire.AppendFixed32(b, 7)
	b = AppendString(b, 6, "")

	var (
		s    string
		n    uint64
		ts   time.Time
		list []string
		flag bool
	)
	require.NoError(t, Walk(b, func(f Field) error {
		switch f.Num {
		case 1:
			s = f.String()
		case 2:
			n = f.Varint
		case 3:
			ts = f.Time()
		case 4:
			list = append(list, f.String())
		case 5:
			flag = f.Bool()
		case 6, 9:
			t.Fatalf("unexpected field %d", f.Num)
		}
		return nil
	}))

	assert.Equal(t, "hello", s)
	assert.Equal(t, uint64(42), n)
	assert.True(t, now.Equal(ts))
	assert.Equal(t, []string{"a", "b"}, list)
	assert.True(t, flag)
}

func TestWalk_Truncated(t *testing.T) {
	b := AppendString(nil, 1, "hello")
	err := Walk(b[:len(b)-1], func(Field) error { return nil })
	assert.ErrorIs(t, err, types.ErrValidation)
}
