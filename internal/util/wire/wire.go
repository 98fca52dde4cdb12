// Package wire has small helpers for hand-written protobuf-wire codecs.
//
// Messages are encoded field by field with protowire so encodings are
// deterministic (suitable for signing) and decoders skip unknown fields.
package wire

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/harbor/pkg/types"
)

// Field is one decoded field. Varint is set for varint fields and Bytes for
// length-delimited ones; Bytes aliases the input.
type Field struct {
	Num    protowire.Number
	Type   protowire.Type
	Varint uint64
	Bytes  []byte
}

// String returns Bytes as a string.
func (f Field) String() string { return string(f.Bytes) }

// Time decodes a millisecond timestamp.
func (f Field) Time() time.Time { return time.UnixMilli(int64(f.Varint)).UTC() }

// Bool decodes a boolean.
func (f Field) Bool() bool { return f.Varint != 0 }

// Copy returns a copy of Bytes.
func (f Field) Copy() []byte { return append([]byte(nil), f.Bytes...) }

// Walk calls fn for every varint and length-delimited field. Other wire
// types are skipped. Decoding errors wrap types.ErrValidation.
func Walk(data []byte, fn func(Field) error) error {
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return parseErr(n)
		}
		data = data[n:]

		f := Field{Num: num, Type: typ}
		switch typ {
		case protowire.VarintType:
			f.Varint, n = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			f.Bytes, n = protowire.ConsumeBytes(data)
		default:
			n = protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return parseErr(n)
			}
			data = data[n:]
			continue
		}
		if n < 0 {
			return parseErr(n)
		}
		data = data[n:]
		if err := fn(f); err != nil {
			return err
		}
	}
	return nil
}

func parseErr(n int) error {
	return fmt.Errorf("%w: %v", types.ErrValidation, protowire.ParseError(n))
}

// AppendString appends a length-delimited string field; empty strings are omitted.
func AppendString(b []byte, num protowire.Number, s string) []byte {
	if s == "" {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

// AppendBytes appends a length-delimited field; empty values are omitted.
func AppendBytes(b []byte, num protowire.Number, v []byte) []byte {
	if len(v) == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// AppendVarint appends a varint field; zero is omitted.
func AppendVarint(b []byte, num protowire.Number, v uint64) []byte {
	if v == 0 {
		return b
	}
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

// AppendBool appends a boolean field; false is omitted.
func AppendBool(b []byte, num protowire.Number, v bool) []byte {
	if !v {
		return b
	}
	return AppendVarint(b, num, 1)
}

// AppendTime appends a millisecond timestamp; the zero time is omitted.
func AppendTime(b []byte, num protowire.Number, t time.Time) []byte {
	if t.IsZero() {
		return b
	}
	return AppendVarint(b, num, uint64(t.UnixMilli()))
}

// AppendStrings appends a repeated string field.
func AppendStrings(b []byte, num protowire.Number, ss []string) []byte {
	for _, s := range ss {
		b = protowire.AppendTag(b, num, protowire.BytesType)
		b = protowire.AppendString(b, s)
	}
	return b
}
