package content

import (
	"fmt"

	"github.com/dep2p/harbor/internal/core/crypto"
	"github.com/dep2p/harbor/internal/util/wire"
	"github.com/dep2p/harbor/pkg/types"
)

// Op is what a post event does.
type Op uint8

const (
	OpCreate Op = iota + 1
	OpUpdate
	OpDelete
)

func (o Op) String() string {
	switch o {
	case OpCreate:
		return "create"
	case OpUpdate:
		return "update"
	case OpDelete:
		return "delete"
	}
	return fmt.Sprintf("op(%d)", uint8(o))
}

// MediaRef points a post at a content-addressed blob.
type MediaRef struct {
	Hash     string
	MimeType string
	Size     int64
}

func (m MediaRef) marshal() []byte {
	b := wire.AppendString(nil, 1, m.Hash)
	b = wire.AppendString(b, 2, m.MimeType)
	return wire.AppendVarint(b, 3, uint64(m.Size))
}

func (m *MediaRef) unmarshal(data []byte) error {
	return wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.Hash = f.String()
		case 2:
			m.MimeType = f.String()
		case 3:
			m.Size = int64(f.Varint)
		}
		return nil
	})
}

// Payload is the body of a post-domain event.
type Payload struct {
	Op          Op
	PostID      string
	ContentType string
	Body        string
	Media       []MediaRef
}

// Marshal encodes p.
func (p *Payload) Marshal() []byte {
	b := wire.AppendVarint(nil, 1, uint64(p.Op))
	b = wire.AppendString(b, 2, p.PostID)
	b = wire.AppendString(b, 3, p.ContentType)
	b = wire.AppendString(b, 4, p.Body)
	for _, m := range p.Media {
		b = wire.AppendBytes(b, 5, m.marshal())
	}
	return b
}

// DecodePayload parses and checks a post payload.
func DecodePayload(data []byte) (*Payload, error) {
	p := &Payload{}
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			p.Op = Op(f.Varint)
		case 2:
			p.PostID = f.String()
		case 3:
			p.ContentType = f.String()
		case 4:
			p.Body = f.String()
		case 5:
			var m MediaRef
			if err := m.unmarshal(f.Bytes); err != nil {
				return err
			}
			p.Media = append(p.Media, m)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: post payload: %v", types.ErrValidation, err)
	}
	if p.PostID == "" {
		return nil, fmt.Errorf("%w: post without id", types.ErrValidation)
	}
	switch p.Op {
	case OpCreate, OpUpdate:
		if p.Body == "" && len(p.Media) == 0 {
			return nil, fmt.Errorf("%w: empty post", types.ErrValidation)
		}
		if len(p.Body) > maxBodySize {
			return nil, fmt.Errorf("%w: post of %d bytes", types.ErrValidation, len(p.Body))
		}
	case OpDelete:
	default:
		return nil, fmt.Errorf("%w: post %s", types.ErrValidation, p.Op)
	}
	for _, m := range p.Media {
		if _, err := crypto.ParseContentHash(m.Hash); err != nil {
			return nil, fmt.Errorf("%w: media hash %q", types.ErrValidation, m.Hash)
		}
	}
	return p, nil
}
