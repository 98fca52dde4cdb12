// Package eventlog defines signed, content-addressed events, their total
// order, the Lamport clock that stamps them and the append-only per-domain
// log they are stored in.
package eventlog

import (
	"encoding/hex"
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"github.com/dep2p/harbor/internal/core/crypto"
	"github.com/dep2p/harbor/pkg/types"
)

// Field numbers of the event encoding.
const (
	fieldID        protowire.Number = 1
	fieldLamport   protowire.Number = 2
	fieldOrigin    protowire.Number = 3
	fieldDomain    protowire.Number = 4
	fieldPayload   protowire.Number = 5
	fieldCreatedAt protowire.Number = 6
	fieldSignature protowire.Number = 7
)

// Signer signs on behalf of a peer.
type Signer interface {
	PeerID() types.PeerID
	Sign(msg []byte) []byte
}

// Event is one immutable entry of a domain log.
//
// ID is the BLAKE3 hash of the canonical body (every field except ID and
// Signature) and Signature is the origin's Ed25519 signature over the same
// bytes.
type Event struct {
	ID        string
	Lamport   uint64
	Origin    types.PeerID
	Domain    types.Domain
	Payload   []byte
	CreatedAt time.Time
	Signature []byte
}

// New builds and signs an event.
func New(s Signer, lamport uint64, domain types.Domain, payload []byte, now time.Time) *Event {
	e := &Event{
		Lamport:   lamport,
		Origin:    s.PeerID(),
		Domain:    domain,
		Payload:   payload,
		CreatedAt: now.UTC().Truncate(time.Millisecond),
	}
	body := e.body()
	e.ID = crypto.HashContent(body).String()
	e.Signature = s.Sign(body)
	return e
}

// body is the canonical encoding covered by the id and signature.
func (e *Event) body() []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldLamport, protowire.VarintType)
	b = protowire.AppendVarint(b, e.Lamport)
	b = protowire.AppendTag(b, fieldOrigin, protowire.BytesType)
	b = protowire.AppendString(b, string(e.Origin))
	b = protowire.AppendTag(b, fieldDomain, protowire.BytesType)
	b = protowire.AppendString(b, string(e.Domain))
	b = protowire.AppendTag(b, fieldPayload, protowire.BytesType)
	b = protowire.AppendBytes(b, e.Payload)
	b = protowire.AppendTag(b, fieldCreatedAt, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(e.CreatedAt.UnixMilli()))
	return b
}

// Verify checks that the id matches the body and the signature matches the
// origin's key.
func (e *Event) Verify() error {
	if !e.Domain.Valid() {
		return fmt.Errorf("%w: unknown domain %q", types.ErrValidation, e.Domain)
	}
	if e.Lamport == 0 {
		return fmt.Errorf("%w: zero lamport", types.ErrValidation)
	}
	body := e.body()
	if crypto.HashContent(body).String() != e.ID {
		return fmt.Errorf("%w: event id does not match content", types.ErrValidation)
	}
	if err := crypto.VerifyFrom(e.Origin, body, e.Signature); err != nil {
		return fmt.Errorf("event %s: %w", e.ShortID(), err)
	}
	return nil
}

// ShortID returns an id prefix for logs.
func (e *Event) ShortID() string {
	if len(e.ID) > 12 {
		return e.ID[:12]
	}
	return e.ID
}

// Less reports whether a orders before b: by lamport, then origin, then id.
func Less(a, b *Event) bool {
	if a.Lamport != b.Lamport {
		return a.Lamport < b.Lamport
	}
	if a.Origin != b.Origin {
		return a.Origin < b.Origin
	}
	return a.ID < b.ID
}

// Marshal encodes the event including id and signature.
func (e *Event) Marshal() []byte {
	b := protowire.AppendTag(nil, fieldID, protowire.BytesType)
	b = protowire.AppendString(b, e.ID)
	b = append(b, e.body()...)
	b = protowire.AppendTag(b, fieldSignature, protowire.BytesType)
	return protowire.AppendBytes(b, e.Signature)
}

// Unmarshal decodes an event. Unknown fields are skipped. The result is not
// verified.
func Unmarshal(data []byte) (*Event, error) {
	e := &Event{}
	for len(data) > 0 {
		num, typ, n := protowire.ConsumeTag(data)
		if n < 0 {
			return nil, decodeErr(n)
		}
		data = data[n:]

		switch {
		case num == fieldLamport && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, decodeErr(n)
			}
			e.Lamport, data = v, data[n:]
		case num == fieldCreatedAt && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(data)
			if n < 0 {
				return nil, decodeErr(n)
			}
			e.CreatedAt, data = time.UnixMilli(int64(v)).UTC(), data[n:]
		case typ == protowire.BytesType && (num == fieldID || num == fieldOrigin || num == fieldDomain || num == fieldPayload || num == fieldSignature):
			v, n := protowire.ConsumeBytes(data)
			if n < 0 {
				return nil, decodeErr(n)
			}
			data = data[n:]
			switch num {
			case fieldID:
				e.ID = string(v)
			case fieldOrigin:
				e.Origin = types.PeerID(v)
			case fieldDomain:
				e.Domain = types.Domain(v)
			case fieldPayload:
				e.Payload = append([]byte(nil), v...)
			case fieldSignature:
				e.Signature = append([]byte(nil), v...)
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, data)
			if n < 0 {
				return nil, decodeErr(n)
			}
			data = data[n:]
		}
	}
	if e.ID == "" {
		return nil, fmt.Errorf("%w: event without id", types.ErrValidation)
	}
	if _, err := hex.DecodeString(e.ID); err != nil {
		return nil, fmt.Errorf("%w: event id not hex", types.ErrValidation)
	}
	return e, nil
}

func decodeErr(n int) error {
	return fmt.Errorf("%w: %v", types.ErrValidation, protowire.ParseError(n))
}
