package protocol

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dep2p/harbor/internal/core/crypto"
	"github.com/dep2p/harbor/internal/util/wire"
	"github.com/dep2p/harbor/pkg/types"
)

// Signer signs envelopes on behalf of the local peer.
type Signer interface {
	PeerID() types.PeerID
	Sign(msg []byte) []byte
}

// Envelope is a signed, framed message.
type Envelope struct {
	Kind      Kind
	ID        string
	Sender    types.PeerID
	Timestamp time.Time
	Body      []byte
	Signature []byte
}

// Seal wraps msg in an envelope signed by s.
func Seal(s Signer, msg Message, now time.Time) *Envelope {
	env := &Envelope{
		Kind:      msg.Kind(),
		ID:        uuid.NewString(),
		Sender:    s.PeerID(),
		Timestamp: now.UTC().Truncate(time.Millisecond),
		Body:      msg.Marshal(),
	}
	env.Signature = s.Sign(env.signed())
	return env
}

// signed is the canonical encoding covered by the signature.
func (e *Envelope) signed() []byte {
	b := wire.AppendVarint(nil, 1, uint64(e.Kind))
	b = wire.AppendString(b, 2, e.ID)
	b = wire.AppendString(b, 3, string(e.Sender))
	b = wire.AppendTime(b, 4, e.Timestamp)
	return wire.AppendBytes(b, 5, e.Body)
}

// Verify checks the kind and the sender's signature.
func (e *Envelope) Verify() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %d", ErrUnknownKind, uint8(e.Kind))
	}
	if e.ID == "" {
		return fmt.Errorf("%w: envelope without id", types.ErrValidation)
	}
	return crypto.VerifyFrom(e.Sender, e.signed(), e.Signature)
}

// VerifyFrom is Verify plus a check that the sender is peer.
func (e *Envelope) VerifyFrom(peer types.PeerID) error {
	if e.Sender != peer {
		return ErrSenderMismatch
	}
	return e.Verify()
}

// Open decodes the body. Call Verify first.
func (e *Envelope) Open() (Message, error) {
	return Decode(e.Kind, e.Body)
}

// Marshal encodes the envelope.
func (e *Envelope) Marshal() []byte {
	return wire.AppendBytes(e.signed(), 6, e.Signature)
}

// UnmarshalEnvelope decodes an envelope without verifying it.
func UnmarshalEnvelope(data []byte) (*Envelope, error) {
	e := &Envelope{}
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			if f.Varint > 0xff {
				return fmt.Errorf("%w: kind %d", ErrUnknownKind, f.Varint)
			}
			e.Kind = Kind(f.Varint)
		case 2:
			e.ID = f.String()
		case 3:
			e.Sender = types.PeerID(f.String())
		case 4:
			e.Timestamp = f.Time()
		case 5:
			e.Body = f.Copy()
		case 6:
			e.Signature = f.Copy()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}
