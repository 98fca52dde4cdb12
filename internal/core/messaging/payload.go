package messaging

import (
	"fmt"

	"github.com/dep2p/harbor/internal/util/wire"
	"github.com/dep2p/harbor/pkg/types"
)

// Payload is the body of a message-domain event. The sender is the event
// origin; only the content is encrypted.
type Payload struct {
	MessageID   string
	Recipient   types.PeerID
	ContentType string
	ReplyTo     string
	Ciphertext  []byte
}

// Marshal encodes p.
func (p *Payload) Marshal() []byte {
	b := wire.AppendString(nil, 1, p.MessageID)
	b = wire.AppendString(b, 2, string(p.Recipient))
	b = wire.AppendString(b, 3, p.ContentType)
	b = wire.AppendString(b, 4, p.ReplyTo)
	return wire.AppendBytes(b, 5, p.Ciphertext)
}

// DecodePayload parses and checks a message payload.
func DecodePayload(data []byte) (*Payload, error) {
	p := &Payload{}
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			p.MessageID = f.String()
		case 2:
			p.Recipient = types.PeerID(f.String())
		case 3:
			p.ContentType = f.String()
		case 4:
			p.ReplyTo = f.String()
		case 5:
			p.Ciphertext = f.Copy()
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: message payload: %v", types.ErrValidation, err)
	}
	switch {
	case p.MessageID == "":
		return nil, fmt.Errorf("%w: message without id", types.ErrValidation)
	case p.Recipient.Validate() != nil:
		return nil, fmt.Errorf("%w: message recipient %q", types.ErrValidation, p.Recipient)
	case len(p.Ciphertext) == 0:
		return nil, fmt.Errorf("%w: empty message", types.ErrValidation)
	}
	return p, nil
}
