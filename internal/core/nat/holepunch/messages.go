package holepunch

import (
	"bufio"
	"errors"
	"fmt"
	"io"

	ma "github.com/multiformats/go-multiaddr"

	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/util/wire"
	"github.com/dep2p/harbor/pkg/types"
)

const (
	maxMessageSize = 4096
	// MaxAddresses bounds the addresses carried in CONNECT.
	MaxAddresses = 16
)

// ErrInvalidMessage a hole punch message failed to decode.
var ErrInvalidMessage = fmt.Errorf("%w: invalid holepunch message", types.ErrValidation)

// ErrNoAddresses one side has no direct address to try.
var ErrNoAddresses = errors.New("holepunch: no direct addresses")

// MsgType is the hole punch message type.
type MsgType uint8

const (
	MsgConnect MsgType = iota + 1
	MsgSync
)

// Message is one hole punch step.
type Message struct {
	Type  MsgType
	Addrs []string
}

func (m *Message) marshal() []byte {
	b := wire.AppendVarint(nil, 1, uint64(m.Type))
	return wire.AppendStrings(b, 2, m.Addrs)
}

func (m *Message) unmarshal(data []byte) error {
	*m = Message{}
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.Type = MsgType(f.Varint)
		case 2:
			m.Addrs = append(m.Addrs, f.String())
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if m.Type != MsgConnect && m.Type != MsgSync {
		return fmt.Errorf("%w: type %d", ErrInvalidMessage, m.Type)
	}
	if len(m.Addrs) > MaxAddresses {
		return fmt.Errorf("%w: %d addresses", ErrInvalidMessage, len(m.Addrs))
	}
	return nil
}

func writeMessage(w io.Writer, m *Message) error {
	return protocol.WriteFrame(w, m.marshal())
}

func readMessage(r *bufio.Reader, want MsgType) (*Message, error) {
	data, err := protocol.ReadFrame(r, maxMessageSize)
	if err != nil {
		return nil, err
	}
	m := &Message{}
	if err := m.unmarshal(data); err != nil {
		return nil, err
	}
	if m.Type != want {
		return nil, fmt.Errorf("%w: expected type %d, got %d", ErrInvalidMessage, want, m.Type)
	}
	return m, nil
}

func addrStrings(addrs []ma.Multiaddr) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if len(out) == MaxAddresses {
			break
		}
		out = append(out, a.String())
	}
	return out
}

func parseAddrs(ss []string) []ma.Multiaddr {
	out := make([]ma.Multiaddr, 0, len(ss))
	for _, s := range ss {
		if a, err := ma.NewMultiaddr(s); err == nil {
			out = append(out, a)
		}
	}
	return out
}
