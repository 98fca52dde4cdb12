package relay

import (
	"bufio"
	"fmt"
	"io"
	"time"

	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/internal/util/wire"
	"github.com/dep2p/harbor/pkg/types"
)

// maxMessageSize bounds a hop or stop message.
const maxMessageSize = 4096

// HopType is the hop message type.
type HopType uint8

const (
	HopReserve HopType = iota + 1
	HopConnect
	HopStatus
)

// HopMessage is exchanged on the hop protocol between a client and a relay.
type HopMessage struct {
	Type HopType
	// Peer is the CONNECT target.
	Peer   types.PeerID
	Status Status
	// Expiration and Addrs answer a RESERVE.
	Expiration time.Time
	Addrs      []string
	// Limits of the granted circuit; zero is unlimited.
	LimitDuration time.Duration
	LimitRate     int64
}

// Marshal encodes m.
func (m *HopMessage) Marshal() []byte {
	b := wire.AppendVarint(nil, 1, uint64(m.Type))
	b = wire.AppendString(b, 2, string(m.Peer))
	b = wire.AppendVarint(b, 3, uint64(m.Status))
	if !m.Expiration.IsZero() {
		b = wire.AppendTime(b, 4, m.Expiration)
	}
	b = wire.AppendStrings(b, 5, m.Addrs)
	b = wire.AppendVarint(b, 6, uint64(m.LimitDuration/time.Millisecond))
	return wire.AppendVarint(b, 7, uint64(m.LimitRate))
}

// Unmarshal decodes data into m.
func (m *HopMessage) Unmarshal(data []byte) error {
	*m = HopMessage{}
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.Type = HopType(f.Varint)
		case 2:
			m.Peer = types.PeerID(f.String())
		case 3:
			m.Status = Status(f.Varint)
		case 4:
			m.Expiration = f.Time()
		case 5:
			m.Addrs = append(m.Addrs, f.String())
		case 6:
			m.LimitDuration = time.Duration(f.Varint) * time.Millisecond
		case 7:
			m.LimitRate = int64(f.Varint)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Type < HopReserve || m.Type > HopStatus {
		return fmt.Errorf("%w: hop type %d", ErrMalformedMessage, m.Type)
	}
	if m.Type == HopConnect {
		if err := m.Peer.Validate(); err != nil {
			return fmt.Errorf("%w: connect target: %v", ErrMalformedMessage, err)
		}
	}
	return nil
}

// StopType is the stop message type.
type StopType uint8

const (
	StopConnect StopType = iota + 1
	StopStatus
)

// StopMessage is sent by a relay to the reserved peer of a new circuit.
type StopMessage struct {
	Type StopType
	// Peer is the circuit initiator.
	Peer   types.PeerID
	Status Status
}

// Marshal encodes m.
func (m *StopMessage) Marshal() []byte {
	b := wire.AppendVarint(nil, 1, uint64(m.Type))
	b = wire.AppendString(b, 2, string(m.Peer))
	return wire.AppendVarint(b, 3, uint64(m.Status))
}

// Unmarshal decodes data into m.
func (m *StopMessage) Unmarshal(data []byte) error {
	*m = StopMessage{}
	err := wire.Walk(data, func(f wire.Field) error {
		switch f.Num {
		case 1:
			m.Type = StopType(f.Varint)
		case 2:
			m.Peer = types.PeerID(f.String())
		case 3:
			m.Status = Status(f.Varint)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if m.Type < StopConnect || m.Type > StopStatus {
		return fmt.Errorf("%w: stop type %d", ErrMalformedMessage, m.Type)
	}
	if m.Type == StopConnect {
		if err := m.Peer.Validate(); err != nil {
			return fmt.Errorf("%w: circuit source: %v", ErrMalformedMessage, err)
		}
	}
	return nil
}

type marshaler interface{ Marshal() []byte }

type unmarshaler interface{ Unmarshal([]byte) error }

func writeMsg(w io.Writer, m marshaler) error {
	return protocol.WriteFrame(w, m.Marshal())
}

func readMsg(r *bufio.Reader, m unmarshaler) error {
	data, err := protocol.ReadFrame(r, maxMessageSize)
	if err != nil {
		return err
	}
	return m.Unmarshal(data)
}
