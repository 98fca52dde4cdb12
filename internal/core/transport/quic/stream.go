package quic

import (
	"github.com/quic-go/quic-go"

	pkgif "github.com/dep2p/harbor/pkg/interfaces"
)

var _ pkgif.Stream = (*Stream)(nil)

// Stream is a negotiated QUIC stream.
type Stream struct {
	quic.Stream
	protocol string
}

func newStream(qs quic.Stream, protocol string) *Stream {
	return &Stream{Stream: qs, protocol: protocol}
}

// Protocol returns the negotiated protocol id.
func (s *Stream) Protocol() string { return s.protocol }

// Reset aborts both directions.
func (s *Stream) Reset() error {
	s.Stream.CancelRead(0)
	s.Stream.CancelWrite(0)
	return nil
}
