package protocol

import (
	"bufio"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// DefaultMaxFrameSize bounds a single frame.
const DefaultMaxFrameSize = 1 << 20

// WriteFrame writes data prefixed with its uvarint length.
func WriteFrame(w io.Writer, data []byte) error {
	buf := make([]byte, 0, varint.UvarintSize(uint64(len(data)))+len(data))
	buf = append(buf, varint.ToUvarint(uint64(len(data)))...)
	buf = append(buf, data...)
	_, err := w.Write(buf)
	return err
}

// ReadFrame reads one length-prefixed frame of at most max bytes.
func ReadFrame(r *bufio.Reader, max int) ([]byte, error) {
	n, err := varint.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > uint64(max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, n, max)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteEnvelope frames and writes env.
func WriteEnvelope(w io.Writer, env *Envelope) error {
	return WriteFrame(w, env.Marshal())
}

// ReadEnvelope reads and decodes one framed envelope. The envelope is not
// verified.
func ReadEnvelope(r *bufio.Reader, max int) (*Envelope, error) {
	data, err := ReadFrame(r, max)
	if err != nil {
		return nil, err
	}
	return UnmarshalEnvelope(data)
}
