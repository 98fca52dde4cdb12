package transport

import (
	"context"
	"fmt"
	"io"
	"time"

	mss "github.com/multiformats/go-multistream"

	"github.com/dep2p/harbor/pkg/types"
)

// NegotiateTimeout bounds the multistream handshake on a new stream.
const NegotiateTimeout = 10 * time.Second

// Protocols is the set of stream protocols a node answers. It is shared by
// every connection so handlers registered later apply to existing
// connections too.
type Protocols struct {
	mux *mss.MultistreamMuxer[string]
}

// NewProtocols returns a set containing ids.
func NewProtocols(ids ...string) *Protocols {
	p := &Protocols{mux: mss.NewMultistreamMuxer[string]()}
	for _, id := range ids {
		p.Add(id)
	}
	return p
}

// Add makes id negotiable.
func (p *Protocols) Add(id string) { p.mux.AddHandler(id, nil) }

// Remove stops answering id.
func (p *Protocols) Remove(id string) { p.mux.RemoveHandler(id) }

// List returns the negotiable ids.
func (p *Protocols) List() []string { return p.mux.Protocols() }

// Has reports whether id is negotiable.
func (p *Protocols) Has(id string) bool {
	for _, have := range p.mux.Protocols() {
		if have == id {
			return true
		}
	}
	return false
}

// Negotiate answers the handshake the remote opened on rwc and returns the
// protocol it selected.
func (p *Protocols) Negotiate(rwc io.ReadWriteCloser) (string, error) {
	proto, _, err := p.mux.Negotiate(rwc)
	if err != nil {
		return "", fmt.Errorf("%w: negotiate: %v", types.ErrTransport, err)
	}
	return proto, nil
}

// Select proposes proto on a freshly opened stream.
func Select(rwc io.ReadWriteCloser, proto string) error {
	if err := mss.SelectProtoOrFail(proto, rwc); err != nil {
		return fmt.Errorf("%w: select %s: %v", types.ErrTransport, proto, err)
	}
	return nil
}

// Deadliner is implemented by every stream type.
type Deadliner interface {
	SetDeadline(t time.Time) error
}

// WithContext runs fn, a blocking operation on d, so that it is interrupted
// when ctx ends. The deadline is cleared afterwards.
func WithContext(ctx context.Context, d Deadliner, fn func() error) error {
	stop := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		select {
		case <-ctx.Done():
			_ = d.SetDeadline(time.Unix(1, 0))
		case <-stop:
		}
	}()

	err := fn()
	close(stop)
	<-exited
	_ = d.SetDeadline(time.Time{})

	if ctxErr := ctx.Err(); ctxErr != nil && err != nil {
		return ctxErr
	}
	return err
}
