package syncengine

import (
	"fmt"

	"github.com/dep2p/harbor/internal/core/eventlog"
	"github.com/dep2p/harbor/internal/core/protocol"
	"github.com/dep2p/harbor/pkg/types"
)

// Projection is a view rebuilt from a domain log. Apply receives events in
// log order; Reset discards everything applied so far.
type Projection interface {
	Apply(e *eventlog.Event)
	Reset()
}

// Handler owns one domain: its view, its acceptance rules and who may see
// its events.
type Handler interface {
	Projection
	Domain() types.Domain
	// Validate decides whether a verified event may enter the log. Failing
	// the capability gate returns an error wrapping types.ErrUnauthorized.
	Validate(e *eventlog.Event) error
	// Recipients are the peers a new local event is pushed to.
	Recipients(e *eventlog.Event) []types.PeerID
	// Visible reports whether peer may receive e during a sync.
	Visible(peer types.PeerID, e *eventlog.Event) bool
}

// Notifier is implemented by handlers that announce newly applied events.
// It is not called while a log is rebuilt.
type Notifier interface {
	Notify(e *eventlog.Event)
}

// Wrapper is implemented by handlers whose events travel in a dedicated
// message rather than an EventPush.
type Wrapper interface {
	Wrap(e *eventlog.Event) protocol.Message
}

// Acknowledger is implemented by handlers that track delivery of pushed
// events answered by the recipient.
type Acknowledger interface {
	Acked(peer types.PeerID, e *eventlog.Event, resp protocol.Message)
}

// Status is the outcome of applying a remote event.
type Status int

const (
	// Applied means the event entered the log.
	Applied Status = iota + 1
	// Duplicate means the event was already in the log; nothing changed.
	Duplicate
	// Rejected means the event was discarded. Result.Reason says why.
	Rejected
)

func (s Status) String() string {
	switch s {
	case Applied:
		return "applied"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Result is returned by ApplyRemoteEvent.
type Result struct {
	Status Status
	Reason error
}

// Err returns the rejection reason, nil for Applied and Duplicate.
func (r Result) Err() error {
	if r.Status == Rejected {
		return r.Reason
	}
	return nil
}

func applied() Result   { return Result{Status: Applied} }
func duplicate() Result { return Result{Status: Duplicate} }

func rejected(err error) Result { return Result{Status: Rejected, Reason: err} }
