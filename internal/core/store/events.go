package store

import (
	"fmt"

	"github.com/dep2p/harbor/internal/core/eventlog"
	"github.com/dep2p/harbor/pkg/types"
)

func eventKey(e *eventlog.Event) []byte {
	return []byte(fmt.Sprintf("%s/%020d/%s/%s", e.Domain, e.Lamport, e.Origin, e.ID))
}

// PutEvent appends e to its domain table.
func (s *Store) PutEvent(e *eventlog.Event) error {
	return s.events.Put(eventKey(e), e.Marshal())
}

// LoadEvents returns the events of domain in log order.
func (s *Store) LoadEvents(domain types.Domain) ([]*eventlog.Event, error) {
	var (
		out    []*eventlog.Event
		decErr error
	)
	err := s.events.Scan([]byte(string(domain)+"/"), func(key, value []byte) bool {
		e, err := eventlog.Unmarshal(value)
		if err != nil {
			decErr = fmt.Errorf("%w: event %s: %v", types.ErrCorruptStore, key, err)
			return false
		}
		out = append(out, e)
		return true
	})
	if err != nil {
		return nil, err
	}
	if decErr != nil {
		return nil, decErr
	}
	return out, nil
}
