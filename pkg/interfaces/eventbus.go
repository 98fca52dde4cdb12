package interfaces

// EventBus is a typed publish/subscribe channel for in-process notifications.
//
// Event types are identified by the pointer type passed to Subscribe and
// Emitter, e.g. bus.Subscribe(new(types.EvtPeerIdentified)).
type EventBus interface {
	// Subscribe returns a subscription receiving values of eventType's element type.
	Subscribe(eventType any, opts ...SubscriptionOpt) (Subscription, error)

	// SubscribeAll returns a subscription receiving every emitted event.
	SubscribeAll(opts ...SubscriptionOpt) (Subscription, error)

	// Emitter returns an emitter for eventType's element type.
	Emitter(eventType any, opts ...EmitterOpt) (Emitter, error)
}

// Subscription delivers events until closed.
type Subscription interface {
	Out() <-chan any
	Close() error
}

// Emitter publishes events of one type.
type Emitter interface {
	Emit(event any) error
	Close() error
}

// SubscriptionOpt configures a subscription.
type SubscriptionOpt func(*SubscriptionSettings)

// EmitterOpt configures an emitter.
type EmitterOpt func(*EmitterSettings)

// SubscriptionSettings is exported for implementations.
type SubscriptionSettings struct {
	Buffer int
}

// EmitterSettings is exported for implementations.
type EmitterSettings struct {
	// Stateful emitters replay the last event to new subscribers.
	Stateful bool
}

// BufSize sets the subscription channel capacity.
func BufSize(size int) SubscriptionOpt {
	return func(s *SubscriptionSettings) { s.Buffer = size }
}

// Stateful makes the emitter remember its last event.
func Stateful() EmitterOpt {
	return func(s *EmitterSettings) { s.Stateful = true }
}
