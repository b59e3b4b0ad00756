package notify

import (
	"context"
	"errors"
	"sync"

	"github.com/oshokin/deploy-agent/internal/domain/deploy"
	"github.com/oshokin/deploy-agent/internal/logger"
)

var (
	// ErrAlreadyDelivered is returned when a registration is fired a second time.
	ErrAlreadyDelivered = errors.New("completion already delivered")
	// ErrCanceled is returned when a canceled registration is fired.
	ErrCanceled = errors.New("registration canceled")
)

// AllActions subscribes a handler to every action.
const AllActions = ""

// Handler receives delivered events. Handlers run on the delivering goroutine.
type Handler func(ctx context.Context, event deploy.Event)

// Broker keeps live registrations and action subscribers.
type Broker struct {
	// registrations holds live callbacks by match key.
	registrations map[deploy.Key]*Registration
	// subscribers maps an action (or AllActions) to handlers by subscription id.
	subscribers map[string]map[int]Handler
	// nextID is the next subscription id.
	nextID int
	// mu protects all fields above and registration state.
	mu sync.Mutex
}

// NewBroker creates an empty broker.
func NewBroker() *Broker {
	return &Broker{
		registrations: make(map[deploy.Key]*Registration),
		subscribers:   make(map[string]map[int]Handler),
	}
}

// Register returns the live callback for the token's key, creating it if needed.
// With FlagReplaceExisting an existing registration takes over the new token's
// attached fields, so the last registration wins.
//
//nolint:ireturn // Registrar is satisfied through the domain interface.
func (b *Broker) Register(token deploy.CompletionToken) deploy.Callback {
	b.mu.Lock()
	defer b.mu.Unlock()

	key := token.Key()

	if existing, ok := b.registrations[key]; ok {
		if token.Flags.Has(deploy.FlagReplaceExisting) {
			existing.token.PackageName = token.PackageName
			existing.token.Flags = token.Flags
		}

		return existing
	}

	r := &Registration{
		broker: b,
		token:  token,
	}

	b.registrations[key] = r

	return r
}

// Lookup returns the live registration for a key, if any.
func (b *Broker) Lookup(key deploy.Key) (*Registration, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	r, ok := b.registrations[key]

	return r, ok
}

// Pending returns the number of live registrations.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.registrations)
}

// Subscribe registers h for events named action (AllActions for every event)
// and returns a function that removes the subscription.
func (b *Broker) Subscribe(action string, h Handler) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++

	handlers, ok := b.subscribers[action]
	if !ok {
		handlers = make(map[int]Handler)
		b.subscribers[action] = handlers
	}

	handlers[id] = h

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		delete(b.subscribers[action], id)
	}
}

// Deliver publishes an event to its subscribers. Events nobody listens to are dropped.
func (b *Broker) Deliver(ctx context.Context, event deploy.Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	b.mu.Lock()

	snapshot := make([]Handler, 0, len(b.subscribers[event.Action])+len(b.subscribers[AllActions]))
	for _, h := range b.subscribers[event.Action] {
		snapshot = append(snapshot, h)
	}

	if event.Action != AllActions {
		for _, h := range b.subscribers[AllActions] {
			snapshot = append(snapshot, h)
		}
	}

	b.mu.Unlock()

	logger.DebugKV(ctx, "Delivering event",
		"action", event.Action,
		"correlation_id", event.CorrelationID,
		"package", event.PackageName,
		"status", event.Status.String(),
		"listeners", len(snapshot))

	for _, h := range snapshot {
		h(ctx, event)
	}

	return nil
}

// fire consumes r and returns the token it was holding.
func (b *Broker) fire(r *Registration) (deploy.CompletionToken, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch r.state {
	case stateDelivered:
		return deploy.CompletionToken{}, ErrAlreadyDelivered
	case stateCanceled:
		return deploy.CompletionToken{}, ErrCanceled
	}

	r.state = stateDelivered
	b.forget(r)

	return r.token, nil
}

// cancel drops r without delivery.
func (b *Broker) cancel(r *Registration) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if r.state != stateLive {
		return false
	}

	r.state = stateCanceled
	b.forget(r)

	return true
}

// forget removes r from the live set. The caller holds b.mu.
func (b *Broker) forget(r *Registration) {
	key := r.token.Key()
	if b.registrations[key] == r {
		delete(b.registrations, key)
	}
}
