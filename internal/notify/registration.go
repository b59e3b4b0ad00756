package notify

import (
	"context"

	"github.com/oshokin/deploy-agent/internal/domain/deploy"
)

// registrationState tracks the one-shot lifecycle of a registration.
type registrationState int

const (
	stateLive registrationState = iota
	stateDelivered
	stateCanceled
)

// Registration is a live completion callback handed to a host service.
type Registration struct {
	// broker owns the registration and publishes its event.
	broker *Broker
	// token is the registration data; guarded by broker.mu.
	token deploy.CompletionToken
	// state is the lifecycle state; guarded by broker.mu.
	state registrationState
}

// Token returns a snapshot of the registration.
func (r *Registration) Token() deploy.CompletionToken {
	r.broker.mu.Lock()
	defer r.broker.mu.Unlock()

	return r.token
}

// Send fires the registration with the host's result. Only the first call delivers.
// Immutable registrations keep the package name fixed at registration time.
func (r *Registration) Send(ctx context.Context, result deploy.Result) error {
	token, err := r.broker.fire(r)
	if err != nil {
		return err
	}

	event := deploy.Event{
		Action:        token.Action,
		CorrelationID: token.RequestCode,
		PackageName:   result.PackageName,
		Status:        result.Status,
		Message:       result.Message,
	}

	if token.PackageName != "" && (token.Flags.Has(deploy.FlagImmutable) || event.PackageName == "") {
		event.PackageName = token.PackageName
	}

	return r.broker.Deliver(ctx, event)
}

// Cancel drops the registration without delivering anything.
// It reports whether the registration was still live.
func (r *Registration) Cancel() bool {
	return r.broker.cancel(r)
}
