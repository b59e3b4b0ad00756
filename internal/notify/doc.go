// Package notify implements the callback registrations and event delivery
// the deployment agent uses to report asynchronous outcomes.
//
// A Broker hands out one-shot registrations keyed by action and request code,
// following replace-existing and immutable semantics, and publishes fired
// registrations and host events to action subscribers.
package notify
