// Package coordinator implements the deployment coordinator: it starts
// downloads with a timeout watchdog, streams artifacts into installer
// sessions, requests uninstalls, and builds the completion tokens hosts use
// to report the outcome of each asynchronous operation.
//
// The coordinator keeps no state of its own; it only initiates host
// transitions and forwards correlation handles.
package coordinator
