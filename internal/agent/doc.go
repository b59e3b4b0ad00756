// Package agent assembles the deployment coordinator and the host services it
// drives from a configuration.
//
// Completion events flow through a notification broker. Download and install
// completions are also posted to the agent mailbox, next to the download
// timeouts the coordinator schedules there.
package agent
