// Package client implements deploy-ctl, a one-shot request to a deploy agent.
//
// It starts downloads, installs finished downloads, uninstalls and lists
// packages, retrying every second while the agent is unreachable.
package client
