// Package installer is the host package installer.
//
// Install sessions stage entries in a per-session directory. Committing a
// session verifies and atomically moves every entry into the package directory
// under the install root, records the package in the registry and fires the
// completion callback. Uninstalls run in the background the same way.
package installer
