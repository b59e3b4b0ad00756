// Package watcher implements deploy-watch, which follows the event stream of a
// deploy agent and prints install, uninstall, download and timeout events.
package watcher
