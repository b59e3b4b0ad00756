// Package deploy contains the core domain types of the deployment agent.
//
// It defines the ephemeral handles the coordinator passes around (download
// tasks, install sessions, completion tokens), the events and mailbox messages
// used to report asynchronous outcomes, the installed-package record, the apps
// list format, and the interfaces of the host services the coordinator drives.
package deploy
