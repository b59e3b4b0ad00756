// Package mailbox provides the caller-side message queue that receives
// download-complete, download-timeout and install-complete messages,
// including delayed delivery for the download timeout watchdog.
package mailbox
