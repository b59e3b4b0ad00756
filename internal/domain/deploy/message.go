package deploy

// MessageKind tells the receiver of a mailbox message what happened.
type MessageKind int

const (
	// MessageDownloadComplete reports that a download finished, successfully or not.
	MessageDownloadComplete MessageKind = iota + 1
	// MessageDownloadTimeout reports that the download watchdog fired.
	MessageDownloadTimeout
	// MessageInstallComplete reports the outcome of an install commit.
	MessageInstallComplete
)

// String returns the kind name for logs.
func (k MessageKind) String() string {
	switch k {
	case MessageDownloadComplete:
		return "download_complete"
	case MessageDownloadTimeout:
		return "download_timeout"
	case MessageInstallComplete:
		return "install_complete"
	default:
		return "unknown"
	}
}

// Message is an item delivered to a caller's mailbox.
type Message struct {
	// Kind identifies the message.
	Kind MessageKind
	// DownloadID correlates download messages with the handle returned by StartDownload.
	DownloadID DownloadID
	// Event is the notification that produced the message, if any.
	Event *Event
}
