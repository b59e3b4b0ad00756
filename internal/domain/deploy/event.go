package deploy

import "fmt"

// Status is the outcome code a host attaches to a completion event.
type Status int

const (
	// StatusSuccess means the operation finished successfully.
	StatusSuccess Status = iota
	// StatusFailure is a generic failure.
	StatusFailure
	// StatusFailureBlocked means the host refused to run the operation.
	StatusFailureBlocked
	// StatusFailureAborted means the operation was interrupted.
	StatusFailureAborted
	// StatusFailureInvalid means the artifact or request was malformed.
	StatusFailureInvalid
	// StatusFailureConflict means the operation conflicts with installed state.
	StatusFailureConflict
	// StatusFailureStorage means the host ran out of space or could not write.
	StatusFailureStorage
	// StatusInProgress means the operation is still running, e.g. a download
	// whose watchdog fired.
	StatusInProgress
)

// statusNames maps status codes to their log representation.
//
//nolint:gochecknoglobals // Lookup table.
var statusNames = map[Status]string{
	StatusSuccess:         "success",
	StatusFailure:         "failure",
	StatusFailureBlocked:  "failure_blocked",
	StatusFailureAborted:  "failure_aborted",
	StatusFailureInvalid:  "failure_invalid",
	StatusFailureConflict: "failure_conflict",
	StatusFailureStorage:  "failure_storage",
	StatusInProgress:      "in_progress",
}

// String returns the status name.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}

	return fmt.Sprintf("status(%d)", int(s))
}

// OK reports whether the status signals success.
func (s Status) OK() bool {
	return s == StatusSuccess
}

// Result is what the host fills in when it fires a completion token.
type Result struct {
	// PackageName is the package the operation targeted.
	PackageName string
	// Status is the outcome code.
	Status Status
	// Message is a human-readable outcome description.
	Message string
}

// Event is a named notification delivered to registered listeners.
type Event struct {
	// Action is the fixed event name, e.g. "<namespace>.INSTALL_COMPLETE".
	Action string
	// CorrelationID is the download id or registration request code.
	CorrelationID int64
	// PackageName is the package the event refers to, if any.
	PackageName string
	// Status is the outcome code.
	Status Status
	// Message is a human-readable outcome description.
	Message string
}

// Action names are built from a namespace and one of these suffixes.
const (
	InstallCompleteSuffix   = "INSTALL_COMPLETE"
	UninstallCompleteSuffix = "UNINSTALL_COMPLETE"
	DownloadCompleteSuffix  = "DOWNLOAD_COMPLETE"
	DownloadTimeoutSuffix   = "DOWNLOAD_TIMEOUT"
)

// ActionName joins a namespace and an action suffix.
func ActionName(namespace, suffix string) string {
	if namespace == "" {
		return suffix
	}

	return namespace + "." + suffix
}
