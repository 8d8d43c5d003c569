package models

// ProcessStatus represents the lifecycle state of a processed document
// (an upload or an entry).
type ProcessStatus string

const (
	// StatusReady means no process has run yet.
	StatusReady ProcessStatus = "READY"
	// StatusPending means a process was scheduled but has not started.
	StatusPending ProcessStatus = "PENDING"
	// StatusRunning means a process is currently executing.
	StatusRunning ProcessStatus = "RUNNING"
	// StatusWaitingForResult means the process blocks on the completion of
	// child processes (an upload waiting for its entries).
	StatusWaitingForResult ProcessStatus = "WAITING_FOR_RESULT"
	// StatusSuccess means the last process completed without fatal errors.
	StatusSuccess ProcessStatus = "SUCCESS"
	// StatusFailure means the last process completed with fatal errors.
	StatusFailure ProcessStatus = "FAILURE"
	// StatusDeleted marks a document that is about to be removed.
	StatusDeleted ProcessStatus = "DELETED"
)

// ProcessingStatuses are the statuses during which a document is considered
// busy. No new process may be started while the current status is one of
// these.
var ProcessingStatuses = []ProcessStatus{
	StatusPending, StatusRunning, StatusWaitingForResult,
}

// IsProcessing reports whether the status denotes an active process.
func (s ProcessStatus) IsProcessing() bool {
	switch s {
	case StatusPending, StatusRunning, StatusWaitingForResult:
		return true
	}
	return false
}

// IsTerminal reports whether the status is a resting state from which a new
// process may be started.
func (s ProcessStatus) IsTerminal() bool {
	return s == StatusReady || s == StatusSuccess || s == StatusFailure
}

// Process names used for the CurrentProcess fields.
const (
	ProcessUpload          = "process_upload"
	ProcessEntry           = "process_entry"
	ProcessPublish         = "publish_upload"
	ProcessDelete          = "delete_upload"
	ProcessEditMetadata    = "edit_upload_metadata"
	ProcessImportBundle    = "import_bundle"
	ProcessPublishExternal = "publish_externally"
)
