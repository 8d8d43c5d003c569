package metrics

import (
	"time"
)

// ProcessingMetrics provides observability for the scheduler and the entry
// pipeline. Pass nil to disable collection with zero overhead.
type ProcessingMetrics interface {
	// RecordUploadProcess records a finished upload-level process with its
	// terminal status.
	RecordUploadProcess(process string, status string, duration time.Duration)

	// RecordEntryProcess records a finished entry run, labeled by parser
	// and terminal status.
	RecordEntryProcess(parser string, status string, duration time.Duration)

	// RecordMatch counts a positive parser match.
	RecordMatch(parser string)

	// RecordPack records a completed pack or repack of an upload.
	RecordPack(kind string, duration time.Duration)

	// SetQueueDepth publishes the current pending job count.
	SetQueueDepth(kind string, depth int)

	// RecordJobStart and RecordJobEnd track in-flight jobs per kind.
	RecordJobStart(kind string)
	RecordJobEnd(kind string)
}

// ObserveUploadProcess is a nil-safe wrapper around RecordUploadProcess.
func ObserveUploadProcess(m ProcessingMetrics, process, status string, start time.Time) {
	if m != nil {
		m.RecordUploadProcess(process, status, time.Since(start))
	}
}

// ObserveEntryProcess is a nil-safe wrapper around RecordEntryProcess.
func ObserveEntryProcess(m ProcessingMetrics, parser, status string, start time.Time) {
	if m != nil {
		m.RecordEntryProcess(parser, status, time.Since(start))
	}
}
