// Package archive implements the processed-data file format. An archive
// file stores the parse results of many entries as msgpack blobs behind a
// leading table of contents, so single entries can be read without loading
// the whole file.
package archive

import "time"

// LogRecord is one captured processing log line of an entry.
type LogRecord struct {
	Time    time.Time      `msgpack:"time" json:"time"`
	Level   string         `msgpack:"level" json:"level"`
	Message string         `msgpack:"message" json:"message"`
	Fields  map[string]any `msgpack:"fields,omitempty" json:"fields,omitempty"`
}

// EntryMetadata is the system-generated metadata section of an archive
// document, written before parsing starts.
type EntryMetadata struct {
	UploadID           string    `msgpack:"upload_id" json:"upload_id"`
	EntryHash          string    `msgpack:"entry_hash,omitempty" json:"entry_hash,omitempty"`
	Files              []string  `msgpack:"files,omitempty" json:"files,omitempty"`
	NomadVersion       string    `msgpack:"nomad_version,omitempty" json:"nomad_version,omitempty"`
	NomadCommit        string    `msgpack:"nomad_commit,omitempty" json:"nomad_commit,omitempty"`
	LastProcessingTime time.Time `msgpack:"last_processing_time" json:"last_processing_time"`
}

// EntryArchive is the processed document of one entry as stored in archive
// files.
type EntryArchive struct {
	EntryID  string `msgpack:"entry_id" json:"entry_id"`
	Parser   string `msgpack:"parser" json:"parser"`
	Mainfile string `msgpack:"mainfile" json:"mainfile"`

	Metadata *EntryMetadata `msgpack:"metadata,omitempty" json:"metadata,omitempty"`

	// Run holds the normalized parser output.
	Run map[string]any `msgpack:"run,omitempty" json:"run,omitempty"`

	ProcessingLogs []LogRecord `msgpack:"processing_logs,omitempty" json:"processing_logs,omitempty"`
}
