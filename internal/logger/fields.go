package logger

import "log/slog"

// Standard field keys for structured logging. Use these keys consistently
// across all log statements so logs can be aggregated and queried per
// upload, entry, and parser.
const (
	// Processing identity
	KeyUploadID = "upload_id" // upload identifier (22 char web-safe id)
	KeyEntryID  = "entry_id"  // entry identifier (28 char hash)
	KeyMainfile = "mainfile"  // mainfile path relative to the raw directory
	KeyParser   = "parser"    // name of the matched parser
	KeyProcess  = "process"   // process name: process_upload, process_entry, ...
	KeyStatus   = "process_status"

	// File operations
	KeyPath   = "path"   // path relative to an upload file area
	KeySize   = "size"   // size in bytes
	KeyAccess = "access" // public or restricted

	// Operation metadata
	KeyDurationMs = "duration_ms"
	KeyError      = "error"
	KeyCount      = "count"
	KeyAttempt    = "attempt"

	// API surface
	KeyRequestID = "request_id"
	KeyClientIP  = "client_ip"
	KeyUser      = "user_id"

	// Bundle import/export
	KeyBundle     = "bundle"
	KeySourceDep  = "source_deployment"
	KeyImportStep = "import_step"
)

// Field constructors for the keys above.

func UploadID(id string) slog.Attr { return slog.String(KeyUploadID, id) }

func EntryID(id string) slog.Attr { return slog.String(KeyEntryID, id) }

func Mainfile(path string) slog.Attr { return slog.String(KeyMainfile, path) }

func Parser(name string) slog.Attr { return slog.String(KeyParser, name) }

func Process(name string) slog.Attr { return slog.String(KeyProcess, name) }

func Status(s string) slog.Attr { return slog.String(KeyStatus, s) }

func Path(p string) slog.Attr { return slog.String(KeyPath, p) }

func Size(n int64) slog.Attr { return slog.Int64(KeySize, n) }

func Count(n int) slog.Attr { return slog.Int(KeyCount, n) }

func Attempt(n int) slog.Attr { return slog.Int(KeyAttempt, n) }

func UserID(id string) slog.Attr { return slog.String(KeyUser, id) }

func DurationMs(ms float64) slog.Attr { return slog.Float64(KeyDurationMs, ms) }

// Err returns an error attribute, or the zero Attr for a nil error.
func Err(err error) slog.Attr {
	if err == nil {
		return slog.Attr{}
	}
	return slog.String(KeyError, err.Error())
}
