package models

import (
	"encoding/json"
	"time"
)

// StringSlice is a string list stored as a JSON column.
type StringSlice []string

// Upload represents one upload and the state of its processing.
//
// An upload starts in the staging area where files can be added and removed.
// Publishing freezes its content into immutable public packs. The process
// fields implement the state machine shared with Entry: a document is busy
// while its status is PENDING, RUNNING, or WAITING_FOR_RESULT, and only one
// process can run at a time.
type Upload struct {
	UploadID   string `gorm:"primaryKey;size:32" json:"upload_id"`
	UploadName string `gorm:"size:255" json:"upload_name,omitempty"`

	// Ownership and access
	MainAuthor    string      `gorm:"index;not null;size:36" json:"main_author"`
	Coauthors     StringSlice `gorm:"serializer:json" json:"coauthors,omitempty"`
	Reviewers     StringSlice `gorm:"serializer:json" json:"reviewers,omitempty"`
	EmbargoLength int         `json:"embargo_length"` // months, 0 to 36
	License       string      `gorm:"size:255" json:"license,omitempty"`
	Comment       string      `json:"comment,omitempty"`
	References    StringSlice `gorm:"serializer:json" json:"references,omitempty"`
	ExternalDB    string      `gorm:"size:255" json:"external_db,omitempty"`

	// Lifecycle
	Published           bool       `gorm:"index;default:false" json:"published"`
	PublishDirectly     bool       `gorm:"default:false" json:"publish_directly,omitempty"`
	PublishedExternally bool       `gorm:"default:false" json:"published_externally,omitempty"`
	UploadCreateTime    time.Time  `gorm:"index;autoCreateTime" json:"upload_create_time"`
	PublishTime         *time.Time `gorm:"index" json:"publish_time,omitempty"`
	LastUpdate          *time.Time `json:"last_update,omitempty"`

	// Process state
	ProcessStatus     ProcessStatus `gorm:"index;size:32;default:READY" json:"process_status"`
	CurrentProcess    string        `gorm:"size:64" json:"current_process,omitempty"`
	LastStatusMessage string        `json:"last_status_message,omitempty"`
	Errors            StringSlice   `gorm:"serializer:json" json:"errors,omitempty"`
	Warnings          StringSlice   `gorm:"serializer:json" json:"warnings,omitempty"`
	CompleteTime      *time.Time    `json:"complete_time,omitempty"`

	// Joined is the join barrier flag of parse_all/check_join. It is reset
	// when entry processing is dispatched and set exactly once by the
	// check_join winner.
	Joined bool `gorm:"default:false" json:"-"`
}

// TableName returns the table name for Upload.
func (Upload) TableName() string {
	return "uploads"
}

// WithEmbargo reports whether the upload has a non-zero embargo period.
func (u *Upload) WithEmbargo() bool {
	return u.EmbargoLength > 0
}

// Writers returns the user ids that may modify the upload.
func (u *Upload) Writers() []string {
	writers := make([]string, 0, 1+len(u.Coauthors))
	writers = append(writers, u.MainAuthor)
	writers = append(writers, u.Coauthors...)
	return writers
}

// Viewers returns the user ids that may read the upload while it is
// restricted.
func (u *Upload) Viewers() []string {
	return append(u.Writers(), u.Reviewers...)
}

// IsWriter reports whether userID may modify the upload.
func (u *Upload) IsWriter(userID string) bool {
	for _, id := range u.Writers() {
		if id == userID {
			return true
		}
	}
	return false
}

// IsViewer reports whether userID may read the upload and its restricted
// files.
func (u *Upload) IsViewer(userID string) bool {
	for _, id := range u.Viewers() {
		if id == userID {
			return true
		}
	}
	return false
}

// UploadCounts holds the entry counters computed from the entries table.
type UploadCounts struct {
	TotalEntries      int64 `json:"total_entries"`
	ProcessedEntries  int64 `json:"processed_entries"`
	FailedEntries     int64 `json:"failed_entries"`
	ProcessingEntries int64 `json:"processing_entries"`
}

type uploadCountsAlias UploadCounts

// MarshalJSON emits the legacy total_calcs spelling next to total_entries.
func (c UploadCounts) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		uploadCountsAlias
		TotalCalcs int64 `json:"total_calcs"`
	}{uploadCountsAlias(c), c.TotalEntries})
}

// UnmarshalJSON accepts both spellings. total_entries wins when both are
// set.
func (c *UploadCounts) UnmarshalJSON(data []byte) error {
	var decoded struct {
		uploadCountsAlias
		TotalCalcs int64 `json:"total_calcs"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*c = UploadCounts(decoded.uploadCountsAlias)
	if c.TotalEntries == 0 {
		c.TotalEntries = decoded.TotalCalcs
	}
	return nil
}
