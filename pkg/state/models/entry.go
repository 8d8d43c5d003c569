package models

import (
	"encoding/json"
	"time"
)

// Entry represents one parsed mainfile of an upload.
//
// Entries share the process state machine with Upload but are always
// processed as children of an upload-level process. The entry id is derived
// from upload id and mainfile path and therefore stable across reprocessing.
type Entry struct {
	EntryID  string `gorm:"primaryKey;size:32" json:"entry_id"`
	UploadID string `gorm:"index;not null;size:32" json:"upload_id"`
	Mainfile string `gorm:"index;not null" json:"mainfile"`

	// ParserName is the name of the matched parser.
	ParserName string `gorm:"size:128" json:"parser_name"`

	// EntryHash is the content hash over mainfile and aux files.
	EntryHash string `gorm:"size:32" json:"entry_hash,omitempty"`

	EntryCreateTime time.Time `gorm:"autoCreateTime" json:"entry_create_time"`

	// Per-entry editable metadata, applied from metadata files or edit
	// operations.
	Comment        string      `json:"comment,omitempty"`
	References     StringSlice `gorm:"serializer:json" json:"references,omitempty"`
	ExternalID     string      `gorm:"size:255" json:"external_id,omitempty"`
	EntryCoauthors StringSlice `gorm:"serializer:json" json:"entry_coauthors,omitempty"`
	Datasets       StringSlice `gorm:"serializer:json" json:"datasets,omitempty"`

	// Process state
	ProcessStatus     ProcessStatus `gorm:"index;size:32;default:READY" json:"process_status"`
	CurrentProcess    string        `gorm:"size:64" json:"current_process,omitempty"`
	LastStatusMessage string        `json:"last_status_message,omitempty"`
	Errors            StringSlice   `gorm:"serializer:json" json:"errors,omitempty"`
	Warnings          StringSlice   `gorm:"serializer:json" json:"warnings,omitempty"`
	CompleteTime      *time.Time    `json:"complete_time,omitempty"`
}

// TableName returns the table name for Entry.
func (Entry) TableName() string {
	return "entries"
}

type entryAlias Entry

// MarshalJSON emits the legacy calc_id spelling next to entry_id. External
// consumers of API and bundle payloads still read the old name.
func (e Entry) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		entryAlias
		CalcID string `json:"calc_id"`
	}{entryAlias(e), e.EntryID})
}

// UnmarshalJSON accepts both spellings. entry_id wins when both are set.
func (e *Entry) UnmarshalJSON(data []byte) error {
	var decoded struct {
		entryAlias
		CalcID string `json:"calc_id"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return err
	}
	*e = Entry(decoded.entryAlias)
	if e.EntryID == "" {
		e.EntryID = decoded.CalcID
	}
	return nil
}
