// Package search defines the gateway to the external search index. The
// core only issues a small set of operations: index entry documents,
// delete them, update metadata in place, refresh, and query. The index
// itself is an external collaborator; Memory is the reference
// implementation used in tests and single-node deployments.
package search

import (
	"context"
	"time"
)

// EntryDoc is the pruned projection of an entry that gets indexed.
type EntryDoc struct {
	EntryID          string         `json:"entry_id"`
	UploadID         string         `json:"upload_id"`
	UploadName       string         `json:"upload_name,omitempty"`
	Mainfile         string         `json:"mainfile"`
	ParserName       string         `json:"parser_name"`
	MainAuthor       string         `json:"main_author"`
	Published        bool           `json:"published"`
	WithEmbargo      bool           `json:"with_embargo"`
	ProcessStatus    string         `json:"process_status"`
	EntryCreateTime  time.Time      `json:"entry_create_time"`
	PublishTime      *time.Time     `json:"publish_time,omitempty"`
	MaterialID       string         `json:"material_id,omitempty"`
	SearchQuantities map[string]any `json:"search_quantities,omitempty"`
}

// Query selects indexed entries. Zero fields are not filtered on.
type Query struct {
	UploadID   string
	EntryID    string
	MainAuthor string
	Published  *bool
	MaterialID string
}

// Gateway is the search index contract used by the core.
type Gateway interface {
	// Index writes or overwrites entry documents. With updateMaterials the
	// derived material aggregates are kept consistent with the new docs.
	Index(ctx context.Context, docs []EntryDoc, updateMaterials bool) error

	// Update patches metadata fields of already-indexed documents.
	Update(ctx context.Context, docs []EntryDoc) error

	// DeleteUpload removes all documents of an upload.
	DeleteUpload(ctx context.Context, uploadID string) error

	// DeleteEntries removes the given entries.
	DeleteEntries(ctx context.Context, entryIDs []string) error

	// Refresh makes all previous writes visible to queries.
	Refresh(ctx context.Context) error

	// Search returns the matching documents.
	Search(ctx context.Context, q Query) ([]EntryDoc, error)
}
