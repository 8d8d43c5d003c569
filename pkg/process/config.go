// Package process implements the scheduler and the processing pipelines:
// parse_all over an upload's raw files, per-entry parse/normalize/archive
// runs, and the join that fires upload-level cleanup exactly once.
package process

import (
	"context"

	"github.com/nomad-lab/nomad-core/pkg/match"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
)

// Build metadata recorded into every processed entry. Set via ldflags.
var (
	Version = "dev"
	Commit  = "unknown"
)

// ReprocessConfig controls what a reprocess of an existing upload does.
type ReprocessConfig struct {
	// ReparseIfParserUnchanged re-runs entries whose matched parser is the
	// same as last time.
	ReparseIfParserUnchanged bool `mapstructure:"reparse_if_parser_unchanged" yaml:"reparse_if_parser_unchanged"`
	// ReparseIfParserChanged re-runs entries whose matched parser differs.
	ReparseIfParserChanged bool `mapstructure:"reparse_if_parser_changed" yaml:"reparse_if_parser_changed"`
	// DeleteUnmatchedPublishedEntries drops published entries whose
	// mainfile no longer matches any parser.
	DeleteUnmatchedPublishedEntries bool `mapstructure:"delete_unmatched_published_entries" yaml:"delete_unmatched_published_entries"`
	// AddNewfoundEntriesToPublished creates entries for newly matched
	// mainfiles in published uploads.
	AddNewfoundEntriesToPublished bool `mapstructure:"add_newfound_entries_to_published" yaml:"add_newfound_entries_to_published"`
}

// ApplyDefaults fills in the default reprocess policy.
func (c *ReprocessConfig) ApplyDefaults() {
	// The zero value would silently skip all reprocessing work; default to
	// re-running everything and keeping newly found entries.
	if !c.ReparseIfParserUnchanged && !c.ReparseIfParserChanged {
		c.ReparseIfParserUnchanged = true
		c.ReparseIfParserChanged = true
		c.AddNewfoundEntriesToPublished = true
	}
}

// Config holds the scheduler and processing options.
type Config struct {
	// Workers is the size of the shared worker pool.
	Workers int `mapstructure:"workers" yaml:"workers" validate:"gte=1"`
	// AuxCutoff bounds the aux files considered per entry; -1 is unbounded.
	AuxCutoff int `mapstructure:"aux_cutoff" yaml:"aux_cutoff"`
	// MaxProcessingLogs is the log record count above which debug records
	// are dropped from the stored archive.
	MaxProcessingLogs int `mapstructure:"max_processing_logs" yaml:"max_processing_logs"`

	Match     match.Config    `mapstructure:"match" yaml:"match"`
	Reprocess ReprocessConfig `mapstructure:"reprocess" yaml:"reprocess"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.Workers == 0 {
		c.Workers = 4
	}
	if c.AuxCutoff == 0 {
		c.AuxCutoff = 100
	}
	if c.MaxProcessingLogs == 0 {
		c.MaxProcessingLogs = 100
	}
	c.Match.ApplyDefaults()
	c.Reprocess.ApplyDefaults()
}

// Notifier is told when an upload finishes processing. Deployments hook
// e-mail or chat delivery in here; the default discards notifications.
type Notifier interface {
	UploadComplete(ctx context.Context, upload *models.Upload)
}

// NopNotifier discards all notifications.
type NopNotifier struct{}

// UploadComplete implements Notifier.
func (NopNotifier) UploadComplete(ctx context.Context, upload *models.Upload) {}
