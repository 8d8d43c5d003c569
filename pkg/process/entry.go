package process

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nomad-lab/nomad-core/internal/logger"
	"github.com/nomad-lab/nomad-core/pkg/archive"
	"github.com/nomad-lab/nomad-core/pkg/files"
	"github.com/nomad-lab/nomad-core/pkg/metrics"
	"github.com/nomad-lab/nomad-core/pkg/search"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
)

// processEntry runs the per-entry pipeline: parse, normalize, archive
// write, index. Every failure mode records FAILURE and keeps whatever
// partial archive exists for forensics.
func (s *Scheduler) processEntry(ctx context.Context, uploadID, entryID string) {
	start := time.Now()

	entry, err := s.state.GetEntry(ctx, entryID)
	if err != nil {
		// Deleted between scheduling and execution. The join condition may
		// already hold without this entry.
		logger.WarnCtx(ctx, "entry vanished before processing", logger.EntryID(entryID))
		if err := s.checkJoin(ctx, uploadID); err != nil {
			logger.ErrorCtx(ctx, "join check failed", logger.Err(err))
		}
		return
	}
	upload, err := s.state.GetUpload(ctx, uploadID)
	if err != nil {
		logger.ErrorCtx(ctx, "upload vanished before entry processing", logger.Err(err))
		return
	}

	lc := logger.FromContext(ctx).WithEntry(entryID, entry.Mainfile).WithParser(entry.ParserName)
	ctx = logger.WithContext(ctx, lc)

	if err := s.state.SetEntryRunning(ctx, entryID); err != nil {
		logger.WarnCtx(ctx, "entry not in a startable state", logger.Err(err))
		return
	}

	staging := s.fstore.StagingFiles(uploadID)
	capture := newLogCapture()
	entryLog := capture.Logger().With(
		logger.UploadID(uploadID),
		logger.EntryID(entryID),
		logger.Mainfile(entry.Mainfile),
		logger.Parser(entry.ParserName),
	)

	doc := &archive.EntryArchive{
		EntryID:  entryID,
		Parser:   entry.ParserName,
		Mainfile: entry.Mainfile,
	}
	failed := false

	if err := s.initEntryMetadata(ctx, staging, entry, doc); err != nil {
		entryLog.Error("failed to initialize entry metadata", logger.Err(err))
		failed = true
	}

	if !failed {
		if err := s.parseEntry(ctx, staging, entry, doc, entryLog); err != nil {
			entryLog.Error(fmt.Sprintf("parser %s failed: %v", entry.ParserName, err))
			failed = true
		}
	}

	if !failed {
		if err := s.normalizeEntry(ctx, staging, entry, doc, entryLog); err != nil {
			entryLog.Error(fmt.Sprintf("normalization failed: %v", err))
			failed = true
		}
	}

	// The archive is written even for failed entries.
	doc.ProcessingLogs = capture.Records(s.cfg.MaxProcessingLogs)
	if err := staging.WriteEntryArchive(entryID, doc); err != nil {
		entryLog.Error("failed to write entry archive", logger.Err(err))
		failed = true
	}

	if !failed {
		searchDoc := entrySearchDoc(upload, entry)
		searchDoc.ProcessStatus = string(models.StatusSuccess)
		if err := s.gateway.Index(ctx, []search.EntryDoc{searchDoc}, true); err != nil {
			entryLog.Error("failed to index entry", logger.Err(err))
			failed = true
		}
	}

	status := models.StatusSuccess
	if failed {
		status = models.StatusFailure
	}
	if err := s.state.FinishEntryProcess(ctx, entryID, status, capture.Errors(), nil); err != nil {
		logger.ErrorCtx(ctx, "failed to record entry result", logger.Err(err))
	}
	metrics.ObserveEntryProcess(s.metrics, entry.ParserName, string(status), start)
	logger.InfoCtx(ctx, "entry processed",
		logger.Status(string(status)), logger.DurationMs(logger.Duration(start)))

	if err := s.checkJoin(ctx, uploadID); err != nil {
		logger.ErrorCtx(ctx, "join check failed", logger.Err(err))
	}
}

// initEntryMetadata fills the system-generated metadata section: file
// list, content hash, build version and processing time.
func (s *Scheduler) initEntryMetadata(ctx context.Context, staging *files.StagingFiles, entry *models.Entry, doc *archive.EntryArchive) error {
	fileList, err := staging.CalcFiles(entry.Mainfile, s.cfg.AuxCutoff, true)
	if err != nil {
		return fmt.Errorf("mainfile is not accessible: %w", err)
	}
	hash, err := staging.EntryHash(entry.Mainfile, s.cfg.AuxCutoff)
	if err != nil {
		return err
	}

	entry.EntryHash = hash
	if err := s.state.UpsertEntries(ctx, []*models.Entry{entry}); err != nil {
		return err
	}

	doc.Metadata = &archive.EntryMetadata{
		UploadID:           entry.UploadID,
		EntryHash:          hash,
		Files:              fileList,
		NomadVersion:       Version,
		NomadCommit:        Commit,
		LastProcessingTime: time.Now().UTC(),
	}
	return nil
}

// parseEntry invokes the matched parser with panic recovery. Placeholder
// parsers produce a stub document.
func (s *Scheduler) parseEntry(ctx context.Context, staging *files.StagingFiles, entry *models.Entry, doc *archive.EntryArchive, entryLog *slog.Logger) (err error) {
	parser := s.registry.Get(entry.ParserName)
	if parser == nil {
		return fmt.Errorf("parser %q is not registered", entry.ParserName)
	}
	if parser.Placeholder || parser.Parse == nil {
		entryLog.Debug("placeholder parser, writing stub document")
		return nil
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("parser panicked: %v", r)
		}
	}()
	return parser.Parse(ctx, staging, entry.Mainfile, doc, entryLog)
}

// normalizeEntry runs all normalizers whose domain matches the parser's.
func (s *Scheduler) normalizeEntry(ctx context.Context, staging *files.StagingFiles, entry *models.Entry, doc *archive.EntryArchive, entryLog *slog.Logger) error {
	parser := s.registry.Get(entry.ParserName)
	if parser == nil {
		return nil
	}
	for _, n := range s.normalizers {
		if n.Domain != "" && n.Domain != parser.Domain {
			continue
		}
		entryLog.Debug("running normalizer", "normalizer", n.Name)
		if err := n.Normalize(ctx, staging, doc, entryLog); err != nil {
			return fmt.Errorf("normalizer %s: %w", n.Name, err)
		}
	}
	return nil
}
