package process

import (
	"context"
	"fmt"
	"time"

	"github.com/nomad-lab/nomad-core/internal/ids"
	"github.com/nomad-lab/nomad-core/internal/logger"
	"github.com/nomad-lab/nomad-core/pkg/files"
	"github.com/nomad-lab/nomad-core/pkg/match"
	"github.com/nomad-lab/nomad-core/pkg/search"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
	"github.com/nomad-lab/nomad-core/pkg/state/store"
)

// checkJoin is called after every entry completion and at the end of
// parse_all. When all entries are done it races for the join flag; the
// single winner runs the upload-level cleanup and finishes the upload.
func (s *Scheduler) checkJoin(ctx context.Context, uploadID string) error {
	upload, err := s.state.GetUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	if upload.ProcessStatus != models.StatusWaitingForResult {
		return nil
	}

	counts, err := s.state.CountEntries(ctx, uploadID)
	if err != nil {
		return err
	}
	if counts.ProcessingEntries > 0 {
		return nil
	}

	won, err := s.state.TryJoinUpload(ctx, uploadID)
	if err != nil {
		return err
	}
	if !won {
		return nil
	}
	logger.InfoCtx(ctx, "all entries processed, running cleanup",
		logger.Count(int(counts.TotalEntries)))

	warnings, err := s.cleanup(ctx, upload)
	if err != nil {
		s.finishUpload(ctx, uploadID, models.StatusFailure, []string{err.Error()}, warnings)
		return err
	}
	s.finishUpload(ctx, uploadID, models.StatusSuccess, nil, warnings)
	s.notifier.UploadComplete(ctx, upload)
	return nil
}

// cleanup runs once per processing round: the phonon post-step, packing or
// repacking of published data, search indexing and the final refresh.
func (s *Scheduler) cleanup(ctx context.Context, upload *models.Upload) ([]string, error) {
	entries, _, err := s.state.ListEntries(ctx, upload.UploadID, store.EntryQuery{})
	if err != nil {
		return nil, err
	}
	staging := s.fstore.StagingFiles(upload.UploadID)

	warnings := s.phononPostStep(ctx, upload, staging, entries)

	switch {
	case upload.Published:
		start := time.Now()
		pub := s.fstore.PublicFiles(upload.UploadID)
		if err := pub.Repack(packEntries(upload, entries), s.cfg.AuxCutoff, false, staging); err != nil {
			return warnings, fmt.Errorf("failed to repack upload: %w", err)
		}
		if err := staging.Delete(); err != nil {
			return warnings, err
		}
		if s.metrics != nil {
			s.metrics.RecordPack("repack", time.Since(start))
		}

	case upload.PublishDirectly:
		if err := s.publishFiles(ctx, upload, entries); err != nil {
			return warnings, err
		}
	}

	if err := s.indexUpload(ctx, upload, entries); err != nil {
		return warnings, err
	}
	if err := s.gateway.Refresh(ctx); err != nil {
		return warnings, err
	}
	return warnings, nil
}

// publishFiles packs the staging area into the public layout and flips the
// publication flags.
func (s *Scheduler) publishFiles(ctx context.Context, upload *models.Upload, entries []*models.Entry) error {
	start := time.Now()
	staging := s.fstore.StagingFiles(upload.UploadID)
	if err := staging.Pack(packEntries(upload, entries), s.cfg.AuxCutoff); err != nil {
		return fmt.Errorf("failed to pack upload: %w", err)
	}
	if err := staging.Delete(); err != nil {
		return err
	}
	if s.metrics != nil {
		s.metrics.RecordPack("pack", time.Since(start))
	}

	now := time.Now().UTC()
	upload.Published = true
	upload.PublishTime = &now
	upload.LastUpdate = &now
	return s.state.SaveUpload(ctx, upload)
}

// indexUpload writes the entry documents of the upload into the search
// index with their current publication state.
func (s *Scheduler) indexUpload(ctx context.Context, upload *models.Upload, entries []*models.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	docs := make([]search.EntryDoc, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, entrySearchDoc(upload, e))
	}
	return s.gateway.Index(ctx, docs, true)
}

// entrySearchDoc builds the indexable projection of an entry.
func entrySearchDoc(upload *models.Upload, entry *models.Entry) search.EntryDoc {
	return search.EntryDoc{
		EntryID:         entry.EntryID,
		UploadID:        upload.UploadID,
		UploadName:      upload.UploadName,
		Mainfile:        entry.Mainfile,
		ParserName:      entry.ParserName,
		MainAuthor:      upload.MainAuthor,
		Published:       upload.Published,
		WithEmbargo:     upload.WithEmbargo(),
		ProcessStatus:   string(entry.ProcessStatus),
		EntryCreateTime: entry.EntryCreateTime,
		PublishTime:     upload.PublishTime,
	}
}

// phononPostStep enriches phonon archives with method information from the
// entry they reference. Failures downgrade the result with a warning but
// never fail the upload.
func (s *Scheduler) phononPostStep(ctx context.Context, upload *models.Upload, staging *files.StagingFiles, entries []*models.Entry) []string {
	var warnings []string
	for _, e := range entries {
		if e.ParserName != match.PhononParserName || e.ProcessStatus != models.StatusSuccess {
			continue
		}
		if err := s.enrichPhononEntry(upload, staging, e); err != nil {
			warning := fmt.Sprintf("phonon post-processing failed for %s: %v", e.Mainfile, err)
			warnings = append(warnings, warning)
			logger.WarnCtx(ctx, "phonon post-processing failed",
				logger.EntryID(e.EntryID), logger.Err(err))
		}
	}
	return warnings
}

func (s *Scheduler) enrichPhononEntry(upload *models.Upload, staging *files.StagingFiles, entry *models.Entry) error {
	doc, err := staging.ReadEntryArchive(entry.EntryID)
	if err != nil {
		return err
	}
	refPath, ok := doc.Run["phonon_reference"].(string)
	if !ok || refPath == "" {
		return fmt.Errorf("archive does not record a reference calculation")
	}

	refDoc, err := staging.ReadEntryArchive(ids.EntryID(upload.UploadID, refPath))
	if err != nil {
		return fmt.Errorf("referenced calculation %s has no archive: %w", refPath, err)
	}
	method, ok := refDoc.Run["method"]
	if !ok {
		return fmt.Errorf("referenced calculation %s has no method section", refPath)
	}

	if doc.Run == nil {
		doc.Run = make(map[string]any)
	}
	doc.Run["method"] = method
	return staging.WriteEntryArchive(entry.EntryID, doc)
}
