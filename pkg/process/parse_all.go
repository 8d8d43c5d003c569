package process

import (
	"context"
	"fmt"
	"time"

	"github.com/nomad-lab/nomad-core/internal/ids"
	"github.com/nomad-lab/nomad-core/internal/logger"
	"github.com/nomad-lab/nomad-core/pkg/files"
	"github.com/nomad-lab/nomad-core/pkg/match"
	"github.com/nomad-lab/nomad-core/pkg/queue"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
	"github.com/nomad-lab/nomad-core/pkg/state/store"
)

// candidate is one positive matcher result.
type candidate struct {
	mainfile string
	parser   *match.Parser
}

// runProcessUpload walks the staging raw files, matches parsers, reconciles
// the entry set and dispatches per-entry jobs. The upload is left in
// WAITING_FOR_RESULT; the join completes it.
func (s *Scheduler) runProcessUpload(ctx context.Context, upload *models.Upload) error {
	staging := s.fstore.StagingFiles(upload.UploadID)

	// Reprocessing a published upload starts from its packed files.
	if upload.Published && !s.fstore.StagingExists(upload.UploadID) {
		if err := s.extractForReprocess(ctx, upload); err != nil {
			return err
		}
	}
	if err := staging.EnsureDirs(); err != nil {
		return err
	}

	meta := newMetadataTree(staging)
	root, err := meta.Root()
	if err != nil {
		return err
	}
	if root != nil {
		root.UploadMetadata.ApplyToUpload(upload)
		now := time.Now().UTC()
		upload.LastUpdate = &now
		if err := s.state.SaveUpload(ctx, upload); err != nil {
			return err
		}
	}

	candidates, err := s.matchAll(staging, root)
	if err != nil {
		return err
	}
	logger.InfoCtx(ctx, "matching complete", logger.Count(len(candidates)))

	toProcess, keep, removed, err := s.reconcileEntries(ctx, upload, staging, meta, candidates)
	if err != nil {
		return err
	}

	if err := s.state.DeleteEntriesExcept(ctx, upload.UploadID, keep); err != nil {
		return err
	}
	// Removed entries must disappear everywhere: search documents and
	// staged archives, not just the state store.
	if len(removed) > 0 {
		if err := s.gateway.DeleteEntries(ctx, removed); err != nil {
			return err
		}
		for _, entryID := range removed {
			if err := staging.DeleteEntryArchive(entryID); err != nil {
				return err
			}
		}
	}
	if err := s.state.ResetUploadJoined(ctx, upload.UploadID); err != nil {
		return err
	}
	if len(toProcess) > 0 {
		if err := s.state.SetEntriesPending(ctx, toProcess, models.ProcessEntry); err != nil {
			return err
		}
	}
	if err := s.state.SetUploadWaiting(ctx, upload.UploadID); err != nil {
		return err
	}

	for _, entryID := range toProcess {
		_, err := s.queue.Enqueue(ctx, queue.Job{
			Kind:     queue.JobKindEntryOp,
			UploadID: upload.UploadID,
			EntryID:  entryID,
			Process:  models.ProcessEntry,
		})
		if err != nil {
			return err
		}
	}

	// With nothing to process the join condition already holds.
	if len(toProcess) == 0 {
		return s.checkJoin(ctx, upload.UploadID)
	}
	return nil
}

// extractForReprocess unpacks the public area back into staging.
func (s *Scheduler) extractForReprocess(ctx context.Context, upload *models.Upload) error {
	entries, _, err := s.state.ListEntries(ctx, upload.UploadID, store.EntryQuery{})
	if err != nil {
		return err
	}
	pub := s.fstore.PublicFiles(upload.UploadID)
	if _, err := pub.ToStaging(packEntries(upload, entries)); err != nil {
		return fmt.Errorf("failed to extract published files for reprocessing: %w", err)
	}
	logger.InfoCtx(ctx, "extracted published files to staging", logger.Count(len(entries)))
	return nil
}

// matchAll runs the matcher over the raw tree, or over the enumerated
// mainfiles only when the root metadata file sets skip_matching.
func (s *Scheduler) matchAll(staging *files.StagingFiles, root *userMetadata) ([]candidate, error) {
	var paths []string
	if root != nil && root.SkipMatching {
		for mainfile := range root.Entries {
			paths = append(paths, mainfile)
		}
	} else {
		infos, err := staging.RawDirectoryList("", true, true)
		if err != nil {
			return nil, err
		}
		for _, info := range infos {
			// Licensed files need their publishable stripped counterpart
			// in place before the upload can be packed.
			if files.AlwaysRestricted(info.Path) {
				if err := staging.EnsureStripped(info.Path); err != nil {
					return nil, fmt.Errorf("failed to strip restricted file %s: %w", info.Path, err)
				}
			}
			paths = append(paths, info.Path)
		}
	}

	var candidates []candidate
	for _, p := range paths {
		parser, err := s.matcher.Match(staging, p, false)
		if err != nil {
			return nil, err
		}
		if parser == nil {
			continue
		}
		if s.metrics != nil {
			s.metrics.RecordMatch(parser.Name)
		}
		candidates = append(candidates, candidate{mainfile: p, parser: parser})
	}
	return candidates, nil
}

// reconcileEntries compares the matched candidates with the persisted
// entries and applies the reprocess policy. It returns the entry ids to
// process, the ids to keep and the ids no longer backed by a mainfile.
func (s *Scheduler) reconcileEntries(ctx context.Context, upload *models.Upload, staging *files.StagingFiles, meta *metadataTree, candidates []candidate) (toProcess, keep, removed []string, err error) {
	existing, _, err := s.state.ListEntries(ctx, upload.UploadID, store.EntryQuery{})
	if err != nil {
		return nil, nil, nil, err
	}
	existingByID := make(map[string]*models.Entry, len(existing))
	for _, e := range existing {
		existingByID[e.EntryID] = e
	}

	policy := s.cfg.Reprocess
	var upserts []*models.Entry

	for _, c := range candidates {
		entryID := ids.EntryID(upload.UploadID, c.mainfile)

		old, exists := existingByID[entryID]
		switch {
		case !exists:
			if upload.Published && !policy.AddNewfoundEntriesToPublished {
				continue
			}
			entry := &models.Entry{
				EntryID:    entryID,
				UploadID:   upload.UploadID,
				Mainfile:   c.mainfile,
				ParserName: c.parser.Name,
			}
			if err := s.applyEntryMetadata(meta, entry); err != nil {
				return nil, nil, nil, err
			}
			upserts = append(upserts, entry)
			keep = append(keep, entryID)
			toProcess = append(toProcess, entryID)

		default:
			parserChanged := old.ParserName != c.parser.Name
			if parserChanged && (!upload.Published || policy.ReparseIfParserChanged) {
				old.ParserName = c.parser.Name
			}
			if err := s.applyEntryMetadata(meta, old); err != nil {
				return nil, nil, nil, err
			}
			upserts = append(upserts, old)
			keep = append(keep, entryID)

			reparse := !upload.Published ||
				(parserChanged && policy.ReparseIfParserChanged) ||
				(!parserChanged && policy.ReparseIfParserUnchanged)
			if reparse {
				toProcess = append(toProcess, entryID)
			}
			// Entries kept verbatim already have their archive document in
			// staging from the extraction step.
		}
	}

	// Unmatched existing entries vanish unless the policy protects them in
	// published uploads.
	kept := make(map[string]bool, len(keep))
	for _, id := range keep {
		kept[id] = true
	}
	protect := upload.Published && !policy.DeleteUnmatchedPublishedEntries
	for _, e := range existing {
		if kept[e.EntryID] {
			continue
		}
		if protect {
			keep = append(keep, e.EntryID)
		} else {
			removed = append(removed, e.EntryID)
		}
	}

	if len(upserts) > 0 {
		if err := s.state.UpsertEntries(ctx, upserts); err != nil {
			return nil, nil, nil, err
		}
	}
	return toProcess, keep, removed, nil
}

func (s *Scheduler) applyEntryMetadata(meta *metadataTree, entry *models.Entry) error {
	em, err := meta.EntryMetadata(entry.Mainfile)
	if err != nil {
		return err
	}
	em.ApplyToEntry(entry)
	return nil
}

// packEntries projects persisted entries onto the packing input.
func packEntries(upload *models.Upload, entries []*models.Entry) []files.PackEntry {
	packed := make([]files.PackEntry, 0, len(entries))
	for _, e := range entries {
		packed = append(packed, files.PackEntry{
			EntryID:     e.EntryID,
			Mainfile:    e.Mainfile,
			WithEmbargo: upload.WithEmbargo(),
		})
	}
	return packed
}
