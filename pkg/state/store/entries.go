package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/nomad-lab/nomad-core/pkg/state/models"
)

// UpsertEntries inserts or updates the given entries in one batch. Existing
// entries keep their id (it is derived from upload id and mainfile) and get
// their parser and metadata columns refreshed.
func (s *GORMStore) UpsertEntries(ctx context.Context, entries []*models.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	for _, e := range entries {
		if e.ProcessStatus == "" {
			e.ProcessStatus = models.StatusReady
		}
	}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "entry_id"}},
		DoUpdates: clause.AssignmentColumns([]string{
			"mainfile", "parser_name", "comment", "references",
			"external_id", "entry_coauthors", "datasets",
		}),
	}).Create(&entries).Error
}

// GetEntry retrieves an entry by id.
func (s *GORMStore) GetEntry(ctx context.Context, entryID string) (*models.Entry, error) {
	return getByField[models.Entry](s.db, ctx, "entry_id", entryID, models.ErrEntryNotFound)
}

// ListEntries returns the entries of an upload ordered by mainfile.
func (s *GORMStore) ListEntries(ctx context.Context, uploadID string, query EntryQuery) ([]*models.Entry, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Entry{}).Where("upload_id = ?", uploadID)

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	q = q.Order("mainfile ASC")
	if query.PageSize > 0 {
		page := query.Page
		if page < 1 {
			page = 1
		}
		q = q.Offset((page - 1) * query.PageSize).Limit(query.PageSize)
	}

	var entries []*models.Entry
	if err := q.Find(&entries).Error; err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// DeleteEntries removes all entries of an upload.
func (s *GORMStore) DeleteEntries(ctx context.Context, uploadID string) error {
	return s.db.WithContext(ctx).
		Where("upload_id = ?", uploadID).
		Delete(&models.Entry{}).Error
}

// DeleteEntriesExcept removes all entries of an upload whose id is not in
// keep.
func (s *GORMStore) DeleteEntriesExcept(ctx context.Context, uploadID string, keep []string) error {
	q := s.db.WithContext(ctx).Where("upload_id = ?", uploadID)
	if len(keep) > 0 {
		q = q.Where("entry_id NOT IN ?", keep)
	}
	return q.Delete(&models.Entry{}).Error
}

// CountEntries computes the entry counters of an upload.
func (s *GORMStore) CountEntries(ctx context.Context, uploadID string) (models.UploadCounts, error) {
	var counts models.UploadCounts

	if err := s.db.WithContext(ctx).Model(&models.Entry{}).
		Where("upload_id = ?", uploadID).
		Count(&counts.TotalEntries).Error; err != nil {
		return counts, err
	}
	if err := s.db.WithContext(ctx).Model(&models.Entry{}).
		Where("upload_id = ? AND process_status = ?", uploadID, models.StatusSuccess).
		Count(&counts.ProcessedEntries).Error; err != nil {
		return counts, err
	}
	if err := s.db.WithContext(ctx).Model(&models.Entry{}).
		Where("upload_id = ? AND process_status = ?", uploadID, models.StatusFailure).
		Count(&counts.FailedEntries).Error; err != nil {
		return counts, err
	}
	if err := s.db.WithContext(ctx).Model(&models.Entry{}).
		Where("upload_id = ? AND process_status IN ?", uploadID, processingStatusValues()).
		Count(&counts.ProcessingEntries).Error; err != nil {
		return counts, err
	}
	return counts, nil
}

// SetEntriesPending transitions all given entries to PENDING with the given
// process name, clearing their previous results.
func (s *GORMStore) SetEntriesPending(ctx context.Context, entryIDs []string, process string) error {
	if len(entryIDs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Model(&models.Entry{}).
		Where("entry_id IN ?", entryIDs).
		Updates(map[string]any{
			"process_status":      models.StatusPending,
			"current_process":     process,
			"last_status_message": "",
			"errors":              nil,
			"warnings":            nil,
			"complete_time":       nil,
		}).Error
}

// SetEntryRunning transitions a PENDING entry process to RUNNING.
func (s *GORMStore) SetEntryRunning(ctx context.Context, entryID string) error {
	result := s.db.WithContext(ctx).Model(&models.Entry{}).
		Where("entry_id = ? AND process_status = ?", entryID, models.StatusPending).
		Update("process_status", models.StatusRunning)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrProcessNotRunning
	}
	return nil
}

// FinishEntryProcess ends the entry process with a terminal status.
func (s *GORMStore) FinishEntryProcess(ctx context.Context, entryID string, status models.ProcessStatus, procErrors, warnings []string) error {
	now := time.Now().UTC()
	message := string(status)
	if len(procErrors) > 0 {
		message = procErrors[0]
	}
	result := s.db.WithContext(ctx).Model(&models.Entry{}).
		Where("entry_id = ?", entryID).
		Updates(map[string]any{
			"process_status":      status,
			"current_process":     "",
			"last_status_message": message,
			"errors":              models.StringSlice(procErrors),
			"warnings":            models.StringSlice(warnings),
			"complete_time":       now,
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrEntryNotFound
	}
	return nil
}
