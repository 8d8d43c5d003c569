package store

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/nomad-lab/nomad-core/pkg/state/models"
)

// CreateUpload inserts a new upload.
func (s *GORMStore) CreateUpload(ctx context.Context, upload *models.Upload) error {
	if upload.ProcessStatus == "" {
		upload.ProcessStatus = models.StatusReady
	}
	return create(s.db, ctx, upload, models.ErrDuplicateUpload)
}

// GetUpload retrieves an upload by id.
func (s *GORMStore) GetUpload(ctx context.Context, uploadID string) (*models.Upload, error) {
	return getByField[models.Upload](s.db, ctx, "upload_id", uploadID, models.ErrUploadNotFound)
}

// SaveUpload persists all fields of the upload.
func (s *GORMStore) SaveUpload(ctx context.Context, upload *models.Upload) error {
	return s.db.WithContext(ctx).Save(upload).Error
}

// DeleteUpload removes the upload and all its entries in one transaction.
func (s *GORMStore) DeleteUpload(ctx context.Context, uploadID string) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("upload_id = ?", uploadID).Delete(&models.Entry{}).Error; err != nil {
			return err
		}
		result := tx.Where("upload_id = ?", uploadID).Delete(&models.Upload{})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return models.ErrUploadNotFound
		}
		return nil
	})
}

// ListUploads returns the uploads matching the query and the total count
// before pagination.
func (s *GORMStore) ListUploads(ctx context.Context, query UploadQuery) ([]*models.Upload, int64, error) {
	q := s.db.WithContext(ctx).Model(&models.Upload{})

	if query.MainAuthor != "" {
		q = q.Where("main_author = ?", query.MainAuthor)
	}
	if query.ProcessStatus != "" {
		q = q.Where("process_status = ?", query.ProcessStatus)
	}
	if query.Published != nil {
		q = q.Where("published = ?", *query.Published)
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	orderBy := query.OrderBy
	switch orderBy {
	case "", "upload_create_time":
		orderBy = "upload_create_time"
	case "publish_time":
	default:
		orderBy = "upload_create_time"
	}
	dir := "ASC"
	if query.Descending {
		dir = "DESC"
	}
	// Tie-break on upload_id so pages are stable under equal timestamps.
	q = q.Order(orderBy + " " + dir).Order("upload_id " + dir)

	if query.PageSize > 0 {
		page := query.Page
		if page < 1 {
			page = 1
		}
		q = q.Offset((page - 1) * query.PageSize).Limit(query.PageSize)
	}

	var uploads []*models.Upload
	if err := q.Find(&uploads).Error; err != nil {
		return nil, 0, err
	}
	return uploads, total, nil
}

// ProcessingUploads returns all uploads currently in a processing status.
func (s *GORMStore) ProcessingUploads(ctx context.Context) ([]*models.Upload, error) {
	var uploads []*models.Upload
	err := s.db.WithContext(ctx).
		Where("process_status IN ?", processingStatusValues()).
		Find(&uploads).Error
	if err != nil {
		return nil, err
	}
	return uploads, nil
}

func processingStatusValues() []string {
	values := make([]string, len(models.ProcessingStatuses))
	for i, s := range models.ProcessingStatuses {
		values[i] = string(s)
	}
	return values
}

// TryStartUploadProcess transitions the upload to PENDING with the given
// process name. The conditional update is the only guard against concurrent
// process starts, so it must stay a single statement.
func (s *GORMStore) TryStartUploadProcess(ctx context.Context, uploadID, process string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Upload{}).
		Where("upload_id = ?", uploadID).
		Where("process_status NOT IN ?", processingStatusValues()).
		Updates(map[string]any{
			"process_status":      models.StatusPending,
			"current_process":     process,
			"last_status_message": "",
			"errors":              nil,
			"warnings":            nil,
			"complete_time":       nil,
		})
	if result.Error != nil {
		return false, result.Error
	}
	if result.RowsAffected == 0 {
		// Distinguish a busy upload from a missing one.
		if _, err := s.GetUpload(ctx, uploadID); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// SetUploadRunning transitions a PENDING upload process to RUNNING.
func (s *GORMStore) SetUploadRunning(ctx context.Context, uploadID string) error {
	return s.setUploadStatus(ctx, uploadID, models.StatusPending, models.StatusRunning)
}

// SetUploadWaiting transitions a RUNNING upload process to WAITING_FOR_RESULT.
func (s *GORMStore) SetUploadWaiting(ctx context.Context, uploadID string) error {
	return s.setUploadStatus(ctx, uploadID, models.StatusRunning, models.StatusWaitingForResult)
}

func (s *GORMStore) setUploadStatus(ctx context.Context, uploadID string, from, to models.ProcessStatus) error {
	result := s.db.WithContext(ctx).Model(&models.Upload{}).
		Where("upload_id = ? AND process_status = ?", uploadID, from).
		Update("process_status", to)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return models.ErrProcessNotRunning
	}
	return nil
}

// FinishUploadProcess ends the current process with a terminal status.
func (s *GORMStore) FinishUploadProcess(ctx context.Context, uploadID string, status models.ProcessStatus, procErrors, warnings []string) error {
	now := time.Now().UTC()
	message := string(status)
	if len(procErrors) > 0 {
		message = procErrors[0]
	}
	result := s.db.WithContext(ctx).Model(&models.Upload{}).
		Where("upload_id = ?", uploadID).
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
		return models.ErrUploadNotFound
	}
	return nil
}

// ResetUploadJoined clears the join barrier flag.
func (s *GORMStore) ResetUploadJoined(ctx context.Context, uploadID string) error {
	return s.db.WithContext(ctx).Model(&models.Upload{}).
		Where("upload_id = ?", uploadID).
		Update("joined", false).Error
}

// TryJoinUpload atomically flips the join barrier flag from false to true.
// Exactly one caller per round observes RowsAffected == 1 and wins the join.
func (s *GORMStore) TryJoinUpload(ctx context.Context, uploadID string) (bool, error) {
	result := s.db.WithContext(ctx).Model(&models.Upload{}).
		Where("upload_id = ? AND joined = ?", uploadID, false).
		Update("joined", true)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}
