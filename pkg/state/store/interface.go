package store

import (
	"context"

	"github.com/nomad-lab/nomad-core/pkg/state/models"
)

// UploadQuery filters and paginates upload listings.
type UploadQuery struct {
	// MainAuthor restricts results to uploads of one user.
	MainAuthor string
	// ProcessStatus restricts results to one status.
	ProcessStatus models.ProcessStatus
	// Published restricts results to published (true) or staging (false)
	// uploads when set.
	Published *bool
	// OrderBy is "upload_create_time" (default) or "publish_time". Ties are
	// broken by upload_id so pagination is stable.
	OrderBy string
	// Descending reverses the sort order.
	Descending bool
	// Page is the 1-based page number; 0 means first page.
	Page int
	// PageSize limits the result; 0 means no limit.
	PageSize int
}

// EntryQuery paginates entry listings within one upload.
type EntryQuery struct {
	Page     int
	PageSize int
}

// Store is the persistence interface of the processing state. All mutating
// status transitions are compare-and-swap operations so that concurrent
// workers observe the single-process-per-document invariant.
type Store interface {
	// ------------------------------------------------------------------
	// Uploads
	// ------------------------------------------------------------------

	// CreateUpload inserts a new upload. Returns models.ErrDuplicateUpload
	// if the id is taken.
	CreateUpload(ctx context.Context, upload *models.Upload) error

	// GetUpload retrieves an upload by id. Returns models.ErrUploadNotFound
	// if it does not exist.
	GetUpload(ctx context.Context, uploadID string) (*models.Upload, error)

	// SaveUpload persists all fields of the upload.
	SaveUpload(ctx context.Context, upload *models.Upload) error

	// DeleteUpload removes the upload and all its entries.
	DeleteUpload(ctx context.Context, uploadID string) error

	// ListUploads returns the uploads matching the query and the total
	// count before pagination.
	ListUploads(ctx context.Context, query UploadQuery) ([]*models.Upload, int64, error)

	// ProcessingUploads returns all uploads whose status is one of the
	// processing statuses. Used to resurrect interrupted processes after a
	// restart.
	ProcessingUploads(ctx context.Context) ([]*models.Upload, error)

	// ------------------------------------------------------------------
	// Upload process state
	// ------------------------------------------------------------------

	// TryStartUploadProcess transitions the upload to PENDING with the
	// given process name, clearing errors, warnings and complete time. It
	// returns false without error when another process is running.
	TryStartUploadProcess(ctx context.Context, uploadID, process string) (bool, error)

	// SetUploadRunning transitions a PENDING upload process to RUNNING.
	SetUploadRunning(ctx context.Context, uploadID string) error

	// SetUploadWaiting transitions a RUNNING upload process to
	// WAITING_FOR_RESULT while its entries process.
	SetUploadWaiting(ctx context.Context, uploadID string) error

	// FinishUploadProcess ends the current process with the given terminal
	// status, recording errors and warnings and the completion time.
	FinishUploadProcess(ctx context.Context, uploadID string, status models.ProcessStatus, procErrors, warnings []string) error

	// ResetUploadJoined clears the join barrier flag before entry
	// processing is dispatched.
	ResetUploadJoined(ctx context.Context, uploadID string) error

	// TryJoinUpload atomically flips the join barrier flag from false to
	// true. Exactly one caller per processing round wins and receives true.
	TryJoinUpload(ctx context.Context, uploadID string) (bool, error)

	// ------------------------------------------------------------------
	// Entries
	// ------------------------------------------------------------------

	// UpsertEntries inserts or updates the given entries in one batch.
	UpsertEntries(ctx context.Context, entries []*models.Entry) error

	// GetEntry retrieves an entry by id. Returns models.ErrEntryNotFound if
	// it does not exist.
	GetEntry(ctx context.Context, entryID string) (*models.Entry, error)

	// ListEntries returns the entries of an upload ordered by mainfile and
	// the total count before pagination.
	ListEntries(ctx context.Context, uploadID string, query EntryQuery) ([]*models.Entry, int64, error)

	// DeleteEntries removes all entries of an upload.
	DeleteEntries(ctx context.Context, uploadID string) error

	// DeleteEntriesExcept removes all entries of an upload whose id is not
	// in keep. Used to drop stale entries after re-matching.
	DeleteEntriesExcept(ctx context.Context, uploadID string, keep []string) error

	// CountEntries computes the entry counters of an upload.
	CountEntries(ctx context.Context, uploadID string) (models.UploadCounts, error)

	// ------------------------------------------------------------------
	// Entry process state
	// ------------------------------------------------------------------

	// SetEntriesPending transitions all given entries to PENDING with the
	// given process name, clearing their previous results.
	SetEntriesPending(ctx context.Context, entryIDs []string, process string) error

	// SetEntryRunning transitions a PENDING entry process to RUNNING.
	SetEntryRunning(ctx context.Context, entryID string) error

	// FinishEntryProcess ends the entry process with the given terminal
	// status.
	FinishEntryProcess(ctx context.Context, entryID string, status models.ProcessStatus, procErrors, warnings []string) error

	// ------------------------------------------------------------------
	// Users (read-mostly directory)
	// ------------------------------------------------------------------

	// CreateUser inserts a user record.
	CreateUser(ctx context.Context, user *models.User) error

	// GetUser retrieves a user by id. Returns models.ErrUserNotFound if the
	// user does not exist.
	GetUser(ctx context.Context, userID string) (*models.User, error)

	// GetUserByUsername retrieves a user by username.
	GetUserByUsername(ctx context.Context, username string) (*models.User, error)

	// ------------------------------------------------------------------
	// Datasets
	// ------------------------------------------------------------------

	// CreateDataset inserts a dataset record.
	CreateDataset(ctx context.Context, dataset *models.Dataset) error

	// GetDataset retrieves a dataset by id. Returns
	// models.ErrDatasetNotFound if it does not exist.
	GetDataset(ctx context.Context, datasetID string) (*models.Dataset, error)

	// GetDatasetByUserAndName retrieves a dataset by owner and name.
	GetDatasetByUserAndName(ctx context.Context, userID, name string) (*models.Dataset, error)

	// GetDatasetsByName retrieves all datasets with the given name,
	// regardless of owner. Used to detect name conflicts during bundle
	// import.
	GetDatasetsByName(ctx context.Context, name string) ([]*models.Dataset, error)

	// DeleteDataset removes a dataset record.
	DeleteDataset(ctx context.Context, datasetID string) error

	// Close releases the underlying database resources.
	Close() error
}

// compile-time check
var _ Store = (*GORMStore)(nil)
