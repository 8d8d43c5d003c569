package controller

import (
	"context"
	"fmt"
	"time"

	"github.com/nomad-lab/nomad-core/internal/ids"
	"github.com/nomad-lab/nomad-core/internal/logger"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
	"github.com/nomad-lab/nomad-core/pkg/state/store"
)

// CreateOptions parameterize a new upload.
type CreateOptions struct {
	UploadName      string
	PublishDirectly bool
	EmbargoLength   int
}

// Create persists a new empty upload in the staging area. Non-admin users
// are capped at the configured number of unpublished uploads.
func (c *Controller) Create(ctx context.Context, user *models.User, opts CreateOptions) (*models.Upload, error) {
	if err := validateEmbargo(opts.EmbargoLength); err != nil {
		return nil, err
	}
	if !user.IsAdmin() {
		unpublished := false
		_, total, err := c.state.ListUploads(ctx, store.UploadQuery{
			MainAuthor: user.ID,
			Published:  &unpublished,
		})
		if err != nil {
			return nil, err
		}
		if total >= int64(c.cfg.UploadLimit) {
			return nil, ErrUploadLimitExceeded
		}
	}

	upload := &models.Upload{
		UploadID:        ids.NewUploadID(),
		UploadName:      opts.UploadName,
		MainAuthor:      user.ID,
		PublishDirectly: opts.PublishDirectly,
		EmbargoLength:   opts.EmbargoLength,
	}
	if err := c.state.CreateUpload(ctx, upload); err != nil {
		return nil, err
	}
	if err := c.fstore.StagingFiles(upload.UploadID).EnsureDirs(); err != nil {
		return nil, err
	}
	logger.InfoCtx(ctx, "upload created",
		logger.UploadID(upload.UploadID), logger.UserID(user.ID))
	return upload, nil
}

// AddFiles merges the file or archive at source into the upload's raw
// tree and triggers processing. source is consumed when cleanup is set.
func (c *Controller) AddFiles(ctx context.Context, user *models.User, uploadID, source, targetDir string, cleanup bool) error {
	upload, err := c.getUploadForWrite(ctx, user, uploadID)
	if err != nil {
		return err
	}
	if upload.Published && !user.IsAdmin() {
		return models.ErrUploadPublished
	}
	if upload.ProcessStatus.IsProcessing() {
		return models.ErrProcessAlreadyRunning
	}
	if err := c.ensureStaging(ctx, upload); err != nil {
		return err
	}

	staging := c.fstore.StagingFiles(uploadID)
	if err := staging.AddRawFiles(source, targetDir, cleanup); err != nil {
		return err
	}
	return c.scheduler.EnqueueUploadOp(ctx, uploadID, models.ProcessUpload)
}

// DeleteFiles removes the raw file or directory at path and triggers
// processing to drop the affected entries.
func (c *Controller) DeleteFiles(ctx context.Context, user *models.User, uploadID, path string) error {
	upload, err := c.getUploadForWrite(ctx, user, uploadID)
	if err != nil {
		return err
	}
	if upload.Published {
		return models.ErrUploadPublished
	}
	if upload.ProcessStatus.IsProcessing() {
		return models.ErrProcessAlreadyRunning
	}

	staging := c.fstore.StagingFiles(uploadID)
	if err := staging.DeleteRawFiles(path); err != nil {
		return err
	}
	return c.scheduler.EnqueueUploadOp(ctx, uploadID, models.ProcessUpload)
}

// ensureStaging extracts a published upload back into staging when its
// staging area is gone.
func (c *Controller) ensureStaging(ctx context.Context, upload *models.Upload) error {
	if !upload.Published || c.fstore.StagingExists(upload.UploadID) {
		return nil
	}
	entries, _, err := c.state.ListEntries(ctx, upload.UploadID, store.EntryQuery{})
	if err != nil {
		return err
	}
	pub := c.fstore.PublicFiles(upload.UploadID)
	_, err = pub.ToStaging(packEntries(upload, entries))
	return err
}

// MetadataEdit is one metadata change request. Nil fields are untouched.
type MetadataEdit struct {
	UploadName       *string
	EmbargoLength    *int
	MainAuthor       *string
	UploadCreateTime *time.Time
}

// SetUploadMetadata edits the upload metadata under the process state
// machine. Non-admins may only rename unpublished uploads and shorten the
// embargo; author and timestamps are admin-only. Flipping the embargo
// state of a published upload repacks its files.
func (c *Controller) SetUploadMetadata(ctx context.Context, user *models.User, uploadID string, edit MetadataEdit) error {
	upload, err := c.getUploadForWrite(ctx, user, uploadID)
	if err != nil {
		return err
	}
	if err := c.validateEdit(ctx, user, upload, edit); err != nil {
		return err
	}

	started, err := c.state.TryStartUploadProcess(ctx, uploadID, models.ProcessEditMetadata)
	if err != nil {
		return err
	}
	if !started {
		return models.ErrProcessAlreadyRunning
	}
	if err := c.state.SetUploadRunning(ctx, uploadID); err != nil {
		return err
	}

	if err := c.applyEdit(ctx, upload, edit); err != nil {
		c.finish(ctx, uploadID, err)
		return err
	}
	c.finish(ctx, uploadID, nil)
	return nil
}

func (c *Controller) validateEdit(ctx context.Context, user *models.User, upload *models.Upload, edit MetadataEdit) error {
	if edit.EmbargoLength != nil {
		if err := validateEmbargo(*edit.EmbargoLength); err != nil {
			return err
		}
	}
	if user.IsAdmin() {
		if edit.MainAuthor != nil {
			if _, err := c.state.GetUser(ctx, *edit.MainAuthor); err != nil {
				return err
			}
		}
		return nil
	}

	if edit.MainAuthor != nil || edit.UploadCreateTime != nil {
		return ErrMetadataNotEditable
	}
	if edit.UploadName != nil && upload.Published {
		return fmt.Errorf("%w: name of a published upload", ErrMetadataNotEditable)
	}
	if edit.EmbargoLength != nil && *edit.EmbargoLength > upload.EmbargoLength {
		return fmt.Errorf("%w: embargo can only be shortened", ErrMetadataNotEditable)
	}
	return nil
}

// applyEdit persists the change, repacking and reindexing as needed.
func (c *Controller) applyEdit(ctx context.Context, upload *models.Upload, edit MetadataEdit) error {
	hadEmbargo := upload.WithEmbargo()

	if edit.UploadName != nil {
		upload.UploadName = *edit.UploadName
	}
	if edit.EmbargoLength != nil {
		upload.EmbargoLength = *edit.EmbargoLength
	}
	if edit.MainAuthor != nil {
		upload.MainAuthor = *edit.MainAuthor
	}
	if edit.UploadCreateTime != nil {
		upload.UploadCreateTime = *edit.UploadCreateTime
	}
	now := time.Now().UTC()
	upload.LastUpdate = &now
	if err := c.state.SaveUpload(ctx, upload); err != nil {
		return err
	}

	if upload.Published && upload.WithEmbargo() != hadEmbargo {
		if err := c.repack(ctx, upload); err != nil {
			return err
		}
	}
	return c.reindex(ctx, upload)
}

// repack redistributes the published files after an access change.
func (c *Controller) repack(ctx context.Context, upload *models.Upload) error {
	entries, _, err := c.state.ListEntries(ctx, upload.UploadID, store.EntryQuery{})
	if err != nil {
		return err
	}
	pub := c.fstore.PublicFiles(upload.UploadID)
	return pub.Repack(packEntries(upload, entries), c.cfg.AuxCutoff, true, pub)
}

func (c *Controller) finish(ctx context.Context, uploadID string, cause error) {
	status := models.StatusSuccess
	var procErrors []string
	if cause != nil {
		status = models.StatusFailure
		procErrors = []string{cause.Error()}
	}
	if err := c.state.FinishUploadProcess(ctx, uploadID, status, procErrors, nil); err != nil {
		logger.ErrorCtx(ctx, "failed to finish upload process", logger.Err(err))
	}
}

// Publish packs the upload into the immutable public area. An embargo can
// be set at publish time.
func (c *Controller) Publish(ctx context.Context, user *models.User, uploadID string, embargo *int) error {
	upload, err := c.getUploadForWrite(ctx, user, uploadID)
	if err != nil {
		return err
	}
	if upload.Published {
		return models.ErrUploadPublished
	}
	if upload.ProcessStatus == models.StatusFailure {
		return ErrLastProcessFailed
	}
	counts, err := c.state.CountEntries(ctx, uploadID)
	if err != nil {
		return err
	}
	if counts.ProcessedEntries == 0 {
		return ErrNoProcessedEntries
	}

	if embargo != nil {
		if err := validateEmbargo(*embargo); err != nil {
			return err
		}
		upload.EmbargoLength = *embargo
		if err := c.state.SaveUpload(ctx, upload); err != nil {
			return err
		}
	}
	return c.scheduler.EnqueueUploadOp(ctx, uploadID, models.ProcessPublish)
}

// Reprocess runs processing again. Published uploads are extracted back to
// staging first; only admins may trigger that.
func (c *Controller) Reprocess(ctx context.Context, user *models.User, uploadID string) error {
	upload, err := c.getUploadForWrite(ctx, user, uploadID)
	if err != nil {
		return err
	}
	if upload.Published && !user.IsAdmin() {
		return models.ErrNotAuthorized
	}
	return c.scheduler.EnqueueUploadOp(ctx, uploadID, models.ProcessUpload)
}

// Delete removes the upload, its entries, files and search documents.
// Published uploads may only be deleted by admins.
func (c *Controller) Delete(ctx context.Context, user *models.User, uploadID string) error {
	upload, err := c.getUploadForWrite(ctx, user, uploadID)
	if err != nil {
		return err
	}
	if upload.Published && !user.IsAdmin() {
		return models.ErrNotAuthorized
	}
	return c.scheduler.EnqueueUploadOp(ctx, uploadID, models.ProcessDelete)
}

// LiftEmbargo ends the embargo of a published upload: the restricted
// files move into the public access class and the index is updated.
func (c *Controller) LiftEmbargo(ctx context.Context, user *models.User, uploadID string) error {
	upload, err := c.getUploadForWrite(ctx, user, uploadID)
	if err != nil {
		return err
	}
	if !upload.Published {
		return models.ErrUploadNotPublished
	}
	if !upload.WithEmbargo() {
		return ErrNotEmbargoed
	}

	started, err := c.state.TryStartUploadProcess(ctx, uploadID, models.ProcessEditMetadata)
	if err != nil {
		return err
	}
	if !started {
		return models.ErrProcessAlreadyRunning
	}
	if err := c.state.SetUploadRunning(ctx, uploadID); err != nil {
		return err
	}

	zero := 0
	if err := c.applyEdit(ctx, upload, MetadataEdit{EmbargoLength: &zero}); err != nil {
		c.finish(ctx, uploadID, err)
		return err
	}
	c.finish(ctx, uploadID, nil)
	logger.InfoCtx(ctx, "embargo lifted", logger.UploadID(uploadID))
	return nil
}

// ListUploads returns the uploads visible to the user.
func (c *Controller) ListUploads(ctx context.Context, user *models.User, query store.UploadQuery) ([]*models.Upload, int64, error) {
	if !user.IsAdmin() {
		query.MainAuthor = user.ID
	}
	return c.state.ListUploads(ctx, query)
}

// GetUpload returns one upload with access checks applied.
func (c *Controller) GetUpload(ctx context.Context, user *models.User, uploadID string) (*models.Upload, error) {
	upload, err := c.state.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	// Published uploads are public metadata; unpublished ones are only
	// visible to their viewers.
	if !upload.Published && !user.IsAdmin() && !upload.IsViewer(user.ID) {
		return nil, models.ErrNotAuthorized
	}
	return upload, nil
}
