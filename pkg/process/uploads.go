package process

import (
	"context"

	"github.com/nomad-lab/nomad-core/internal/logger"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
	"github.com/nomad-lab/nomad-core/pkg/state/store"
)

// runPublishUpload packs an upload into the public area and marks it
// published. The controller validates the preconditions before enqueueing.
func (s *Scheduler) runPublishUpload(ctx context.Context, upload *models.Upload) error {
	if upload.Published {
		return models.ErrUploadPublished
	}
	entries, _, err := s.state.ListEntries(ctx, upload.UploadID, store.EntryQuery{})
	if err != nil {
		return err
	}
	if err := s.publishFiles(ctx, upload, entries); err != nil {
		return err
	}
	if err := s.indexUpload(ctx, upload, entries); err != nil {
		return err
	}
	if err := s.gateway.Refresh(ctx); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "upload published", logger.Count(len(entries)))
	return nil
}

// runDeleteUpload removes an upload from the search index, the file store
// and the state store.
func (s *Scheduler) runDeleteUpload(ctx context.Context, upload *models.Upload) error {
	if err := s.gateway.DeleteUpload(ctx, upload.UploadID); err != nil {
		return err
	}
	if err := s.gateway.Refresh(ctx); err != nil {
		return err
	}
	if err := s.fstore.DeleteUpload(upload.UploadID); err != nil {
		return err
	}
	if err := s.state.DeleteUpload(ctx, upload.UploadID); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "upload deleted")
	return nil
}
