package controller

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/nomad-lab/nomad-core/internal/logger"
	"github.com/nomad-lab/nomad-core/pkg/bundle"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
	"github.com/nomad-lab/nomad-core/pkg/state/store"
)

// PublishExternally pushes an already published upload to the central
// deployment as a bundle. The transfer runs as a durable process.
func (c *Controller) PublishExternally(ctx context.Context, user *models.User, uploadID string, embargo *int) error {
	upload, err := c.getUploadForWrite(ctx, user, uploadID)
	if err != nil {
		return err
	}
	if !upload.Published {
		return models.ErrUploadNotPublished
	}
	if c.cfg.CentralURL == "" {
		return ErrNoCentralDeployment
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
	return c.scheduler.EnqueueUploadOp(ctx, uploadID, models.ProcessPublishExternal)
}

// runPublishExternally exports the upload and POSTs it to the central
// deployment. Runs on the scheduler's worker pool.
func (c *Controller) runPublishExternally(ctx context.Context, upload *models.Upload) error {
	entries, _, err := c.state.ListEntries(ctx, upload.UploadID, store.EntryQuery{})
	if err != nil {
		return err
	}
	datasets, err := c.entryDatasets(ctx, entries)
	if err != nil {
		return err
	}

	tmp, err := os.MkdirTemp("", "bundle-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(tmp)

	bundlePath := filepath.Join(tmp, upload.UploadID+".zip")
	opts := bundle.ExportOptions{
		IncludeRawFiles:     true,
		IncludeArchiveFiles: true,
		IncludeDatasets:     true,
	}
	if err := c.exporter.Export(upload, entries, datasets, opts, bundle.Target{ZipPath: bundlePath}); err != nil {
		return fmt.Errorf("failed to export bundle: %w", err)
	}

	f, err := os.Open(bundlePath)
	if err != nil {
		return err
	}
	defer f.Close()

	url := c.cfg.CentralURL + "/api/v1/uploads/bundle"
	req, err := retryablehttp.NewRequestWithContext(ctx, "POST", url, f)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/zip")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("failed to deliver bundle to central deployment: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("central deployment rejected the bundle: %s", resp.Status)
	}

	upload.PublishedExternally = true
	if err := c.state.SaveUpload(ctx, upload); err != nil {
		return err
	}
	logger.InfoCtx(ctx, "upload published to central deployment",
		logger.UploadID(upload.UploadID))
	return nil
}

// ExportBundle writes the upload as a bundle to the given target. The
// caller must be able to read the upload's restricted content.
func (c *Controller) ExportBundle(ctx context.Context, user *models.User, uploadID string, opts bundle.ExportOptions, target bundle.Target) error {
	upload, err := c.getUploadForRead(ctx, user, uploadID)
	if err != nil {
		return err
	}
	if upload.ProcessStatus.IsProcessing() {
		return models.ErrProcessAlreadyRunning
	}
	entries, _, err := c.state.ListEntries(ctx, uploadID, store.EntryQuery{})
	if err != nil {
		return err
	}
	var datasets []*models.Dataset
	if opts.IncludeDatasets {
		if datasets, err = c.entryDatasets(ctx, entries); err != nil {
			return err
		}
	}
	return c.exporter.Export(upload, entries, datasets, opts, target)
}

// ImportBundle reads a bundle into this deployment and indexes the
// imported entries. Only admins may import: bundles carry arbitrary
// authorship.
func (c *Controller) ImportBundle(ctx context.Context, user *models.User, path string, settings *bundle.ImportSettings) (*models.Upload, error) {
	if !user.IsAdmin() {
		return nil, models.ErrNotAuthorized
	}

	upload, err := c.importer.Import(ctx, path, settings)
	if err != nil {
		return nil, err
	}

	entries, _, err := c.state.ListEntries(ctx, upload.UploadID, store.EntryQuery{})
	if err != nil {
		return nil, err
	}
	if len(entries) > 0 {
		if err := c.gateway.Index(ctx, searchDocs(upload, entries), true); err != nil {
			return nil, err
		}
	}
	if err := c.gateway.Refresh(ctx); err != nil {
		return nil, err
	}
	return upload, nil
}

// entryDatasets collects the dataset records referenced by the entries.
func (c *Controller) entryDatasets(ctx context.Context, entries []*models.Entry) ([]*models.Dataset, error) {
	seen := make(map[string]bool)
	var datasets []*models.Dataset
	for _, e := range entries {
		for _, id := range e.Datasets {
			if seen[id] {
				continue
			}
			seen[id] = true
			ds, err := c.state.GetDataset(ctx, id)
			if err != nil {
				return nil, err
			}
			datasets = append(datasets, ds)
		}
	}
	return datasets, nil
}
