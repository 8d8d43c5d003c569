// Package controller implements the public upload operations: creating
// uploads, adding and deleting files, editing metadata, publishing,
// reprocessing, deleting, bundle transfer and embargo management. The
// controller validates callers and preconditions, then either performs
// the change synchronously under the process state machine or hands it to
// the scheduler as a durable job.
package controller

import (
	"context"
	"errors"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/nomad-lab/nomad-core/pkg/bundle"
	"github.com/nomad-lab/nomad-core/pkg/files"
	"github.com/nomad-lab/nomad-core/pkg/process"
	"github.com/nomad-lab/nomad-core/pkg/search"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
	"github.com/nomad-lab/nomad-core/pkg/state/store"
)

// maxEmbargoMonths bounds the embargo period.
const maxEmbargoMonths = 36

var (
	// ErrUploadLimitExceeded is returned when a user already owns the
	// maximum number of unpublished uploads.
	ErrUploadLimitExceeded = errors.New("unpublished upload limit exceeded")
	// ErrInvalidEmbargo is returned for embargo periods outside 0..36
	// months.
	ErrInvalidEmbargo = errors.New("embargo length must be between 0 and 36 months")
	// ErrNoProcessedEntries is returned when publishing an upload without
	// any successfully processed entry.
	ErrNoProcessedEntries = errors.New("upload has no successfully processed entries")
	// ErrLastProcessFailed is returned when publishing an upload whose
	// last process failed.
	ErrLastProcessFailed = errors.New("the last processing of the upload failed")
	// ErrNoCentralDeployment is returned when external publishing is
	// requested without a configured central deployment.
	ErrNoCentralDeployment = errors.New("no central deployment is configured")
	// ErrMetadataNotEditable is returned when a caller tries to edit
	// metadata outside their role.
	ErrMetadataNotEditable = errors.New("metadata field is not editable by this user")
	// ErrNotEmbargoed is returned when lifting the embargo of an upload
	// that has none.
	ErrNotEmbargoed = errors.New("upload is not under embargo")
)

// Config holds the controller limits and the central deployment address.
type Config struct {
	// UploadLimit caps the unpublished uploads per non-admin user.
	UploadLimit int `mapstructure:"upload_limit" yaml:"upload_limit"`
	// AuxCutoff bounds the aux files per entry during packing.
	AuxCutoff int `mapstructure:"auxfile_cutoff" yaml:"auxfile_cutoff"`
	// CentralURL is the base URL of the central deployment for external
	// publishing. Empty disables the operation.
	CentralURL string `mapstructure:"central_nomad_url" yaml:"central_nomad_url"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.UploadLimit == 0 {
		c.UploadLimit = 10
	}
	if c.AuxCutoff == 0 {
		c.AuxCutoff = 100
	}
}

// Controller exposes the upload operations.
type Controller struct {
	state     store.Store
	fstore    *files.Store
	scheduler *process.Scheduler
	gateway   search.Gateway
	exporter  *bundle.Exporter
	importer  *bundle.Importer
	http      *retryablehttp.Client
	cfg       Config
}

// New wires a controller and registers its scheduler-run processes.
func New(state store.Store, fstore *files.Store, scheduler *process.Scheduler, gateway search.Gateway, exporter *bundle.Exporter, importer *bundle.Importer, cfg Config) *Controller {
	cfg.ApplyDefaults()
	httpClient := retryablehttp.NewClient()
	httpClient.Logger = nil

	c := &Controller{
		state:     state,
		fstore:    fstore,
		scheduler: scheduler,
		gateway:   gateway,
		exporter:  exporter,
		importer:  importer,
		http:      httpClient,
		cfg:       cfg,
	}
	scheduler.RegisterRunner(models.ProcessPublishExternal, c.runPublishExternally)
	return c
}

// getUploadForWrite loads the upload and checks write access.
func (c *Controller) getUploadForWrite(ctx context.Context, user *models.User, uploadID string) (*models.Upload, error) {
	upload, err := c.state.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if !user.IsAdmin() && !upload.IsWriter(user.ID) {
		return nil, models.ErrNotAuthorized
	}
	return upload, nil
}

// getUploadForRead loads the upload and checks read access to its
// restricted content.
func (c *Controller) getUploadForRead(ctx context.Context, user *models.User, uploadID string) (*models.Upload, error) {
	upload, err := c.state.GetUpload(ctx, uploadID)
	if err != nil {
		return nil, err
	}
	if !user.IsAdmin() && !upload.IsViewer(user.ID) {
		return nil, models.ErrNotAuthorized
	}
	return upload, nil
}

func validateEmbargo(months int) error {
	if months < 0 || months > maxEmbargoMonths {
		return ErrInvalidEmbargo
	}
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

// searchDocs builds the indexable projections for all entries.
func searchDocs(upload *models.Upload, entries []*models.Entry) []search.EntryDoc {
	docs := make([]search.EntryDoc, 0, len(entries))
	for _, e := range entries {
		docs = append(docs, search.EntryDoc{
			EntryID:         e.EntryID,
			UploadID:        upload.UploadID,
			UploadName:      upload.UploadName,
			Mainfile:        e.Mainfile,
			ParserName:      e.ParserName,
			MainAuthor:      upload.MainAuthor,
			Published:       upload.Published,
			WithEmbargo:     upload.WithEmbargo(),
			ProcessStatus:   string(e.ProcessStatus),
			EntryCreateTime: e.EntryCreateTime,
			PublishTime:     upload.PublishTime,
		})
	}
	return docs
}

// reindex refreshes the search documents of the upload.
func (c *Controller) reindex(ctx context.Context, upload *models.Upload) error {
	entries, _, err := c.state.ListEntries(ctx, upload.UploadID, store.EntryQuery{})
	if err != nil {
		return err
	}
	if len(entries) > 0 {
		if err := c.gateway.Update(ctx, searchDocs(upload, entries)); err != nil {
			return err
		}
	}
	return c.gateway.Refresh(ctx)
}
