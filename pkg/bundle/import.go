package bundle

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/natefinch/atomic"
	"golang.org/x/mod/semver"

	"github.com/nomad-lab/nomad-core/internal/ids"
	"github.com/nomad-lab/nomad-core/internal/logger"
	"github.com/nomad-lab/nomad-core/pkg/files"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
	"github.com/nomad-lab/nomad-core/pkg/state/store"
)

// timestampTolerance is how far in the future bundle timestamps may lie
// before they are rejected as clock skew or tampering.
const timestampTolerance = 2 * time.Minute

// ImportSettings control one import. They default from the configuration
// and can be overridden per call.
type ImportSettings struct {
	// IncludeRawFiles requires and imports the raw files.
	IncludeRawFiles bool `mapstructure:"include_raw_files" yaml:"include_raw_files"`
	// IncludeArchiveFiles requires and imports the archive files.
	IncludeArchiveFiles bool `mapstructure:"include_archive_files" yaml:"include_archive_files"`
	// IncludeDatasets requires and imports the dataset records.
	IncludeDatasets bool `mapstructure:"include_datasets" yaml:"include_datasets"`
	// KeepOriginalTimestamps preserves create and publish times from the
	// source deployment.
	KeepOriginalTimestamps bool `mapstructure:"keep_original_timestamps" yaml:"keep_original_timestamps"`
	// DeleteUploadOnFail rolls back everything created when an import
	// fails after the checks.
	DeleteUploadOnFail bool `mapstructure:"delete_upload_on_fail" yaml:"delete_upload_on_fail"`
	// EmbargoLength overrides the embargo period of the imported upload.
	EmbargoLength *int `mapstructure:"embargo_length" yaml:"embargo_length"`
}

// ImportConfig is the bundle import gate.
type ImportConfig struct {
	// RequiredNomadVersion is the minimum source version accepted.
	RequiredNomadVersion string `mapstructure:"required_nomad_version" yaml:"required_nomad_version"`
	// AllowBundlesFromOasis accepts bundles from other deployments.
	AllowBundlesFromOasis bool `mapstructure:"allow_bundles_from_oasis" yaml:"allow_bundles_from_oasis"`
	// AllowUnpublishedBundlesFromOasis additionally accepts unpublished
	// uploads from other deployments.
	AllowUnpublishedBundlesFromOasis bool `mapstructure:"allow_unpublished_bundles_from_oasis" yaml:"allow_unpublished_bundles_from_oasis"`
	// DefaultSettings apply when the caller passes none.
	DefaultSettings ImportSettings `mapstructure:"default_settings" yaml:"default_settings"`
}

// ApplyDefaults fills in the default import settings.
func (c *ImportConfig) ApplyDefaults() {
	d := &c.DefaultSettings
	if !d.IncludeRawFiles && !d.IncludeArchiveFiles {
		d.IncludeRawFiles = true
		d.IncludeArchiveFiles = true
		d.IncludeDatasets = true
		d.KeepOriginalTimestamps = true
		d.DeleteUploadOnFail = true
	}
}

// Importer reads upload bundles into the state and file stores.
type Importer struct {
	state  store.Store
	fstore *files.Store
	cfg    ImportConfig
	local  SourceInfo
}

// NewImporter creates an importer for this deployment.
func NewImporter(state store.Store, fstore *files.Store, cfg ImportConfig, local SourceInfo) *Importer {
	cfg.ApplyDefaults()
	return &Importer{state: state, fstore: fstore, cfg: cfg, local: local}
}

// Import reads the bundle at path (a zip file or a directory) and creates
// the upload, its entries, datasets and files. On failure after the upload
// row exists, everything created is rolled back when DeleteUploadOnFail is
// set.
func (i *Importer) Import(ctx context.Context, path string, settings *ImportSettings) (*models.Upload, error) {
	if settings == nil {
		s := i.cfg.DefaultSettings
		settings = &s
	}

	src, err := openSource(path)
	if err != nil {
		return nil, err
	}
	defer src.close()

	info, err := src.readInfo()
	if err != nil {
		return nil, err
	}
	if err := i.check(ctx, info, settings); err != nil {
		return nil, err
	}

	translate, newDatasets, err := i.resolveDatasets(ctx, info)
	if err != nil {
		return nil, err
	}

	upload := i.prepareUpload(info, settings)
	if err := i.state.CreateUpload(ctx, upload); err != nil {
		return nil, err
	}

	var createdDatasets []string
	fail := func(cause error) (*models.Upload, error) {
		if !settings.DeleteUploadOnFail {
			logger.Warn("bundle import failed, retaining upload",
				logger.UploadID(upload.UploadID), logger.Err(cause))
			return nil, cause
		}
		if err := i.state.DeleteUpload(ctx, upload.UploadID); err != nil {
			logger.Error("bundle import rollback failed", logger.Err(err))
		}
		if err := i.fstore.DeleteUpload(upload.UploadID); err != nil {
			logger.Error("bundle import rollback failed", logger.Err(err))
		}
		for _, id := range createdDatasets {
			if err := i.state.DeleteDataset(ctx, id); err != nil {
				logger.Error("bundle import rollback failed", logger.Err(err))
			}
		}
		return nil, cause
	}

	if settings.IncludeDatasets {
		for _, ds := range newDatasets {
			if err := i.state.CreateDataset(ctx, ds); err != nil {
				return fail(err)
			}
			createdDatasets = append(createdDatasets, ds.DatasetID)
		}
	}

	entries := i.prepareEntries(info, settings, translate)
	if len(entries) > 0 {
		if err := i.state.UpsertEntries(ctx, entries); err != nil {
			return fail(err)
		}
	}

	if err := i.importFiles(src, upload, settings); err != nil {
		return fail(err)
	}

	logger.Info("bundle imported", logger.UploadID(upload.UploadID),
		logger.Count(len(entries)))
	return upload, nil
}

// check runs the sanity checks before anything is created.
func (i *Importer) check(ctx context.Context, info *Info, settings *ImportSettings) error {
	if err := info.validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}

	foreign := info.Source.DeploymentID != i.local.DeploymentID
	if foreign {
		if !i.cfg.AllowBundlesFromOasis {
			return ErrImportNotAllowed
		}
		if !info.Upload.Published && !i.cfg.AllowUnpublishedBundlesFromOasis {
			return fmt.Errorf("%w: unpublished uploads are not accepted", ErrImportNotAllowed)
		}
	}

	if min := i.cfg.RequiredNomadVersion; min != "" {
		if semver.Compare(canonicalVersion(info.Source.Version), canonicalVersion(min)) < 0 {
			return fmt.Errorf("%w: %s < %s", ErrVersionTooOld, info.Source.Version, min)
		}
	}

	opts := info.ExportOptions
	switch {
	case settings.IncludeRawFiles && !opts.IncludeRawFiles:
		return fmt.Errorf("%w: raw files", ErrMissingContent)
	case settings.IncludeArchiveFiles && !opts.IncludeArchiveFiles:
		return fmt.Errorf("%w: archive files", ErrMissingContent)
	case settings.IncludeDatasets && !opts.IncludeDatasets:
		return fmt.Errorf("%w: datasets", ErrMissingContent)
	}

	if err := i.checkUsers(ctx, info); err != nil {
		return err
	}
	if err := checkTimestamps(info); err != nil {
		return err
	}

	for _, e := range info.Entries {
		if e.EntryID != ids.EntryID(info.UploadID, e.Mainfile) {
			return fmt.Errorf("%w: entry id of %s does not match its mainfile",
				ErrInvalidBundle, e.Mainfile)
		}
		if e.ProcessStatus.IsProcessing() {
			return fmt.Errorf("%w: entry %s is marked processing",
				ErrInvalidBundle, e.EntryID)
		}
	}
	return nil
}

// checkUsers resolves every referenced user id against the directory.
func (i *Importer) checkUsers(ctx context.Context, info *Info) error {
	seen := make(map[string]bool)
	resolve := func(userID string) error {
		if userID == "" || seen[userID] {
			return nil
		}
		seen[userID] = true
		if _, err := i.state.GetUser(ctx, userID); err != nil {
			return fmt.Errorf("%w: unknown user %s", ErrInvalidBundle, userID)
		}
		return nil
	}

	u := info.Upload
	userIDs := append([]string{u.MainAuthor}, u.Coauthors...)
	userIDs = append(userIDs, u.Reviewers...)
	for _, e := range info.Entries {
		userIDs = append(userIDs, e.EntryCoauthors...)
	}
	for _, ds := range info.Datasets {
		userIDs = append(userIDs, ds.UserID)
	}
	for _, id := range userIDs {
		if err := resolve(id); err != nil {
			return err
		}
	}
	return nil
}

// checkTimestamps rejects timestamps from the future beyond clock skew.
func checkTimestamps(info *Info) error {
	limit := time.Now().Add(timestampTolerance)
	check := func(what string, t *time.Time) error {
		if t != nil && t.After(limit) {
			return fmt.Errorf("%w: %s lies in the future", ErrInvalidBundle, what)
		}
		return nil
	}

	u := info.Upload
	if err := check("upload_create_time", &u.UploadCreateTime); err != nil {
		return err
	}
	for _, t := range []*time.Time{u.PublishTime, u.LastUpdate, u.CompleteTime} {
		if err := check("upload timestamp", t); err != nil {
			return err
		}
	}
	for _, e := range info.Entries {
		if err := check("entry_create_time", &e.EntryCreateTime); err != nil {
			return err
		}
		if err := check("entry timestamp", e.CompleteTime); err != nil {
			return err
		}
	}
	return nil
}

// resolveDatasets matches bundled datasets against existing ones by name.
// A dataset of the same name is reused when its owner matches and rejected
// otherwise. The returned map translates bundled dataset ids to local ones.
func (i *Importer) resolveDatasets(ctx context.Context, info *Info) (map[string]string, []*models.Dataset, error) {
	translate := make(map[string]string, len(info.Datasets))
	var create []*models.Dataset

	for _, ds := range info.Datasets {
		existing, err := i.state.GetDatasetsByName(ctx, ds.DatasetName)
		if err != nil {
			return nil, nil, err
		}
		resolved := false
		for _, ex := range existing {
			if ex.UserID != ds.UserID {
				return nil, nil, fmt.Errorf(
					"%w: dataset %q exists with a different owner",
					ErrInvalidBundle, ds.DatasetName)
			}
			translate[ds.DatasetID] = ex.DatasetID
			resolved = true
		}
		if !resolved {
			clone := *ds
			translate[ds.DatasetID] = clone.DatasetID
			create = append(create, &clone)
		}
	}
	return translate, create, nil
}

// prepareUpload builds the local upload row from the bundled record.
func (i *Importer) prepareUpload(info *Info, settings *ImportSettings) *models.Upload {
	upload := *info.Upload
	upload.ProcessStatus = models.StatusSuccess
	upload.CurrentProcess = models.ProcessImportBundle
	upload.Errors = nil
	upload.Warnings = nil

	if settings.EmbargoLength != nil {
		upload.EmbargoLength = *settings.EmbargoLength
	}
	if !settings.KeepOriginalTimestamps {
		now := time.Now().UTC()
		upload.UploadCreateTime = now
		upload.LastUpdate = &now
		if upload.Published {
			upload.PublishTime = &now
		}
	}
	return &upload
}

// prepareEntries builds the local entry rows, translating dataset ids.
func (i *Importer) prepareEntries(info *Info, settings *ImportSettings, translate map[string]string) []*models.Entry {
	now := time.Now().UTC()
	entries := make([]*models.Entry, 0, len(info.Entries))
	for _, bundled := range info.Entries {
		entry := *bundled
		if !settings.KeepOriginalTimestamps {
			entry.EntryCreateTime = now
		}
		if len(entry.Datasets) > 0 {
			translated := make(models.StringSlice, 0, len(entry.Datasets))
			for _, id := range entry.Datasets {
				if local, ok := translate[id]; ok {
					translated = append(translated, local)
				}
			}
			entry.Datasets = translated
		}
		entries = append(entries, &entry)
	}
	return entries
}

// importFiles copies the bundle's file members into the upload's area:
// packed files into public for published uploads, the raw tree and entry
// archives into staging otherwise.
func (i *Importer) importFiles(src bundleSource, upload *models.Upload, settings *ImportSettings) error {
	if !settings.IncludeRawFiles && !settings.IncludeArchiveFiles {
		return nil
	}

	if upload.Published {
		pub := i.fstore.PublicFiles(upload.UploadID)
		if err := os.MkdirAll(pub.BaseDir(), 0755); err != nil {
			return err
		}
		var targets []string
		if settings.IncludeRawFiles {
			targets = append(targets,
				pub.RawZipPath(files.AccessPublic),
				pub.RawZipPath(files.AccessRestricted))
		}
		if settings.IncludeArchiveFiles {
			targets = append(targets,
				pub.ArchivePath(files.AccessPublic),
				pub.ArchivePath(files.AccessRestricted))
		}
		for _, target := range targets {
			if err := i.copyMember(src, filepath.Base(target), target); err != nil {
				return err
			}
		}
		return nil
	}

	staging := i.fstore.StagingFiles(upload.UploadID)
	if err := staging.EnsureDirs(); err != nil {
		return err
	}
	copyTree := func(prefix, targetDir string) error {
		names, err := src.list(prefix)
		if err != nil {
			return err
		}
		for _, name := range names {
			// Member names come from the bundle; a crafted name must not
			// escape the upload area.
			rel := name[len(prefix):]
			if !files.IsSafeRelativePath(rel) {
				return fmt.Errorf("%w: unsafe member path %s", ErrInvalidBundle, name)
			}
			target := filepath.Join(targetDir, filepath.FromSlash(rel))
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			if err := i.copyMember(src, name, target); err != nil {
				return err
			}
		}
		return nil
	}
	if settings.IncludeRawFiles {
		if err := copyTree("raw/", staging.RawDir()); err != nil {
			return err
		}
	}
	if settings.IncludeArchiveFiles {
		if err := copyTree("archive/", staging.ArchiveDir()); err != nil {
			return err
		}
	}
	return nil
}

func (i *Importer) copyMember(src bundleSource, name, target string) error {
	rc, err := src.open(name)
	if err != nil {
		return fmt.Errorf("%w: missing member %s", ErrMissingContent, name)
	}
	defer rc.Close()
	return atomic.WriteFile(target, rc)
}

// canonicalVersion maps a plain version string onto semver syntax.
func canonicalVersion(v string) string {
	if v == "" {
		return "v0.0.0"
	}
	if v[0] != 'v' {
		v = "v" + v
	}
	if !semver.IsValid(v) {
		return "v0.0.0"
	}
	return v
}
