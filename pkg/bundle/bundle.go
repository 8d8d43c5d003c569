// Package bundle implements the portable upload bundle format used to move
// uploads between deployments: a zip file or directory holding
// bundle_info.json, the raw files and the archive files of one upload.
package bundle

import (
	"errors"

	"github.com/nomad-lab/nomad-core/pkg/state/models"
)

// InfoFileName is the name of the bundle manifest. In zipped bundles it
// must be the first readable member so that readers can validate a bundle
// without scanning the whole file.
const InfoFileName = "bundle_info.json"

var (
	// ErrInvalidBundle marks bundles whose manifest is missing, malformed
	// or incomplete.
	ErrInvalidBundle = errors.New("invalid bundle")
	// ErrVersionTooOld is returned when the exporting deployment is older
	// than the configured minimum.
	ErrVersionTooOld = errors.New("bundle source version is too old")
	// ErrMissingContent is returned when requested content is not present
	// in the bundle.
	ErrMissingContent = errors.New("bundle does not contain the requested content")
	// ErrImportNotAllowed is returned when the import gate rejects the
	// bundle's source deployment.
	ErrImportNotAllowed = errors.New("bundle import not allowed from this source")
)

// SourceInfo identifies the deployment a bundle was exported from.
type SourceInfo struct {
	Version      string `json:"version"`
	Commit       string `json:"commit,omitempty"`
	Deployment   string `json:"deployment,omitempty"`
	DeploymentID string `json:"deployment_id,omitempty"`
}

// ExportOptions records which content classes a bundle carries.
type ExportOptions struct {
	IncludeRawFiles     bool `json:"include_raw_files"`
	IncludeArchiveFiles bool `json:"include_archive_files"`
	IncludeDatasets     bool `json:"include_datasets"`
}

// Info is the content of bundle_info.json: the full upload and entry
// records plus enough context to validate the bundle on import.
type Info struct {
	UploadID      string            `json:"upload_id"`
	Source        SourceInfo        `json:"source"`
	ExportOptions ExportOptions     `json:"export_options"`
	Upload        *models.Upload    `json:"upload"`
	Entries       []*models.Entry   `json:"entries"`
	Datasets      []*models.Dataset `json:"datasets,omitempty"`
}

// validate checks the manifest for the required keys.
func (i *Info) validate() error {
	switch {
	case i.UploadID == "":
		return errors.New("bundle_info has no upload_id")
	case i.Source.Version == "":
		return errors.New("bundle_info has no source version")
	case i.Upload == nil:
		return errors.New("bundle_info has no upload record")
	case i.Upload.UploadID != i.UploadID:
		return errors.New("bundle_info upload record does not match upload_id")
	case i.Entries == nil:
		return errors.New("bundle_info has no entries list")
	}
	for _, e := range i.Entries {
		if e.EntryID == "" || e.Mainfile == "" || e.UploadID != i.UploadID {
			return errors.New("bundle_info has a malformed entry record")
		}
	}
	return nil
}
