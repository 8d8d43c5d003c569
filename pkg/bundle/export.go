package bundle

import (
	"archive/zip"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/nomad-lab/nomad-core/internal/logger"
	"github.com/nomad-lab/nomad-core/pkg/files"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
)

// Target selects where an export goes. Exactly one of Writer, ZipPath and
// Dir must be set. Move only applies to directory targets and relocates
// the upload's files instead of copying them.
type Target struct {
	// Writer streams a zipped bundle, for direct HTTP responses.
	Writer io.Writer
	// ZipPath writes a zipped bundle file.
	ZipPath string
	// Dir writes an uncompressed bundle directory.
	Dir string
	// Move relocates files into Dir instead of copying.
	Move bool
}

func (t Target) validate() error {
	set := 0
	if t.Writer != nil {
		set++
	}
	if t.ZipPath != "" {
		set++
	}
	if t.Dir != "" {
		set++
	}
	if set != 1 {
		return errors.New("exactly one export target must be set")
	}
	if t.Move && t.Dir == "" {
		return errors.New("move requires a directory target")
	}
	return nil
}

// bundleFile is one member of a bundle besides the manifest.
type bundleFile struct {
	// name is the member path inside the bundle, slash separated.
	name string
	// abs is the source location on disk.
	abs string
	// packed members are already compressed and stored verbatim.
	packed bool
}

// Exporter writes upload bundles from the file store.
type Exporter struct {
	fstore *files.Store
	source SourceInfo
}

// NewExporter creates an exporter stamping bundles with the given source.
func NewExporter(fstore *files.Store, source SourceInfo) *Exporter {
	return &Exporter{fstore: fstore, source: source}
}

// Export writes the upload as a bundle. The caller provides the persisted
// upload, entry and dataset records; the exporter adds the files selected
// by the options.
func (e *Exporter) Export(upload *models.Upload, entries []*models.Entry, datasets []*models.Dataset, opts ExportOptions, target Target) error {
	if err := target.validate(); err != nil {
		return err
	}
	if !opts.IncludeDatasets {
		datasets = nil
	}

	info := &Info{
		UploadID:      upload.UploadID,
		Source:        e.source,
		ExportOptions: opts,
		Upload:        upload,
		Entries:       entries,
		Datasets:      datasets,
	}
	manifest, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return err
	}

	members, err := e.collectFiles(upload, opts)
	if err != nil {
		return err
	}
	logger.Info("exporting bundle",
		logger.UploadID(upload.UploadID), logger.Count(len(members)))

	switch {
	case target.Writer != nil:
		return writeZipBundle(target.Writer, manifest, members)
	case target.ZipPath != "":
		f, err := os.Create(target.ZipPath)
		if err != nil {
			return err
		}
		if err := writeZipBundle(f, manifest, members); err != nil {
			f.Close()
			os.Remove(target.ZipPath)
			return err
		}
		return f.Close()
	default:
		return writeDirBundle(target.Dir, manifest, members, target.Move)
	}
}

// collectFiles lists the bundle members for the upload's current area.
// Published uploads contribute their packed files, staging uploads the
// raw tree and the per-entry archives. Raw files always ship as the full
// public and restricted pair so that no access class can leak on its own.
func (e *Exporter) collectFiles(upload *models.Upload, opts ExportOptions) ([]bundleFile, error) {
	if upload.Published {
		return e.collectPublished(upload.UploadID, opts)
	}
	return e.collectStaging(upload.UploadID, opts)
}

func (e *Exporter) collectPublished(uploadID string, opts ExportOptions) ([]bundleFile, error) {
	pub := e.fstore.PublicFiles(uploadID)
	if !pub.Exists() {
		return nil, fmt.Errorf("upload %s has no public files", uploadID)
	}

	var members []bundleFile
	add := func(abs string) {
		if _, err := os.Stat(abs); err == nil {
			members = append(members, bundleFile{
				name:   filepath.Base(abs),
				abs:    abs,
				packed: true,
			})
		}
	}
	if opts.IncludeRawFiles {
		add(pub.RawZipPath(files.AccessPublic))
		add(pub.RawZipPath(files.AccessRestricted))
	}
	if opts.IncludeArchiveFiles {
		add(pub.ArchivePath(files.AccessPublic))
		add(pub.ArchivePath(files.AccessRestricted))
	}
	return members, nil
}

func (e *Exporter) collectStaging(uploadID string, opts ExportOptions) ([]bundleFile, error) {
	staging := e.fstore.StagingFiles(uploadID)

	var members []bundleFile
	if opts.IncludeRawFiles {
		infos, err := staging.RawDirectoryList("", true, true)
		if err != nil && err != files.ErrPathNotFound {
			return nil, err
		}
		for _, info := range infos {
			members = append(members, bundleFile{
				name: path.Join("raw", info.Path),
				abs:  filepath.Join(staging.RawDir(), filepath.FromSlash(info.Path)),
			})
		}
	}
	if opts.IncludeArchiveFiles {
		archives, err := os.ReadDir(staging.ArchiveDir())
		if err != nil && !os.IsNotExist(err) {
			return nil, err
		}
		for _, entry := range archives {
			if entry.IsDir() {
				continue
			}
			members = append(members, bundleFile{
				name:   path.Join("archive", entry.Name()),
				abs:    filepath.Join(staging.ArchiveDir(), entry.Name()),
				packed: true,
			})
		}
	}
	return members, nil
}

// writeZipBundle writes the manifest as the first member, then the files.
func writeZipBundle(w io.Writer, manifest []byte, members []bundleFile) error {
	zw := zip.NewWriter(w)

	infoMember, err := zw.CreateHeader(&zip.FileHeader{
		Name:   InfoFileName,
		Method: zip.Deflate,
	})
	if err != nil {
		return err
	}
	if _, err := infoMember.Write(manifest); err != nil {
		return err
	}

	for _, m := range members {
		method := zip.Deflate
		if m.packed {
			method = zip.Store
		}
		member, err := zw.CreateHeader(&zip.FileHeader{
			Name:   m.name,
			Method: method,
		})
		if err != nil {
			return err
		}
		f, err := os.Open(m.abs)
		if err != nil {
			return err
		}
		_, err = io.Copy(member, f)
		f.Close()
		if err != nil {
			return err
		}
	}
	return zw.Close()
}

// writeDirBundle materializes the bundle as a directory tree.
func writeDirBundle(dir string, manifest []byte, members []bundleFile, move bool) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	if err := os.WriteFile(filepath.Join(dir, InfoFileName), manifest, 0644); err != nil {
		return err
	}

	for _, m := range members {
		target := filepath.Join(dir, filepath.FromSlash(m.name))
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		if move {
			if err := os.Rename(m.abs, target); err == nil {
				continue
			}
			// Rename fails across filesystems; fall back to a copy.
		}
		if err := copyFile(m.abs, target); err != nil {
			return err
		}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(dst)
		return err
	}
	return out.Close()
}
