package files

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"

	"github.com/gabriel-vasile/mimetype"

	"github.com/nomad-lab/nomad-core/internal/ids"
	"github.com/nomad-lab/nomad-core/pkg/archive"
)

// frozenSentinel is written when packing begins. A frozen staging area
// refuses all raw file modifications.
const frozenSentinel = ".frozen"

// StagingFiles is the mutable file area of an unpublished (or reprocessing)
// upload. Raw files live under raw/, per-entry archives under archive/.
type StagingFiles struct {
	store    *Store
	uploadID string
	base     string
}

// UploadID returns the id of the owning upload.
func (s *StagingFiles) UploadID() string { return s.uploadID }

// BaseDir returns the root directory of the staging area.
func (s *StagingFiles) BaseDir() string { return s.base }

// RawDir returns the raw file directory.
func (s *StagingFiles) RawDir() string { return filepath.Join(s.base, "raw") }

// ArchiveDir returns the per-entry archive directory.
func (s *StagingFiles) ArchiveDir() string { return filepath.Join(s.base, "archive") }

// EnsureDirs creates the staging directory structure.
func (s *StagingFiles) EnsureDirs() error {
	if err := os.MkdirAll(s.RawDir(), 0755); err != nil {
		return err
	}
	return os.MkdirAll(s.ArchiveDir(), 0755)
}

// Delete removes the staging area.
func (s *StagingFiles) Delete() error {
	return os.RemoveAll(s.base)
}

func (s *StagingFiles) frozenPath() string {
	return filepath.Join(s.base, frozenSentinel)
}

// IsFrozen reports whether packing has begun for this staging area.
func (s *StagingFiles) IsFrozen() bool {
	_, err := os.Stat(s.frozenPath())
	return err == nil
}

// Freeze atomically writes the frozen sentinel. Returns ErrFrozen if the
// area is already frozen.
func (s *StagingFiles) Freeze() error {
	f, err := os.OpenFile(s.frozenPath(), os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsExist(err) {
			return ErrFrozen
		}
		return err
	}
	return f.Close()
}

// Unfreeze removes the frozen sentinel. Used when extracting a published
// upload back into staging for reprocessing.
func (s *StagingFiles) Unfreeze() error {
	err := os.Remove(s.frozenPath())
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// rawAbs resolves an upload-relative path inside raw/ after validating it.
func (s *StagingFiles) rawAbs(p string) (string, error) {
	if !IsSafeRelativePath(p) {
		return "", fmt.Errorf("%w: %q", ErrUnsafePath, p)
	}
	return filepath.Join(s.RawDir(), filepath.FromSlash(p)), nil
}

// RawPathExists reports whether the upload-relative path exists.
func (s *StagingFiles) RawPathExists(p string) bool {
	abs, err := s.rawAbs(p)
	if err != nil {
		return false
	}
	_, err = os.Stat(abs)
	return err == nil
}

// RawPathIsFile reports whether the upload-relative path is a regular file.
func (s *StagingFiles) RawPathIsFile(p string) bool {
	abs, err := s.rawAbs(p)
	if err != nil {
		return false
	}
	info, err := os.Stat(abs)
	return err == nil && info.Mode().IsRegular()
}

// RawFileSize returns the size of a raw file.
func (s *StagingFiles) RawFileSize(p string) (int64, error) {
	abs, err := s.rawAbs(p)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(abs)
	if err != nil {
		return 0, ErrPathNotFound
	}
	return info.Size(), nil
}

// RawDirectoryList lists the raw files under the given directory path.
// With recursive it descends into subdirectories; with filesOnly it omits
// directory records.
func (s *StagingFiles) RawDirectoryList(p string, recursive, filesOnly bool) ([]RawFileInfo, error) {
	abs, err := s.rawAbs(p)
	if err != nil {
		return nil, err
	}
	if info, err := os.Stat(abs); err != nil || !info.IsDir() {
		return nil, ErrPathNotFound
	}

	var infos []RawFileInfo
	appendEntry := func(rel string, d fs.DirEntry) error {
		if d.Type()&os.ModeSymlink != 0 {
			return nil
		}
		if d.IsDir() && filesOnly {
			return nil
		}
		var size int64
		if !d.IsDir() {
			fi, err := d.Info()
			if err != nil {
				return err
			}
			size = fi.Size()
		}
		infos = append(infos, RawFileInfo{
			Path:   rel,
			IsFile: !d.IsDir(),
			Size:   size,
		})
		return nil
	}

	if recursive {
		err = filepath.WalkDir(abs, func(fullPath string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if fullPath == abs {
				return nil
			}
			rel, err := filepath.Rel(s.RawDir(), fullPath)
			if err != nil {
				return err
			}
			return appendEntry(filepath.ToSlash(rel), d)
		})
	} else {
		var entries []fs.DirEntry
		entries, err = os.ReadDir(abs)
		if err == nil {
			for _, d := range entries {
				rel := path.Join(p, d.Name())
				if err = appendEntry(rel, d); err != nil {
					break
				}
			}
		}
	}
	if err != nil {
		return nil, err
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// OpenRawFile opens a raw file for reading. offset must be >= 0; length
// must be positive or -1 meaning "to EOF". With decompress, gzip, bzip2 and
// xz wrappers are unpacked transparently and offset/length apply to the
// decompressed stream.
func (s *StagingFiles) OpenRawFile(p string, offset, length int64, decompress bool) (io.ReadCloser, error) {
	abs, err := s.rawAbs(p)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		return nil, ErrPathNotFound
	}

	f, err := os.Open(abs)
	if err != nil {
		return nil, err
	}
	rc, err := wrapRawStream(f, f, info.Size(), offset, length, decompress)
	if err != nil {
		f.Close()
		return nil, err
	}
	return rc, nil
}

// wrapRawStream applies the offset/length/decompress semantics shared by
// the staging and public read paths. size < 0 means the plain size is
// unknown (zip members under decompression).
func wrapRawStream(r io.Reader, closer io.Closer, size, offset, length int64, decompress bool) (io.ReadCloser, error) {
	if offset < 0 || length == 0 || length < -1 {
		return nil, ErrInvalidRange
	}

	var wrapped io.Reader = r
	closeWrapper := func() error { return nil }

	if decompress {
		head := make([]byte, 3)
		n, _ := io.ReadFull(r, head)
		format := DetectCompression(head[:n])
		wrapped = io.MultiReader(bytes.NewReader(head[:n]), r)
		var err error
		wrapped, closeWrapper, err = decompressReader(wrapped, format)
		if err != nil {
			return nil, err
		}
		// Ranges apply to the decompressed stream, size is unknown.
		size = -1
	}

	if size >= 0 && offset > size {
		return nil, ErrInvalidRange
	}

	if offset > 0 {
		if seeker, ok := wrapped.(io.Seeker); ok && !decompress {
			if _, err := seeker.Seek(offset, io.SeekStart); err != nil {
				return nil, err
			}
		} else {
			if _, err := io.CopyN(io.Discard, wrapped, offset); err != nil && err != io.EOF {
				return nil, err
			}
		}
	}
	if length > 0 {
		wrapped = io.LimitReader(wrapped, length)
	}

	return &rawStream{Reader: wrapped, closers: []func() error{closeWrapper, closer.Close}}, nil
}

type rawStream struct {
	io.Reader
	closers []func() error
}

func (s *rawStream) Close() error {
	var firstErr error
	for _, c := range s.closers {
		if err := c(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// RawFileMime probes the mime type of a raw file from its first bytes.
func (s *StagingFiles) RawFileMime(p string) (string, error) {
	abs, err := s.rawAbs(p)
	if err != nil {
		return "", err
	}
	mime, err := mimetype.DetectFile(abs)
	if err != nil {
		return "", ErrPathNotFound
	}
	return mime.String(), nil
}

// ReadRawHead returns the first n bytes of a raw file.
func (s *StagingFiles) ReadRawHead(p string, n int) ([]byte, error) {
	rc, err := s.OpenRawFile(p, 0, int64(n), false)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// DeleteRawFiles removes the given upload-relative path. The empty path
// empties the whole raw directory without removing the upload.
func (s *StagingFiles) DeleteRawFiles(p string) error {
	if s.IsFrozen() {
		return ErrFrozen
	}
	abs, err := s.rawAbs(p)
	if err != nil {
		return err
	}
	if p == "" {
		if err := os.RemoveAll(s.RawDir()); err != nil {
			return err
		}
		return os.MkdirAll(s.RawDir(), 0755)
	}
	if _, err := os.Stat(abs); err != nil {
		return ErrPathNotFound
	}
	return os.RemoveAll(abs)
}

// CalcFiles returns the file list of an entry: the mainfile plus its aux
// files, the sorted siblings in the mainfile's directory truncated at
// cutoff. With withMainfile the mainfile leads the list. Directories with
// more siblings than the cutoff are treated as calculation dumps; only the
// first cutoff aux files are kept.
func (s *StagingFiles) CalcFiles(mainfile string, cutoff int, withMainfile bool) ([]string, error) {
	if !s.RawPathIsFile(mainfile) {
		return nil, ErrPathNotFound
	}

	dir := path.Dir(mainfile)
	if dir == "." {
		dir = ""
	}
	siblings, err := s.RawDirectoryList(dir, false, true)
	if err != nil {
		return nil, err
	}

	aux := make([]string, 0, len(siblings))
	for _, info := range siblings {
		if info.Path == mainfile {
			continue
		}
		aux = append(aux, info.Path)
	}
	sort.Strings(aux)
	if cutoff >= 0 && len(aux) > cutoff {
		aux = aux[:cutoff]
	}

	if withMainfile {
		return append([]string{mainfile}, aux...), nil
	}
	return aux, nil
}

// EntryHash computes the content hash over the mainfile and its aux files.
func (s *StagingFiles) EntryHash(mainfile string, cutoff int) (string, error) {
	fileList, err := s.CalcFiles(mainfile, cutoff, true)
	if err != nil {
		return "", err
	}

	hasher := ids.NewHasher()
	for _, p := range fileList {
		f, err := s.OpenRawFile(p, 0, -1, false)
		if err != nil {
			return "", err
		}
		err = hasher.AddReader(f)
		f.Close()
		if err != nil {
			return "", err
		}
	}
	return hasher.Sum(), nil
}

// WriteEntryArchive stores the processed document of one entry as
// archive/{entry_id}.msg.
func (s *StagingFiles) WriteEntryArchive(entryID string, doc *archive.EntryArchive) error {
	if err := os.MkdirAll(s.ArchiveDir(), 0755); err != nil {
		return err
	}
	w := archive.NewWriter()
	if err := w.Add(entryID, doc); err != nil {
		return err
	}
	return w.WriteFile(filepath.Join(s.ArchiveDir(), entryID+".msg"))
}

// ReadEntryArchive loads the processed document of one entry.
func (s *StagingFiles) ReadEntryArchive(entryID string) (*archive.EntryArchive, error) {
	r, err := archive.OpenFile(filepath.Join(s.ArchiveDir(), entryID+".msg"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPathNotFound
		}
		return nil, err
	}
	defer r.Close()

	var doc archive.EntryArchive
	if err := r.Decode(entryID, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

// DeleteEntryArchive removes the archive file of one entry, if present.
func (s *StagingFiles) DeleteEntryArchive(entryID string) error {
	err := os.Remove(filepath.Join(s.ArchiveDir(), entryID+".msg"))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

// EntryArchiveExists reports whether the entry has a staged archive file.
func (s *StagingFiles) EntryArchiveExists(entryID string) bool {
	_, err := os.Stat(filepath.Join(s.ArchiveDir(), entryID+".msg"))
	return err == nil
}
