package files

import (
	"archive/zip"
	"io"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/nomad-lab/nomad-core/pkg/archive"
)

// PublicFiles is the immutable file area of a published upload: a pair of
// raw zips and a pair of msg archives, one per access class. Files are only
// replaced through the atomic repack.
type PublicFiles struct {
	store    *Store
	uploadID string
	base     string
}

// UploadID returns the id of the owning upload.
func (p *PublicFiles) UploadID() string { return p.uploadID }

// BaseDir returns the root directory of the public area.
func (p *PublicFiles) BaseDir() string { return p.base }

// RawZipPath returns the path of the raw zip for the given access class.
func (p *PublicFiles) RawZipPath(access Access) string {
	return filepath.Join(p.base, rawZipName(access))
}

// ArchivePath returns the path of the msg archive for the given access class.
func (p *PublicFiles) ArchivePath(access Access) string {
	return filepath.Join(p.base, p.store.archiveFileName(access))
}

// Exists reports whether the public area is present on disk.
func (p *PublicFiles) Exists() bool {
	_, err := os.Stat(p.base)
	return err == nil
}

// Delete removes the public area.
func (p *PublicFiles) Delete() error {
	return os.RemoveAll(p.base)
}

// memberRef is one raw file found in a public area zip.
type memberRef struct {
	file   *zip.File
	access Access
}

// withRawZips opens the existing raw zips (public first) and passes them to
// fn. Missing zips are skipped.
func (p *PublicFiles) withRawZips(fn func(access Access, r *zip.ReadCloser) error) error {
	for _, access := range []Access{AccessPublic, AccessRestricted} {
		r, err := zip.OpenReader(p.RawZipPath(access))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return err
		}
		err = fn(access, r)
		r.Close()
		if err != nil {
			return err
		}
	}
	return nil
}

// findMember locates a raw file by upload-relative path, preferring the
// public zip. The returned closer releases the containing zip.
func (p *PublicFiles) findMember(rawPath string) (*memberRef, func() error, error) {
	if !IsSafeRelativePath(rawPath) {
		return nil, nil, ErrUnsafePath
	}
	for _, access := range []Access{AccessPublic, AccessRestricted} {
		r, err := zip.OpenReader(p.RawZipPath(access))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, nil, err
		}
		for _, member := range r.File {
			if member.FileInfo().IsDir() {
				continue
			}
			if path.Clean(member.Name) == rawPath {
				return &memberRef{file: member, access: access}, r.Close, nil
			}
		}
		r.Close()
	}
	return nil, nil, ErrPathNotFound
}

// RawPathExists reports whether the path exists as a file or directory
// prefix in either raw zip.
func (p *PublicFiles) RawPathExists(rawPath string) bool {
	if p.RawPathIsFile(rawPath) {
		return true
	}
	prefix := rawPath
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	found := false
	_ = p.withRawZips(func(_ Access, r *zip.ReadCloser) error {
		for _, member := range r.File {
			if prefix == "" || strings.HasPrefix(path.Clean(member.Name)+"/", prefix) {
				found = true
				break
			}
		}
		return nil
	})
	return found
}

// RawPathIsFile reports whether the path is a raw file in either zip.
func (p *PublicFiles) RawPathIsFile(rawPath string) bool {
	ref, closer, err := p.findMember(rawPath)
	if err != nil {
		return false
	}
	closer()
	return ref != nil
}

// RawFileSize returns the uncompressed size of a raw file.
func (p *PublicFiles) RawFileSize(rawPath string) (int64, error) {
	ref, closer, err := p.findMember(rawPath)
	if err != nil {
		return 0, err
	}
	defer closer()
	return int64(ref.file.UncompressedSize64), nil
}

// RawFileAccess returns which access class a raw file is packed under.
func (p *PublicFiles) RawFileAccess(rawPath string) (Access, error) {
	ref, closer, err := p.findMember(rawPath)
	if err != nil {
		return "", err
	}
	defer closer()
	return ref.access, nil
}

// RawDirectoryList lists the raw files under dir across both zips.
func (p *PublicFiles) RawDirectoryList(dir string, recursive, filesOnly bool) ([]RawFileInfo, error) {
	if !IsSafeRelativePath(dir) {
		return nil, ErrUnsafePath
	}
	prefix := dir
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	var infos []RawFileInfo
	subdirs := make(map[string]bool)

	err := p.withRawZips(func(access Access, r *zip.ReadCloser) error {
		for _, member := range r.File {
			if member.FileInfo().IsDir() {
				continue
			}
			name := path.Clean(member.Name)
			if prefix != "" && !strings.HasPrefix(name, prefix) {
				continue
			}
			rest := strings.TrimPrefix(name, prefix)
			if !recursive && strings.Contains(rest, "/") {
				// Direct child directory of dir.
				subdirs[prefix+strings.SplitN(rest, "/", 2)[0]] = true
				continue
			}
			infos = append(infos, RawFileInfo{
				Path:   name,
				IsFile: true,
				Size:   int64(member.UncompressedSize64),
				Access: access,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !filesOnly {
		for sub := range subdirs {
			infos = append(infos, RawFileInfo{Path: sub})
		}
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].Path < infos[j].Path })
	return infos, nil
}

// OpenRawFile opens a raw file from the packed zips with the same
// offset/length/decompress semantics as the staging read path.
func (p *PublicFiles) OpenRawFile(rawPath string, offset, length int64, decompress bool) (io.ReadCloser, error) {
	ref, closer, err := p.findMember(rawPath)
	if err != nil {
		return nil, err
	}
	rc, err := ref.file.Open()
	if err != nil {
		closer()
		return nil, err
	}
	stream, err := wrapRawStream(rc, rc, int64(ref.file.UncompressedSize64), offset, length, decompress)
	if err != nil {
		rc.Close()
		closer()
		return nil, err
	}
	return &rawStream{
		Reader:  stream,
		closers: []func() error{stream.Close, closer},
	}, nil
}

// RawFileMime probes the mime type of a packed raw file.
func (p *PublicFiles) RawFileMime(rawPath string) (string, error) {
	rc, err := p.OpenRawFile(rawPath, 0, 2048, false)
	if err != nil {
		return "", err
	}
	defer rc.Close()
	mime, err := mimetype.DetectReader(rc)
	if err != nil {
		return "", err
	}
	return mime.String(), nil
}

// ArchiveReader opens the msg archive of the given access class.
func (p *PublicFiles) ArchiveReader(access Access) (*archive.FileReader, error) {
	r, err := archive.OpenFile(p.ArchivePath(access))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrPathNotFound
		}
		return nil, err
	}
	return r, nil
}

// ReadArchive loads one entry document, searching the public archive first.
// It also returns the access class the entry is packed under; authorization
// against embargo rules is the caller's concern.
func (p *PublicFiles) ReadArchive(entryID string) (*archive.EntryArchive, Access, error) {
	for _, access := range []Access{AccessPublic, AccessRestricted} {
		r, err := p.ArchiveReader(access)
		if err != nil {
			if err == ErrPathNotFound {
				continue
			}
			return nil, "", err
		}
		if r.Contains(entryID) {
			var doc archive.EntryArchive
			err = r.Decode(entryID, &doc)
			r.Close()
			if err != nil {
				return nil, "", err
			}
			return &doc, access, nil
		}
		r.Close()
	}
	return nil, "", ErrPathNotFound
}
