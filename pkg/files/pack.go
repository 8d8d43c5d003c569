package files

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path"

	"github.com/nomad-lab/nomad-core/pkg/archive"
)

// PackEntry is the per-entry input of the packing algorithm.
type PackEntry struct {
	EntryID     string
	Mainfile    string
	WithEmbargo bool
}

// Pack transforms the staging tree into the immutable public layout:
// raw-public.plain.zip, raw-restricted.plain.zip and one msg archive per
// access class. Packing freezes the staging area first and refuses to run
// twice. auxCutoff bounds the aux files counted per entry.
func (s *StagingFiles) Pack(entries []PackEntry, auxCutoff int) error {
	if err := s.Freeze(); err != nil {
		return err
	}

	pub := s.store.PublicFiles(s.uploadID)
	if err := os.MkdirAll(pub.base, 0755); err != nil {
		return err
	}

	publicSet, err := s.publicFileSet(entries, auxCutoff)
	if err != nil {
		return err
	}

	if err := s.packRawFiles(publicSet, pub.RawZipPath(AccessPublic), pub.RawZipPath(AccessRestricted)); err != nil {
		return fmt.Errorf("failed to pack raw files: %w", err)
	}
	if err := s.packArchives(entries, pub.ArchivePath(AccessPublic), pub.ArchivePath(AccessRestricted)); err != nil {
		return fmt.Errorf("failed to pack archives: %w", err)
	}
	return nil
}

// publicFileSet computes which raw files belong in raw-public: the file
// lists of all unembargoed entries minus always-restricted files, minus
// every mainfile of an embargoed entry.
func (s *StagingFiles) publicFileSet(entries []PackEntry, auxCutoff int) (map[string]bool, error) {
	public := make(map[string]bool)
	for _, e := range entries {
		if e.WithEmbargo {
			continue
		}
		fileList, err := s.CalcFiles(e.Mainfile, auxCutoff, true)
		if err != nil {
			if err == ErrPathNotFound {
				continue
			}
			return nil, err
		}
		for _, f := range fileList {
			if !AlwaysRestricted(f) {
				public[f] = true
			}
		}
	}
	for _, e := range entries {
		if e.WithEmbargo {
			delete(public, e.Mainfile)
		}
	}
	return public, nil
}

// packRawFiles streams every raw file into one of the two zips. Members
// are stored uncompressed; most raw files are small text and the packed
// layout favors cheap random access over size.
func (s *StagingFiles) packRawFiles(publicSet map[string]bool, publicZip, restrictedZip string) error {
	pubW, err := newZipWriter(publicZip)
	if err != nil {
		return err
	}
	defer pubW.abort()
	resW, err := newZipWriter(restrictedZip)
	if err != nil {
		return err
	}
	defer resW.abort()

	infos, err := s.RawDirectoryList("", true, true)
	if err != nil {
		return err
	}
	for _, info := range infos {
		target := resW
		if publicSet[info.Path] && !AlwaysRestricted(info.Path) {
			target = pubW
		}
		f, err := s.OpenRawFile(info.Path, 0, -1, false)
		if err != nil {
			return err
		}
		err = target.addMember(info.Path, f)
		f.Close()
		if err != nil {
			return err
		}
	}

	if err := pubW.close(); err != nil {
		return err
	}
	return resW.close()
}

// packArchives writes one msg archive per access class. Entries without a
// staged archive get an empty document so their slot is reserved.
func (s *StagingFiles) packArchives(entries []PackEntry, publicPath, restrictedPath string) error {
	writers := map[Access]*archive.Writer{
		AccessPublic:     archive.NewWriter(),
		AccessRestricted: archive.NewWriter(),
	}

	for _, e := range entries {
		access := AccessPublic
		if e.WithEmbargo {
			access = AccessRestricted
		}
		doc, err := s.ReadEntryArchive(e.EntryID)
		if err != nil {
			if err != ErrPathNotFound {
				return err
			}
			doc = &archive.EntryArchive{EntryID: e.EntryID, Mainfile: e.Mainfile}
		}
		if err := writers[access].Add(e.EntryID, doc); err != nil {
			return err
		}
	}

	if err := writers[AccessPublic].WriteFile(publicPath); err != nil {
		return err
	}
	return writers[AccessRestricted].WriteFile(restrictedPath)
}

// zipWriter wraps a zip.Writer over a file with abort-on-error semantics.
type zipWriter struct {
	f      *os.File
	zw     *zip.Writer
	closed bool
}

func newZipWriter(path string) (*zipWriter, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &zipWriter{f: f, zw: zip.NewWriter(f)}, nil
}

// addMember stores one file uncompressed under the given member name.
func (w *zipWriter) addMember(name string, r io.Reader) error {
	member, err := w.zw.CreateHeader(&zip.FileHeader{
		Name:   path.Clean(name),
		Method: zip.Store,
	})
	if err != nil {
		return err
	}
	_, err = io.Copy(member, r)
	return err
}

func (w *zipWriter) close() error {
	w.closed = true
	if err := w.zw.Close(); err != nil {
		w.f.Close()
		return err
	}
	return w.f.Close()
}

// abort closes the underlying file without finalizing the zip. No-op after
// a successful close.
func (w *zipWriter) abort() {
	if !w.closed {
		w.zw.Close()
		w.f.Close()
	}
}
