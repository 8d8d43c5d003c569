package files

import (
	"archive/tar"
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// AddRawFiles merges source into raw/{targetDir}. Source may be a single
// file, a directory, or a zip/tar archive (detected by extension); archives
// are extracted to scratch space first and the extraction is merged. With
// cleanup the original source is deleted afterwards, also on failure.
// Existing targets are overridden: directories are merged recursively,
// files replaced. Symlinks are skipped throughout.
func (s *StagingFiles) AddRawFiles(source, targetDir string, cleanup bool) (err error) {
	if s.IsFrozen() {
		return ErrFrozen
	}
	if !IsSafeRelativePath(targetDir) {
		return fmt.Errorf("%w: %q", ErrUnsafePath, targetDir)
	}
	if err := s.EnsureDirs(); err != nil {
		return err
	}

	if cleanup {
		defer os.RemoveAll(source)
	}

	info, err := os.Stat(source)
	if err != nil {
		return fmt.Errorf("source does not exist: %w", err)
	}

	mergeRoot := source
	if !info.IsDir() {
		switch archiveKind(source) {
		case "zip", "tar":
			if err := os.MkdirAll(s.store.cfg.TmpRoot, 0755); err != nil {
				return err
			}
			extractDir, err := os.MkdirTemp(s.store.cfg.TmpRoot, "extract-*")
			if err != nil {
				return err
			}
			defer os.RemoveAll(extractDir)

			if archiveKind(source) == "zip" {
				err = extractZip(source, extractDir)
			} else {
				err = extractTar(source, extractDir)
			}
			if err != nil {
				return fmt.Errorf("failed to extract %s: %w", filepath.Base(source), err)
			}
			mergeRoot = extractDir
		}
	}

	target := filepath.Join(s.RawDir(), filepath.FromSlash(targetDir))
	if err := ensureDirPath(s.RawDir(), target); err != nil {
		return err
	}

	mergeInfo, err := os.Stat(mergeRoot)
	if err != nil {
		return err
	}
	if mergeInfo.IsDir() {
		return mergeDir(mergeRoot, target)
	}
	return copyFile(mergeRoot, filepath.Join(target, filepath.Base(mergeRoot)))
}

// archiveKind classifies a filename as "zip", "tar", or "" by extension.
func archiveKind(name string) string {
	lower := strings.ToLower(name)
	switch {
	case strings.HasSuffix(lower, ".zip"):
		return "zip"
	case strings.HasSuffix(lower, ".tar"),
		strings.HasSuffix(lower, ".tar.gz"), strings.HasSuffix(lower, ".tgz"),
		strings.HasSuffix(lower, ".tar.bz2"), strings.HasSuffix(lower, ".tar.xz"):
		return "tar"
	}
	return ""
}

// ensureDirPath makes sure every element between root and target is a
// directory, replacing files that are in the way.
func ensureDirPath(root, target string) error {
	rel, err := filepath.Rel(root, target)
	if err != nil {
		return err
	}
	current := root
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if part == "." || part == "" {
			continue
		}
		current = filepath.Join(current, part)
		info, err := os.Lstat(current)
		if err == nil && !info.IsDir() {
			if err := os.Remove(current); err != nil {
				return err
			}
		}
		if err := os.MkdirAll(current, 0755); err != nil {
			return err
		}
	}
	return nil
}

// mergeDir merges the contents of src into dst, overriding existing files.
func mergeDir(src, dst string) error {
	entries, err := os.ReadDir(src)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		if entry.Type()&os.ModeSymlink != 0 {
			continue
		}
		srcPath := filepath.Join(src, entry.Name())
		dstPath := filepath.Join(dst, entry.Name())

		if entry.IsDir() {
			if info, err := os.Lstat(dstPath); err == nil && !info.IsDir() {
				if err := os.Remove(dstPath); err != nil {
					return err
				}
			}
			if err := os.MkdirAll(dstPath, 0755); err != nil {
				return err
			}
			if err := mergeDir(srcPath, dstPath); err != nil {
				return err
			}
			continue
		}

		if info, err := os.Lstat(dstPath); err == nil && info.IsDir() {
			if err := os.RemoveAll(dstPath); err != nil {
				return err
			}
		}
		if err := copyFile(srcPath, dstPath); err != nil {
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
		return err
	}
	return out.Close()
}

// extractZip unpacks a zip file into dir, refusing unsafe member paths and
// skipping symlinks.
func extractZip(src, dir string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	for _, member := range r.File {
		name := filepath.ToSlash(member.Name)
		if !IsSafeRelativePath(strings.TrimSuffix(name, "/")) {
			return fmt.Errorf("%w: zip member %q", ErrUnsafePath, member.Name)
		}
		if member.Mode()&os.ModeSymlink != 0 {
			continue
		}

		target := filepath.Join(dir, filepath.FromSlash(name))
		if member.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
			return err
		}
		rc, err := member.Open()
		if err != nil {
			return err
		}
		out, err := os.Create(target)
		if err != nil {
			rc.Close()
			return err
		}
		_, err = io.Copy(out, rc)
		rc.Close()
		if cerr := out.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// extractTar unpacks a tar file (optionally gzip/bzip2/xz compressed) into
// dir with the same safety rules as extractZip.
func extractTar(src, dir string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()

	head := make([]byte, 3)
	n, _ := io.ReadFull(f, head)
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return err
	}
	reader, closeWrapper, err := decompressReader(f, DetectCompression(head[:n]))
	if err != nil {
		return err
	}
	defer closeWrapper()

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		name := filepath.ToSlash(hdr.Name)
		if !IsSafeRelativePath(strings.TrimSuffix(name, "/")) {
			return fmt.Errorf("%w: tar member %q", ErrUnsafePath, hdr.Name)
		}

		target := filepath.Join(dir, filepath.FromSlash(name))
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0755); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
				return err
			}
			out, err := os.Create(target)
			if err != nil {
				return err
			}
			_, err = io.Copy(out, tr)
			if cerr := out.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return err
			}
		default:
			// symlinks and special files are skipped
		}
	}
}
