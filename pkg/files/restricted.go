package files

import (
	"bufio"
	"crypto/sha256"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// StrippedSuffix marks the redacted counterpart of an always-restricted
// file. Stripped files are safe to publish.
const StrippedSuffix = ".stripped"

// AlwaysRestricted reports whether the file at the given upload-relative
// path carries third-party licensed content that must never appear in the
// public raw archive. Currently this covers VASP POTCAR files; the stripped
// counterparts are exempt.
func AlwaysRestricted(path string) bool {
	base := filepath.Base(path)
	if strings.HasSuffix(base, StrippedSuffix) {
		return false
	}
	return strings.HasPrefix(base, "POTCAR")
}

// writeStripped generates the .stripped counterpart of an always-restricted
// file: a short header with a sha224 checksum of the original, followed by
// the non-data lines of the original. The checksum allows verifying which
// pseudopotential was used without republishing the licensed data.
func writeStripped(srcPath, dstPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return err
	}
	defer src.Close()

	h := sha256.New224()
	if _, err := io.Copy(h, src); err != nil {
		return err
	}
	checksum := fmt.Sprintf("%x", h.Sum(nil))

	if _, err := src.Seek(0, io.SeekStart); err != nil {
		return err
	}

	dst, err := os.Create(dstPath)
	if err != nil {
		return err
	}
	defer dst.Close()

	w := bufio.NewWriter(dst)
	fmt.Fprintf(w, "Stripped original file, checksum (sha224): %s\n", checksum)

	// Keep only the header-ish lines so codes relying on the element
	// titles still work.
	scanner := bufio.NewScanner(src)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	lines := 0
	for scanner.Scan() && lines < 20 {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			continue
		}
		fmt.Fprintln(w, line)
		lines++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return w.Flush()
}

// EnsureStripped creates the stripped counterpart for an always-restricted
// raw file if it does not exist yet. The path is upload-relative.
func (s *StagingFiles) EnsureStripped(path string) error {
	if !AlwaysRestricted(path) {
		return nil
	}
	src := filepath.Join(s.RawDir(), filepath.FromSlash(path))
	dst := src + StrippedSuffix
	if _, err := os.Stat(dst); err == nil {
		return nil
	}
	return writeStripped(src, dst)
}
