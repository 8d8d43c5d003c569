package bundle

import (
	"archive/zip"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// bundleSource reads the members of a bundle, zipped or on disk.
type bundleSource interface {
	// readInfo reads and decodes the manifest.
	readInfo() (*Info, error)
	// open opens one member by its slash-separated bundle path.
	open(name string) (io.ReadCloser, error)
	// list returns the member names under the given prefix, sorted.
	list(prefix string) ([]string, error)
	close() error
}

// openSource opens a bundle file or directory.
func openSource(path string) (bundleSource, error) {
	st, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if st.IsDir() {
		return &dirSource{root: path}, nil
	}
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	return &zipSource{r: r}, nil
}

type zipSource struct {
	r *zip.ReadCloser
}

// readInfo requires the manifest to be the first readable member, so a
// bundle can be rejected without reading past its head.
func (s *zipSource) readInfo() (*Info, error) {
	for _, f := range s.r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if f.Name != InfoFileName {
			return nil, fmt.Errorf("%w: first member is %s, not %s",
				ErrInvalidBundle, f.Name, InfoFileName)
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return decodeInfo(rc)
	}
	return nil, fmt.Errorf("%w: empty bundle", ErrInvalidBundle)
}

func (s *zipSource) open(name string) (io.ReadCloser, error) {
	for _, f := range s.r.File {
		if f.Name == name {
			return f.Open()
		}
	}
	return nil, fs.ErrNotExist
}

func (s *zipSource) list(prefix string) ([]string, error) {
	var names []string
	for _, f := range s.r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		if strings.HasPrefix(f.Name, prefix) {
			names = append(names, f.Name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (s *zipSource) close() error { return s.r.Close() }

type dirSource struct {
	root string
}

func (s *dirSource) readInfo() (*Info, error) {
	f, err := os.Open(filepath.Join(s.root, InfoFileName))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	defer f.Close()
	return decodeInfo(f)
}

func (s *dirSource) open(name string) (io.ReadCloser, error) {
	return os.Open(filepath.Join(s.root, filepath.FromSlash(name)))
}

func (s *dirSource) list(prefix string) ([]string, error) {
	base := filepath.Join(s.root, filepath.FromSlash(prefix))
	var names []string
	err := filepath.WalkDir(base, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		names = append(names, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

func (s *dirSource) close() error { return nil }

func decodeInfo(r io.Reader) (*Info, error) {
	var info Info
	dec := json.NewDecoder(r)
	if err := dec.Decode(&info); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBundle, err)
	}
	return &info, nil
}
