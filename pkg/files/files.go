// Package files implements the upload file store: the mutable staging area
// an upload lives in before publication, and the immutable public area of
// packed zip and archive files it is transformed into when published.
package files

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
)

// Access classifies raw files and entry archives of a published upload.
type Access string

const (
	// AccessPublic files are readable by everyone.
	AccessPublic Access = "public"
	// AccessRestricted files are only readable by authorized users while
	// the upload is under embargo.
	AccessRestricted Access = "restricted"
)

// Common errors of the file store.
var (
	ErrFrozen           = errors.New("upload files are frozen")
	ErrNotFrozen        = errors.New("upload files are not frozen")
	ErrPathNotFound     = errors.New("path not found")
	ErrUnsafePath       = errors.New("unsafe relative path")
	ErrInvalidRange     = errors.New("invalid read range")
	ErrRepackInProgress = errors.New("a repack is already in progress")
	ErrAlwaysRestricted = errors.New("file is always restricted")
)

// Config holds the file store locations and packing options.
type Config struct {
	// StagingRoot is the base directory of mutable upload file areas.
	StagingRoot string `mapstructure:"staging_root" yaml:"staging_root" validate:"required"`
	// PublicRoot is the base directory of packed published uploads.
	PublicRoot string `mapstructure:"public_root" yaml:"public_root" validate:"required"`
	// TmpRoot is used for zip extraction scratch space.
	TmpRoot string `mapstructure:"tmp_root" yaml:"tmp_root" validate:"required"`
	// PrefixSize shards upload directories by the first N characters of the
	// upload id. 0 disables sharding.
	PrefixSize int `mapstructure:"prefix_size" yaml:"prefix_size" validate:"gte=0,lte=8"`
	// ArchiveVersionSuffix is appended to packed archive filenames so
	// multiple archive schema versions can coexist.
	ArchiveVersionSuffix string `mapstructure:"archive_version_suffix" yaml:"archive_version_suffix"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.StagingRoot == "" {
		c.StagingRoot = ".volumes/fs/staging"
	}
	if c.PublicRoot == "" {
		c.PublicRoot = ".volumes/fs/public"
	}
	if c.TmpRoot == "" {
		c.TmpRoot = ".volumes/fs/tmp"
	}
}

// Store creates staging and public file areas for uploads.
type Store struct {
	cfg Config
}

// NewStore returns a Store for the given configuration.
func NewStore(cfg Config) *Store {
	cfg.ApplyDefaults()
	return &Store{cfg: cfg}
}

// Config returns the store configuration.
func (s *Store) Config() Config {
	return s.cfg
}

// uploadDir returns root/[prefix/]uploadID.
func (s *Store) uploadDir(root, uploadID string) string {
	if s.cfg.PrefixSize > 0 && len(uploadID) >= s.cfg.PrefixSize {
		return filepath.Join(root, uploadID[:s.cfg.PrefixSize], uploadID)
	}
	return filepath.Join(root, uploadID)
}

// StagingFiles returns the staging file area of an upload. The area
// directories are created on first use.
func (s *Store) StagingFiles(uploadID string) *StagingFiles {
	return &StagingFiles{
		store:    s,
		uploadID: uploadID,
		base:     s.uploadDir(s.cfg.StagingRoot, uploadID),
	}
}

// PublicFiles returns the public file area of an upload.
func (s *Store) PublicFiles(uploadID string) *PublicFiles {
	return &PublicFiles{
		store:    s,
		uploadID: uploadID,
		base:     s.uploadDir(s.cfg.PublicRoot, uploadID),
	}
}

// StagingExists reports whether the upload has a staging area on disk.
func (s *Store) StagingExists(uploadID string) bool {
	_, err := os.Stat(s.uploadDir(s.cfg.StagingRoot, uploadID))
	return err == nil
}

// PublicExists reports whether the upload has a public area on disk.
func (s *Store) PublicExists(uploadID string) bool {
	_, err := os.Stat(s.uploadDir(s.cfg.PublicRoot, uploadID))
	return err == nil
}

// DeleteUpload removes both file areas of an upload.
func (s *Store) DeleteUpload(uploadID string) error {
	if err := os.RemoveAll(s.uploadDir(s.cfg.StagingRoot, uploadID)); err != nil {
		return err
	}
	return os.RemoveAll(s.uploadDir(s.cfg.PublicRoot, uploadID))
}

// RawFileInfo describes one raw file or directory.
type RawFileInfo struct {
	Path   string `json:"path"`
	IsFile bool   `json:"is_file"`
	Size   int64  `json:"size"`
	Access Access `json:"access"`
}

// IsSafeRelativePath reports whether p can be used as an upload-relative
// path. The empty path is safe and denotes the raw root.
func IsSafeRelativePath(p string) bool {
	if p == "" {
		return true
	}
	if strings.HasPrefix(p, "/") || strings.Contains(p, "\n") || strings.Contains(p, "//") {
		return false
	}
	for _, part := range strings.Split(strings.TrimSuffix(p, "/"), "/") {
		if part == "" || part == "." || part == ".." {
			return false
		}
	}
	return true
}

// archiveFileName returns archive-{access}[-{suffix}].msg.msg.
func (s *Store) archiveFileName(access Access) string {
	name := "archive-" + string(access)
	if s.cfg.ArchiveVersionSuffix != "" {
		name += "-" + s.cfg.ArchiveVersionSuffix
	}
	return name + ".msg.msg"
}

// rawZipName returns raw-{access}.plain.zip.
func rawZipName(access Access) string {
	return "raw-" + string(access) + ".plain.zip"
}
