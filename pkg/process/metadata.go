package process

import (
	"encoding/json"
	"fmt"
	"io"
	"path"

	"gopkg.in/yaml.v3"

	"github.com/nomad-lab/nomad-core/pkg/files"
	"github.com/nomad-lab/nomad-core/pkg/state/models"
)

// metadataFileNames are the recognized user metadata files, checked in
// order within each directory.
var metadataFileNames = []string{"nomad.yaml", "nomad.yml", "nomad.json"}

// userMetadata is the content of a nomad.yaml/nomad.json file: the
// editable upload metadata, per-entry metadata keyed by mainfile path, and
// the skip_matching switch.
type userMetadata struct {
	models.UploadMetadata `yaml:",inline"`

	// Entries maps mainfile paths (relative to the metadata file's
	// directory) to per-entry metadata.
	Entries map[string]models.EntryMetadata `json:"entries" yaml:"entries"`

	// SkipMatching restricts matching to the mainfiles listed in Entries.
	SkipMatching bool `json:"skip_matching" yaml:"skip_matching"`

	dir string
}

// readUserMetadata loads the metadata file of one raw directory, or nil
// when the directory has none.
func readUserMetadata(staging *files.StagingFiles, dir string) (*userMetadata, error) {
	for _, name := range metadataFileNames {
		p := path.Join(dir, name)
		if !staging.RawPathIsFile(p) {
			continue
		}
		rc, err := staging.OpenRawFile(p, 0, -1, false)
		if err != nil {
			return nil, err
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, err
		}

		var meta userMetadata
		if path.Ext(name) == ".json" {
			err = json.Unmarshal(data, &meta)
		} else {
			err = yaml.Unmarshal(data, &meta)
		}
		if err != nil {
			return nil, fmt.Errorf("invalid metadata file %s: %w", p, err)
		}
		meta.dir = dir
		return &meta, nil
	}
	return nil, nil
}

// metadataTree resolves per-entry metadata with downward inheritance: a
// metadata file applies to its own directory and everything below it, and
// the file closest to a mainfile wins.
type metadataTree struct {
	staging *files.StagingFiles
	byDir   map[string]*userMetadata
	missing map[string]bool
}

func newMetadataTree(staging *files.StagingFiles) *metadataTree {
	return &metadataTree{
		staging: staging,
		byDir:   make(map[string]*userMetadata),
		missing: make(map[string]bool),
	}
}

// Root returns the metadata file at the raw root, or nil.
func (t *metadataTree) Root() (*userMetadata, error) {
	return t.lookup("")
}

func (t *metadataTree) lookup(dir string) (*userMetadata, error) {
	if meta, ok := t.byDir[dir]; ok {
		return meta, nil
	}
	if t.missing[dir] {
		return nil, nil
	}
	meta, err := readUserMetadata(t.staging, dir)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		t.missing[dir] = true
		return nil, nil
	}
	t.byDir[dir] = meta
	return meta, nil
}

// EntryMetadata walks from the mainfile's directory up to the raw root and
// returns the first per-entry metadata found for the mainfile.
func (t *metadataTree) EntryMetadata(mainfile string) (*models.EntryMetadata, error) {
	dir := path.Dir(mainfile)
	if dir == "." {
		dir = ""
	}
	for {
		meta, err := t.lookup(dir)
		if err != nil {
			return nil, err
		}
		if meta != nil {
			// Mainfile keys are relative to the metadata file's directory.
			rel := mainfile
			if meta.dir != "" {
				rel = mainfile[len(meta.dir)+1:]
			}
			if em, ok := meta.Entries[rel]; ok {
				return &em, nil
			}
			if em, ok := meta.Entries[mainfile]; ok {
				return &em, nil
			}
		}
		if dir == "" {
			return nil, nil
		}
		dir = path.Dir(dir)
		if dir == "." {
			dir = ""
		}
	}
}
