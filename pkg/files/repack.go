package files

import (
	"fmt"
	"os"
	"path"
	"sort"

	"github.com/natefinch/atomic"

	"github.com/nomad-lab/nomad-core/pkg/archive"
)

// repackedSuffix marks in-progress repack targets. They replace the
// originals through an atomic rename once all of them are complete.
const repackedSuffix = "-repacked"

// ArchiveSource yields the current document of an entry during a repack.
// The staging area serves reprocessed documents, the public area serves
// unchanged ones (embargo flips).
type ArchiveSource interface {
	ReadEntryDoc(entryID string) (*archive.EntryArchive, error)
}

// ReadEntryDoc implements ArchiveSource over the staged archive files.
func (s *StagingFiles) ReadEntryDoc(entryID string) (*archive.EntryArchive, error) {
	return s.ReadEntryArchive(entryID)
}

// ReadEntryDoc implements ArchiveSource over the packed archives.
func (p *PublicFiles) ReadEntryDoc(entryID string) (*archive.EntryArchive, error) {
	doc, _, err := p.ReadArchive(entryID)
	return doc, err
}

// Repack rebuilds the packed files of a published upload with the current
// entry set and embargo flags. New files are written under *-repacked names
// first and then renamed over the originals, so readers never observe a
// partial pack. With includeRaw the raw zips are redistributed as well;
// otherwise only the msg archives are rebuilt.
func (p *PublicFiles) Repack(entries []PackEntry, auxCutoff int, includeRaw bool, docs ArchiveSource) error {
	targets := []string{
		p.ArchivePath(AccessPublic),
		p.ArchivePath(AccessRestricted),
	}
	if includeRaw {
		targets = append(targets,
			p.RawZipPath(AccessPublic),
			p.RawZipPath(AccessRestricted),
		)
	}
	for _, t := range targets {
		if _, err := os.Stat(t + repackedSuffix); err == nil {
			return ErrRepackInProgress
		}
	}

	if includeRaw {
		if err := p.repackRawFiles(entries, auxCutoff); err != nil {
			return fmt.Errorf("failed to repack raw files: %w", err)
		}
	}
	if err := p.repackArchives(entries, docs); err != nil {
		return fmt.Errorf("failed to repack archives: %w", err)
	}

	for _, t := range targets {
		if err := atomic.ReplaceFile(t+repackedSuffix, t); err != nil {
			return fmt.Errorf("failed to replace %s: %w", path.Base(t), err)
		}
	}
	return nil
}

// repackRawFiles redistributes the members of the existing raw zips between
// the two access classes according to the new entry set.
func (p *PublicFiles) repackRawFiles(entries []PackEntry, auxCutoff int) error {
	infos, err := p.RawDirectoryList("", true, true)
	if err != nil {
		return err
	}

	publicSet := publicFileSetFromList(infos, entries, auxCutoff)

	pubW, err := newZipWriter(p.RawZipPath(AccessPublic) + repackedSuffix)
	if err != nil {
		return err
	}
	defer pubW.abort()
	resW, err := newZipWriter(p.RawZipPath(AccessRestricted) + repackedSuffix)
	if err != nil {
		return err
	}
	defer resW.abort()

	for _, info := range infos {
		target := resW
		if publicSet[info.Path] && !AlwaysRestricted(info.Path) {
			target = pubW
		}
		rc, err := p.OpenRawFile(info.Path, 0, -1, false)
		if err != nil {
			return err
		}
		err = target.addMember(info.Path, rc)
		rc.Close()
		if err != nil {
			return err
		}
	}

	if err := pubW.close(); err != nil {
		return err
	}
	return resW.close()
}

// publicFileSetFromList is the packing split computed from an in-memory
// file list rather than the staging filesystem.
func publicFileSetFromList(infos []RawFileInfo, entries []PackEntry, auxCutoff int) map[string]bool {
	byDir := make(map[string][]string)
	isFile := make(map[string]bool, len(infos))
	for _, info := range infos {
		dir := path.Dir(info.Path)
		byDir[dir] = append(byDir[dir], info.Path)
		isFile[info.Path] = true
	}
	for dir := range byDir {
		sort.Strings(byDir[dir])
	}

	public := make(map[string]bool)
	for _, e := range entries {
		if e.WithEmbargo || !isFile[e.Mainfile] {
			continue
		}
		aux := make([]string, 0)
		for _, sibling := range byDir[path.Dir(e.Mainfile)] {
			if sibling != e.Mainfile {
				aux = append(aux, sibling)
			}
		}
		if auxCutoff >= 0 && len(aux) > auxCutoff {
			aux = aux[:auxCutoff]
		}
		if !AlwaysRestricted(e.Mainfile) {
			public[e.Mainfile] = true
		}
		for _, f := range aux {
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
	return public
}

// repackArchives rebuilds the per-access msg archives from the given
// document source.
func (p *PublicFiles) repackArchives(entries []PackEntry, docs ArchiveSource) error {
	writers := map[Access]*archive.Writer{
		AccessPublic:     archive.NewWriter(),
		AccessRestricted: archive.NewWriter(),
	}

	for _, e := range entries {
		access := AccessPublic
		if e.WithEmbargo {
			access = AccessRestricted
		}
		doc, err := docs.ReadEntryDoc(e.EntryID)
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

	if err := writers[AccessPublic].WriteFile(p.ArchivePath(AccessPublic) + repackedSuffix); err != nil {
		return err
	}
	return writers[AccessRestricted].WriteFile(p.ArchivePath(AccessRestricted) + repackedSuffix)
}

// ToStaging extracts the packed files back into a staging area, the inverse
// of Pack. Raw zips are unpacked into raw/ and every entry document is
// re-materialized as archive/{entry_id}.msg, enabling reprocessing of
// published uploads.
func (p *PublicFiles) ToStaging(entries []PackEntry) (*StagingFiles, error) {
	staging := p.store.StagingFiles(p.uploadID)
	if err := staging.EnsureDirs(); err != nil {
		return nil, err
	}
	if err := staging.Unfreeze(); err != nil {
		return nil, err
	}

	for _, access := range []Access{AccessPublic, AccessRestricted} {
		zipPath := p.RawZipPath(access)
		if _, err := os.Stat(zipPath); err != nil {
			continue
		}
		if err := extractZip(zipPath, staging.RawDir()); err != nil {
			return nil, fmt.Errorf("failed to extract %s: %w", path.Base(zipPath), err)
		}
	}

	for _, e := range entries {
		doc, _, err := p.ReadArchive(e.EntryID)
		if err != nil {
			if err == ErrPathNotFound {
				continue
			}
			return nil, err
		}
		if err := staging.WriteEntryArchive(e.EntryID, doc); err != nil {
			return nil, err
		}
	}
	return staging, nil
}
