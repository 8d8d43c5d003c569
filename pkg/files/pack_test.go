package files

import (
	"io"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomad-lab/nomad-core/pkg/archive"
)

// packedFixture builds a staging area with two calculations, one of them
// embargoed, packs it and returns the store, entry set and public area.
func packedFixture(t *testing.T) (*Store, []PackEntry, *PublicFiles) {
	t.Helper()
	store := createTestStore(t)
	s := store.StagingFiles("packed_upload")

	writeRaw(t, s, "calc1/main1.json", `{"program": "one"}`)
	writeRaw(t, s, "calc1/aux.txt", "aux data")
	writeRaw(t, s, "calc1/POTCAR", "PAW_PBE Si\nlicensed data\n")
	writeRaw(t, s, "calc2/main2.json", `{"program": "two"}`)
	writeRaw(t, s, "calc2/secret.txt", "embargoed aux")
	require.NoError(t, s.EnsureStripped("calc1/POTCAR"))

	entries := []PackEntry{
		{EntryID: "entry_one_aaaaaaaaaaaaaaaaaaaa", Mainfile: "calc1/main1.json"},
		{EntryID: "entry_two_bbbbbbbbbbbbbbbbbbbb", Mainfile: "calc2/main2.json", WithEmbargo: true},
	}

	require.NoError(t, s.WriteEntryArchive(entries[0].EntryID, &archive.EntryArchive{
		EntryID:  entries[0].EntryID,
		Parser:   "parsers/template",
		Mainfile: entries[0].Mainfile,
		Run:      map[string]any{"program": "one"},
	}))
	// entry two has no staged archive; packing reserves an empty slot.

	require.NoError(t, s.Pack(entries, -1))
	return store, entries, store.PublicFiles("packed_upload")
}

func readAllRaw(t *testing.T, p *PublicFiles, path string) string {
	t.Helper()
	rc, err := p.OpenRawFile(path, 0, -1, false)
	require.NoError(t, err)
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	return string(data)
}

func TestPack(t *testing.T) {
	store, entries, pub := packedFixture(t)
	s := store.StagingFiles("packed_upload")

	t.Run("StagingFrozen", func(t *testing.T) {
		assert.True(t, s.IsFrozen())
		assert.ErrorIs(t, s.Pack(entries, -1), ErrFrozen)
	})

	t.Run("AccessSplit", func(t *testing.T) {
		cases := map[string]Access{
			"calc1/main1.json":      AccessPublic,
			"calc1/aux.txt":         AccessPublic,
			"calc1/POTCAR.stripped": AccessPublic,
			"calc1/POTCAR":          AccessRestricted,
			"calc2/main2.json":      AccessRestricted,
			"calc2/secret.txt":      AccessRestricted,
		}
		for path, want := range cases {
			access, err := pub.RawFileAccess(path)
			require.NoError(t, err, path)
			assert.Equal(t, want, access, path)
		}
	})

	t.Run("Archives", func(t *testing.T) {
		doc, access, err := pub.ReadArchive(entries[0].EntryID)
		require.NoError(t, err)
		assert.Equal(t, AccessPublic, access)
		assert.Equal(t, "parsers/template", doc.Parser)

		doc, access, err = pub.ReadArchive(entries[1].EntryID)
		require.NoError(t, err)
		assert.Equal(t, AccessRestricted, access)
		assert.Equal(t, entries[1].Mainfile, doc.Mainfile)
		assert.Nil(t, doc.Run)

		_, _, err = pub.ReadArchive("missing_entry_id")
		assert.ErrorIs(t, err, ErrPathNotFound)
	})

	t.Run("ReadPath", func(t *testing.T) {
		assert.True(t, pub.Exists())
		assert.True(t, pub.RawPathIsFile("calc1/main1.json"))
		assert.True(t, pub.RawPathExists("calc1"))
		assert.False(t, pub.RawPathExists("missing"))

		size, err := pub.RawFileSize("calc1/aux.txt")
		require.NoError(t, err)
		assert.Equal(t, int64(len("aux data")), size)

		assert.Equal(t, `{"program": "one"}`, readAllRaw(t, pub, "calc1/main1.json"))

		rc, err := pub.OpenRawFile("calc1/aux.txt", 4, 4, false)
		require.NoError(t, err)
		data, err := io.ReadAll(rc)
		rc.Close()
		require.NoError(t, err)
		assert.Equal(t, "data", string(data))

		mime, err := pub.RawFileMime("calc1/main1.json")
		require.NoError(t, err)
		assert.Contains(t, mime, "json")
	})

	t.Run("DirectoryList", func(t *testing.T) {
		infos, err := pub.RawDirectoryList("", true, true)
		require.NoError(t, err)
		paths := make([]string, 0, len(infos))
		for _, info := range infos {
			paths = append(paths, info.Path)
		}
		assert.Equal(t, []string{
			"calc1/POTCAR", "calc1/POTCAR.stripped", "calc1/aux.txt",
			"calc1/main1.json", "calc2/main2.json", "calc2/secret.txt",
		}, paths)

		infos, err = pub.RawDirectoryList("", false, false)
		require.NoError(t, err)
		require.Len(t, infos, 2)
		assert.Equal(t, "calc1", infos[0].Path)
		assert.False(t, infos[0].IsFile)
	})
}

func TestPackEmbargoedAuxOfPublicEntry(t *testing.T) {
	// A file can be aux of an embargoed entry and still public when it
	// belongs to an unembargoed entry's directory listing. Only mainfiles
	// of embargoed entries are forced restricted.
	store := createTestStore(t)
	s := store.StagingFiles("shared_dir_upload")

	writeRaw(t, s, "calc/open.json", "open main")
	writeRaw(t, s, "calc/closed.json", "closed main")
	writeRaw(t, s, "calc/shared.txt", "shared aux")

	entries := []PackEntry{
		{EntryID: "entry_open_cccccccccccccccccc", Mainfile: "calc/open.json"},
		{EntryID: "entry_closed_dddddddddddddddd", Mainfile: "calc/closed.json", WithEmbargo: true},
	}
	require.NoError(t, s.Pack(entries, -1))

	pub := store.PublicFiles("shared_dir_upload")

	access, err := pub.RawFileAccess("calc/shared.txt")
	require.NoError(t, err)
	assert.Equal(t, AccessPublic, access)

	access, err = pub.RawFileAccess("calc/open.json")
	require.NoError(t, err)
	assert.Equal(t, AccessPublic, access)

	access, err = pub.RawFileAccess("calc/closed.json")
	require.NoError(t, err)
	assert.Equal(t, AccessRestricted, access)
}

func TestToStaging(t *testing.T) {
	store, entries, pub := packedFixture(t)

	// Simulate a fresh node: drop the frozen staging tree first.
	require.NoError(t, store.StagingFiles("packed_upload").Delete())

	staging, err := pub.ToStaging(entries)
	require.NoError(t, err)
	assert.False(t, staging.IsFrozen())

	for path, content := range map[string]string{
		"calc1/main1.json": `{"program": "one"}`,
		"calc1/aux.txt":    "aux data",
		"calc1/POTCAR":     "PAW_PBE Si\nlicensed data\n",
		"calc2/main2.json": `{"program": "two"}`,
		"calc2/secret.txt": "embargoed aux",
	} {
		data, err := staging.ReadRawHead(path, 4096)
		require.NoError(t, err, path)
		assert.Equal(t, content, string(data), path)
	}

	for _, e := range entries {
		assert.True(t, staging.EntryArchiveExists(e.EntryID), e.EntryID)
	}
	doc, err := staging.ReadEntryArchive(entries[0].EntryID)
	require.NoError(t, err)
	assert.Equal(t, "parsers/template", doc.Parser)
}

func TestRepack(t *testing.T) {
	t.Run("EmbargoLift", func(t *testing.T) {
		_, entries, pub := packedFixture(t)

		lifted := []PackEntry{entries[0], {
			EntryID:  entries[1].EntryID,
			Mainfile: entries[1].Mainfile,
		}}
		require.NoError(t, pub.Repack(lifted, -1, true, pub))

		access, err := pub.RawFileAccess("calc2/main2.json")
		require.NoError(t, err)
		assert.Equal(t, AccessPublic, access)

		access, err = pub.RawFileAccess("calc2/secret.txt")
		require.NoError(t, err)
		assert.Equal(t, AccessPublic, access)

		access, err = pub.RawFileAccess("calc1/POTCAR")
		require.NoError(t, err)
		assert.Equal(t, AccessRestricted, access)

		_, access, err = pub.ReadArchive(entries[1].EntryID)
		require.NoError(t, err)
		assert.Equal(t, AccessPublic, access)

		// Content survives the redistribution.
		assert.Equal(t, `{"program": "two"}`, readAllRaw(t, pub, "calc2/main2.json"))
	})

	t.Run("ArchivesOnly", func(t *testing.T) {
		store, entries, pub := packedFixture(t)
		staging := store.StagingFiles("packed_upload")

		// A reprocessed document lands in staging and replaces the packed one.
		require.NoError(t, staging.WriteEntryArchive(entries[0].EntryID, &archive.EntryArchive{
			EntryID:  entries[0].EntryID,
			Parser:   "parsers/template",
			Mainfile: entries[0].Mainfile,
			Run:      map[string]any{"program": "one", "version": 2},
		}))

		require.NoError(t, pub.Repack(entries, -1, false, staging))

		doc, access, err := pub.ReadArchive(entries[0].EntryID)
		require.NoError(t, err)
		assert.Equal(t, AccessPublic, access)
		require.NotNil(t, doc.Run)
		assert.EqualValues(t, 2, doc.Run["version"])

		// Raw zips are untouched.
		access, err = pub.RawFileAccess("calc2/main2.json")
		require.NoError(t, err)
		assert.Equal(t, AccessRestricted, access)
	})

	t.Run("RefusesConcurrentRepack", func(t *testing.T) {
		_, entries, pub := packedFixture(t)

		stray := pub.ArchivePath(AccessPublic) + repackedSuffix
		require.NoError(t, os.WriteFile(stray, []byte("partial"), 0644))

		assert.ErrorIs(t, pub.Repack(entries, -1, false, pub), ErrRepackInProgress)
	})
}
