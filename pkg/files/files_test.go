package files

import (
	"archive/zip"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nomad-lab/nomad-core/pkg/archive"
)

func createTestStore(t *testing.T) *Store {
	t.Helper()
	base := t.TempDir()
	return NewStore(Config{
		StagingRoot: filepath.Join(base, "staging"),
		PublicRoot:  filepath.Join(base, "public"),
		TmpRoot:     filepath.Join(base, "tmp"),
	})
}

// writeRaw places a file directly into the staging raw directory.
func writeRaw(t *testing.T, s *StagingFiles, relPath, content string) {
	t.Helper()
	require.NoError(t, s.EnsureDirs())
	abs := filepath.Join(s.RawDir(), filepath.FromSlash(relPath))
	require.NoError(t, os.MkdirAll(filepath.Dir(abs), 0755))
	require.NoError(t, os.WriteFile(abs, []byte(content), 0644))
}

func TestIsSafeRelativePath(t *testing.T) {
	safe := []string{"", "a", "a/b", "a/b.json", "dir/sub/file.txt", "a/"}
	for _, p := range safe {
		assert.True(t, IsSafeRelativePath(p), "expected %q to be safe", p)
	}

	unsafe := []string{
		"/a", "/", "a//b", "a/../b", "..", ".", "./a", "a/.",
		"a/\nb", "a\n",
	}
	for _, p := range unsafe {
		assert.False(t, IsSafeRelativePath(p), "expected %q to be unsafe", p)
	}
}

func TestStagingRawFiles(t *testing.T) {
	store := createTestStore(t)
	s := store.StagingFiles("test_upload_id")

	writeRaw(t, s, "calc/main.json", `{"program": "test"}`)
	writeRaw(t, s, "calc/aux.txt", "aux data")
	writeRaw(t, s, "other/file.out", "output")

	t.Run("PathChecks", func(t *testing.T) {
		assert.True(t, s.RawPathExists("calc"))
		assert.True(t, s.RawPathExists("calc/main.json"))
		assert.True(t, s.RawPathIsFile("calc/main.json"))
		assert.False(t, s.RawPathIsFile("calc"))
		assert.False(t, s.RawPathExists("missing"))
		assert.False(t, s.RawPathExists("../escape"))
	})

	t.Run("FileSize", func(t *testing.T) {
		size, err := s.RawFileSize("calc/aux.txt")
		require.NoError(t, err)
		assert.Equal(t, int64(len("aux data")), size)

		_, err = s.RawFileSize("missing")
		assert.ErrorIs(t, err, ErrPathNotFound)
	})

	t.Run("ListRecursive", func(t *testing.T) {
		infos, err := s.RawDirectoryList("", true, true)
		require.NoError(t, err)
		paths := make([]string, 0, len(infos))
		for _, info := range infos {
			paths = append(paths, info.Path)
		}
		assert.Equal(t, []string{"calc/aux.txt", "calc/main.json", "other/file.out"}, paths)
	})

	t.Run("ListNonRecursive", func(t *testing.T) {
		infos, err := s.RawDirectoryList("", false, false)
		require.NoError(t, err)
		require.Len(t, infos, 2)
		assert.Equal(t, "calc", infos[0].Path)
		assert.False(t, infos[0].IsFile)
		assert.Equal(t, "other", infos[1].Path)
	})

	t.Run("ListMissingDir", func(t *testing.T) {
		_, err := s.RawDirectoryList("missing", true, true)
		assert.ErrorIs(t, err, ErrPathNotFound)
	})

	t.Run("Mime", func(t *testing.T) {
		mime, err := s.RawFileMime("calc/main.json")
		require.NoError(t, err)
		assert.Contains(t, mime, "json")
	})

	t.Run("DeletePath", func(t *testing.T) {
		require.NoError(t, s.DeleteRawFiles("other/file.out"))
		assert.False(t, s.RawPathExists("other/file.out"))
		assert.ErrorIs(t, s.DeleteRawFiles("other/file.out"), ErrPathNotFound)
	})

	t.Run("DeleteAll", func(t *testing.T) {
		require.NoError(t, s.DeleteRawFiles(""))
		infos, err := s.RawDirectoryList("", true, true)
		require.NoError(t, err)
		assert.Empty(t, infos)
	})
}

func TestOpenRawFileRanges(t *testing.T) {
	store := createTestStore(t)
	s := store.StagingFiles("range_upload")
	writeRaw(t, s, "data.txt", "hello world")

	read := func(t *testing.T, offset, length int64) string {
		t.Helper()
		rc, err := s.OpenRawFile("data.txt", offset, length, false)
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		return string(data)
	}

	t.Run("Full", func(t *testing.T) {
		assert.Equal(t, "hello world", read(t, 0, -1))
	})

	t.Run("OffsetAndLength", func(t *testing.T) {
		assert.Equal(t, "world", read(t, 6, 5))
		assert.Equal(t, "hello", read(t, 0, 5))
	})

	t.Run("LengthPastEOF", func(t *testing.T) {
		assert.Equal(t, "world", read(t, 6, 100))
	})

	t.Run("OffsetAtEOF", func(t *testing.T) {
		assert.Equal(t, "", read(t, 11, -1))
	})

	t.Run("OffsetPastEOF", func(t *testing.T) {
		_, err := s.OpenRawFile("data.txt", 12, -1, false)
		assert.ErrorIs(t, err, ErrInvalidRange)
	})

	t.Run("InvalidArguments", func(t *testing.T) {
		_, err := s.OpenRawFile("data.txt", -1, -1, false)
		assert.ErrorIs(t, err, ErrInvalidRange)
		_, err = s.OpenRawFile("data.txt", 0, 0, false)
		assert.ErrorIs(t, err, ErrInvalidRange)
		_, err = s.OpenRawFile("data.txt", 0, -2, false)
		assert.ErrorIs(t, err, ErrInvalidRange)
	})

	t.Run("Missing", func(t *testing.T) {
		_, err := s.OpenRawFile("missing.txt", 0, -1, false)
		assert.ErrorIs(t, err, ErrPathNotFound)
	})

	t.Run("Directory", func(t *testing.T) {
		writeRaw(t, s, "dir/inner.txt", "x")
		_, err := s.OpenRawFile("dir", 0, -1, false)
		assert.ErrorIs(t, err, ErrPathNotFound)
	})
}

func TestOpenRawFileDecompress(t *testing.T) {
	store := createTestStore(t)
	s := store.StagingFiles("gz_upload")
	require.NoError(t, s.EnsureDirs())

	content := "line one\nline two\nline three\n"
	gzPath := filepath.Join(s.RawDir(), "data.txt.gz")
	f, err := os.Create(gzPath)
	require.NoError(t, err)
	gw := gzip.NewWriter(f)
	_, err = gw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, gw.Close())
	require.NoError(t, f.Close())

	t.Run("Detect", func(t *testing.T) {
		head, err := s.ReadRawHead("data.txt.gz", 3)
		require.NoError(t, err)
		assert.Equal(t, CompressionGzip, DetectCompression(head))
		assert.Equal(t, CompressionNone, DetectCompression([]byte("pla")))
	})

	t.Run("Transparent", func(t *testing.T) {
		rc, err := s.OpenRawFile("data.txt.gz", 0, -1, true)
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, content, string(data))
	})

	t.Run("RangeAppliesToPlainStream", func(t *testing.T) {
		rc, err := s.OpenRawFile("data.txt.gz", 5, 3, true)
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, content[5:8], string(data))
	})

	t.Run("WithoutDecompress", func(t *testing.T) {
		rc, err := s.OpenRawFile("data.txt.gz", 0, 3, false)
		require.NoError(t, err)
		defer rc.Close()
		data, err := io.ReadAll(rc)
		require.NoError(t, err)
		assert.Equal(t, []byte{0x1f, 0x8b, 0x08}, data)
	})
}

func TestAddRawFiles(t *testing.T) {
	store := createTestStore(t)

	t.Run("SingleFile", func(t *testing.T) {
		s := store.StagingFiles("add_single")
		src := filepath.Join(t.TempDir(), "main.json")
		require.NoError(t, os.WriteFile(src, []byte("{}"), 0644))

		require.NoError(t, s.AddRawFiles(src, "calc", false))
		assert.True(t, s.RawPathIsFile("calc/main.json"))
		_, err := os.Stat(src)
		assert.NoError(t, err, "source must survive without cleanup")
	})

	t.Run("Cleanup", func(t *testing.T) {
		s := store.StagingFiles("add_cleanup")
		src := filepath.Join(t.TempDir(), "main.json")
		require.NoError(t, os.WriteFile(src, []byte("{}"), 0644))

		require.NoError(t, s.AddRawFiles(src, "", true))
		_, err := os.Stat(src)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("DirectoryMerge", func(t *testing.T) {
		s := store.StagingFiles("add_merge")
		writeRaw(t, s, "calc/old.txt", "old")
		writeRaw(t, s, "calc/keep.txt", "keep")

		src := t.TempDir()
		require.NoError(t, os.WriteFile(filepath.Join(src, "old.txt"), []byte("new"), 0644))
		require.NoError(t, os.WriteFile(filepath.Join(src, "added.txt"), []byte("added"), 0644))

		require.NoError(t, s.AddRawFiles(src, "calc", false))

		data, err := s.ReadRawHead("calc/old.txt", 100)
		require.NoError(t, err)
		assert.Equal(t, "new", string(data))
		assert.True(t, s.RawPathIsFile("calc/keep.txt"))
		assert.True(t, s.RawPathIsFile("calc/added.txt"))
	})

	t.Run("ZipSource", func(t *testing.T) {
		s := store.StagingFiles("add_zip")
		src := filepath.Join(t.TempDir(), "upload.zip")
		f, err := os.Create(src)
		require.NoError(t, err)
		zw := zip.NewWriter(f)
		w, err := zw.Create("sub/inner.txt")
		require.NoError(t, err)
		_, err = w.Write([]byte("zipped"))
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		require.NoError(t, f.Close())

		require.NoError(t, s.AddRawFiles(src, "", false))
		data, err := s.ReadRawHead("sub/inner.txt", 100)
		require.NoError(t, err)
		assert.Equal(t, "zipped", string(data))
		assert.False(t, s.RawPathExists("upload.zip"), "zip itself must not be added")
	})

	t.Run("UnsafeZipMember", func(t *testing.T) {
		s := store.StagingFiles("add_zipslip")
		src := filepath.Join(t.TempDir(), "evil.zip")
		f, err := os.Create(src)
		require.NoError(t, err)
		zw := zip.NewWriter(f)
		w, err := zw.Create("../escape.txt")
		require.NoError(t, err)
		_, err = w.Write([]byte("evil"))
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		require.NoError(t, f.Close())

		assert.ErrorIs(t, s.AddRawFiles(src, "", false), ErrUnsafePath)
	})

	t.Run("UnsafeTarget", func(t *testing.T) {
		s := store.StagingFiles("add_unsafe")
		src := filepath.Join(t.TempDir(), "a.txt")
		require.NoError(t, os.WriteFile(src, []byte("x"), 0644))
		assert.ErrorIs(t, s.AddRawFiles(src, "../out", false), ErrUnsafePath)
	})

	t.Run("Frozen", func(t *testing.T) {
		s := store.StagingFiles("add_frozen")
		require.NoError(t, s.EnsureDirs())
		require.NoError(t, s.Freeze())

		src := filepath.Join(t.TempDir(), "a.txt")
		require.NoError(t, os.WriteFile(src, []byte("x"), 0644))
		assert.ErrorIs(t, s.AddRawFiles(src, "", false), ErrFrozen)
		assert.ErrorIs(t, s.DeleteRawFiles(""), ErrFrozen)
	})
}

func TestFreeze(t *testing.T) {
	store := createTestStore(t)
	s := store.StagingFiles("freeze_upload")
	require.NoError(t, s.EnsureDirs())

	assert.False(t, s.IsFrozen())
	require.NoError(t, s.Freeze())
	assert.True(t, s.IsFrozen())
	assert.ErrorIs(t, s.Freeze(), ErrFrozen)

	require.NoError(t, s.Unfreeze())
	assert.False(t, s.IsFrozen())
	require.NoError(t, s.Unfreeze())
}

func TestCalcFiles(t *testing.T) {
	store := createTestStore(t)
	s := store.StagingFiles("calc_upload")

	writeRaw(t, s, "calc/main.json", "main")
	writeRaw(t, s, "calc/a.txt", "a")
	writeRaw(t, s, "calc/b.txt", "b")
	writeRaw(t, s, "calc/sub/nested.txt", "nested")
	writeRaw(t, s, "elsewhere/other.txt", "other")

	t.Run("WithMainfile", func(t *testing.T) {
		fileList, err := s.CalcFiles("calc/main.json", -1, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"calc/main.json", "calc/a.txt", "calc/b.txt"}, fileList)
	})

	t.Run("AuxOnly", func(t *testing.T) {
		fileList, err := s.CalcFiles("calc/main.json", -1, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"calc/a.txt", "calc/b.txt"}, fileList)
	})

	t.Run("Cutoff", func(t *testing.T) {
		fileList, err := s.CalcFiles("calc/main.json", 1, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"calc/main.json", "calc/a.txt"}, fileList)
	})

	t.Run("MissingMainfile", func(t *testing.T) {
		_, err := s.CalcFiles("calc/missing.json", -1, true)
		assert.ErrorIs(t, err, ErrPathNotFound)
	})

	t.Run("EntryHash", func(t *testing.T) {
		hash1, err := s.EntryHash("calc/main.json", -1)
		require.NoError(t, err)
		assert.Len(t, hash1, 28)

		hash2, err := s.EntryHash("calc/main.json", -1)
		require.NoError(t, err)
		assert.Equal(t, hash1, hash2)

		writeRaw(t, s, "calc/a.txt", "changed")
		hash3, err := s.EntryHash("calc/main.json", -1)
		require.NoError(t, err)
		assert.NotEqual(t, hash1, hash3)
	})
}

func TestAlwaysRestricted(t *testing.T) {
	assert.True(t, AlwaysRestricted("POTCAR"))
	assert.True(t, AlwaysRestricted("calc/POTCAR"))
	assert.True(t, AlwaysRestricted("calc/POTCAR.gz"))
	assert.False(t, AlwaysRestricted("calc/POTCAR.stripped"))
	assert.False(t, AlwaysRestricted("calc/main.json"))
	assert.False(t, AlwaysRestricted("calc/notPOTCAR/main.json"))
}

func TestEnsureStripped(t *testing.T) {
	store := createTestStore(t)
	s := store.StagingFiles("potcar_upload")

	original := "PAW_PBE Si 05Jan2001\n\n  data line 1\n  data line 2\n"
	writeRaw(t, s, "calc/POTCAR", original)

	require.NoError(t, s.EnsureStripped("calc/POTCAR"))
	require.True(t, s.RawPathIsFile("calc/POTCAR.stripped"))

	data, err := s.ReadRawHead("calc/POTCAR.stripped", 4096)
	require.NoError(t, err)
	text := string(data)
	assert.Contains(t, text, "checksum (sha224)")
	assert.Contains(t, text, "PAW_PBE Si 05Jan2001")

	// Stays put on repeated calls.
	require.NoError(t, s.EnsureStripped("calc/POTCAR"))
	again, err := s.ReadRawHead("calc/POTCAR.stripped", 4096)
	require.NoError(t, err)
	assert.Equal(t, text, string(again))

	// Non-restricted paths are a no-op.
	require.NoError(t, s.EnsureStripped("calc/main.json"))
	assert.False(t, s.RawPathExists("calc/main.json.stripped"))
}

func TestEntryArchives(t *testing.T) {
	store := createTestStore(t)
	s := store.StagingFiles("archive_upload")
	require.NoError(t, s.EnsureDirs())

	doc := &archive.EntryArchive{
		EntryID:  "test_entry_id",
		Parser:   "parsers/vasp",
		Mainfile: "calc/main.json",
		Run:      map[string]any{"program": "test"},
	}

	assert.False(t, s.EntryArchiveExists("test_entry_id"))
	require.NoError(t, s.WriteEntryArchive("test_entry_id", doc))
	assert.True(t, s.EntryArchiveExists("test_entry_id"))

	read, err := s.ReadEntryArchive("test_entry_id")
	require.NoError(t, err)
	assert.Equal(t, doc.EntryID, read.EntryID)
	assert.Equal(t, doc.Parser, read.Parser)
	assert.Equal(t, doc.Mainfile, read.Mainfile)

	_, err = s.ReadEntryArchive("missing_entry")
	assert.ErrorIs(t, err, ErrPathNotFound)

	require.NoError(t, s.DeleteEntryArchive("test_entry_id"))
	assert.False(t, s.EntryArchiveExists("test_entry_id"))
	require.NoError(t, s.DeleteEntryArchive("test_entry_id"))
}
