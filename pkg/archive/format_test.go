package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testArchive(t *testing.T, id string) *EntryArchive {
	t.Helper()
	return &EntryArchive{
		EntryID:  id,
		Parser:   "parsers/json",
		Mainfile: "dir/" + id + ".json",
		Run: map[string]any{
			"program": "test",
			"value":   int64(42),
		},
		ProcessingLogs: []LogRecord{
			{Time: time.Unix(1700000000, 0).UTC(), Level: "INFO", Message: "parsed"},
		},
	}
}

func TestWriteAndReadBack(t *testing.T) {
	w := NewWriter()
	require.NoError(t, w.Add("entry-a", testArchive(t, "entry-a")))
	require.NoError(t, w.Add("entry-b", testArchive(t, "entry-b")))

	var buf bytes.Buffer
	n, err := w.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	assert.Equal(t, 2, r.Len())
	assert.Equal(t, []string{"entry-a", "entry-b"}, r.EntryIDs())
	assert.True(t, r.Contains("entry-a"))
	assert.False(t, r.Contains("entry-c"))

	var doc EntryArchive
	require.NoError(t, r.Decode("entry-b", &doc))
	assert.Equal(t, "entry-b", doc.EntryID)
	assert.Equal(t, "parsers/json", doc.Parser)
	assert.Equal(t, int64(42), doc.Run["value"])
	require.Len(t, doc.ProcessingLogs, 1)
	assert.Equal(t, "parsed", doc.ProcessingLogs[0].Message)
}

func TestDecodeMissingEntry(t *testing.T) {
	w := NewWriter()
	require.NoError(t, w.Add("entry-a", testArchive(t, "entry-a")))

	var buf bytes.Buffer
	_, err := w.WriteTo(&buf)
	require.NoError(t, err)

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	var doc EntryArchive
	err = r.Decode("missing", &doc)
	assert.True(t, errors.Is(err, ErrEntryNotInArchive))
}

func TestAddReplacesDocument(t *testing.T) {
	w := NewWriter()
	require.NoError(t, w.Add("entry-a", testArchive(t, "entry-a")))

	updated := testArchive(t, "entry-a")
	updated.Parser = "parsers/template"
	require.NoError(t, w.Add("entry-a", updated))
	assert.Equal(t, 1, w.Len())

	var buf bytes.Buffer
	_, err := w.WriteTo(&buf)
	require.NoError(t, err)

	r, err := NewReader(bytes.NewReader(buf.Bytes()))
	require.NoError(t, err)

	var doc EntryArchive
	require.NoError(t, r.Decode("entry-a", &doc))
	assert.Equal(t, "parsers/template", doc.Parser)
}

func TestFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive-public.msg.msg")

	w := NewWriter()
	require.NoError(t, w.Add("entry-a", testArchive(t, "entry-a")))
	require.NoError(t, w.WriteFile(path))

	r, err := OpenFile(path)
	require.NoError(t, err)
	defer r.Close()

	var doc EntryArchive
	require.NoError(t, r.Decode("entry-a", &doc))
	assert.Equal(t, "dir/entry-a.json", doc.Mainfile)
}

func TestRejectsForeignFiles(t *testing.T) {
	_, err := NewReader(bytes.NewReader([]byte("PK\x03\x04 this is a zip")))
	assert.Error(t, err)
}

func TestRejectsOversizedToc(t *testing.T) {
	// Valid magic, but the header claims a toc far beyond the file end.
	header := make([]byte, headerSize)
	copy(header, magic[:])
	binary.BigEndian.PutUint64(header[4:], 1<<40)

	_, err := NewReader(bytes.NewReader(header))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "toc length")

	t.Run("FromFile", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "corrupt.msg")
		require.NoError(t, os.WriteFile(path, header, 0644))
		_, err := OpenFile(path)
		assert.Error(t, err)
	})
}
