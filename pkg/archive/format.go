package archive

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/vmihailenco/msgpack/v5"
)

// File layout:
//
//	magic (4 bytes) | toc length (8 bytes, big endian) | toc | blobs
//
// The toc is a msgpack map from entry id to [offset, length], with offsets
// relative to the first byte after the toc. Blobs are independent msgpack
// documents, so one entry can be decoded without touching the others.

var magic = [4]byte{'n', 'a', 'r', '1'}

const headerSize = 12

// ErrEntryNotInArchive is returned when an entry id has no blob in the file.
var ErrEntryNotInArchive = errors.New("entry not in archive")

type blobRef struct {
	Offset int64
	Length int64
}

// Writer accumulates entry documents and writes them as one archive file.
type Writer struct {
	order []string
	blobs map[string][]byte
}

// NewWriter returns an empty Writer.
func NewWriter() *Writer {
	return &Writer{blobs: make(map[string][]byte)}
}

// Add encodes doc and stores it under entryID. Adding the same id twice
// replaces the previous document.
func (w *Writer) Add(entryID string, doc any) error {
	data, err := msgpack.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to encode entry %s: %w", entryID, err)
	}
	if _, ok := w.blobs[entryID]; !ok {
		w.order = append(w.order, entryID)
	}
	w.blobs[entryID] = data
	return nil
}

// Len returns the number of entries added so far.
func (w *Writer) Len() int {
	return len(w.order)
}

// WriteTo writes the complete archive to out.
func (w *Writer) WriteTo(out io.Writer) (int64, error) {
	toc := make(map[string]blobRef, len(w.order))
	var offset int64
	for _, id := range w.order {
		toc[id] = blobRef{Offset: offset, Length: int64(len(w.blobs[id]))}
		offset += int64(len(w.blobs[id]))
	}

	tocData, err := msgpack.Marshal(toc)
	if err != nil {
		return 0, fmt.Errorf("failed to encode toc: %w", err)
	}

	var written int64
	header := make([]byte, headerSize)
	copy(header, magic[:])
	binary.BigEndian.PutUint64(header[4:], uint64(len(tocData)))

	n, err := out.Write(header)
	written += int64(n)
	if err != nil {
		return written, err
	}
	n, err = out.Write(tocData)
	written += int64(n)
	if err != nil {
		return written, err
	}
	for _, id := range w.order {
		n, err = out.Write(w.blobs[id])
		written += int64(n)
		if err != nil {
			return written, err
		}
	}
	return written, nil
}

// WriteFile writes the archive to path, creating or truncating it.
func (w *Writer) WriteFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if _, err := w.WriteTo(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Reader provides random access to the entries of an archive file.
type Reader struct {
	r         io.ReaderAt
	toc       map[string]blobRef
	dataStart int64
}

// NewReader parses the toc of an archive.
func NewReader(r io.ReaderAt) (*Reader, error) {
	header := make([]byte, headerSize)
	if _, err := r.ReadAt(header, 0); err != nil {
		return nil, fmt.Errorf("failed to read archive header: %w", err)
	}
	if !bytes.Equal(header[:4], magic[:]) {
		return nil, fmt.Errorf("not an archive file")
	}
	tocLen := int64(binary.BigEndian.Uint64(header[4:]))
	if tocLen < 0 {
		return nil, fmt.Errorf("corrupt archive: invalid toc length")
	}
	// The toc length comes from the file. Bound it before allocating, a
	// corrupt header must not drive a huge allocation.
	if size, ok := readerSize(r); ok && tocLen > size-headerSize {
		return nil, fmt.Errorf("corrupt archive: toc length %d exceeds file size %d", tocLen, size)
	}

	tocData := make([]byte, tocLen)
	if _, err := r.ReadAt(tocData, headerSize); err != nil {
		return nil, fmt.Errorf("failed to read archive toc: %w", err)
	}

	var toc map[string]blobRef
	if err := msgpack.Unmarshal(tocData, &toc); err != nil {
		return nil, fmt.Errorf("failed to decode archive toc: %w", err)
	}

	return &Reader{r: r, toc: toc, dataStart: headerSize + tocLen}, nil
}

// readerSize reports the total size of r when it is discoverable. Both
// archive sources, files and in-memory buffers, expose their size.
func readerSize(r io.ReaderAt) (int64, bool) {
	switch v := r.(type) {
	case interface{ Size() int64 }:
		return v.Size(), true
	case interface{ Stat() (os.FileInfo, error) }:
		if info, err := v.Stat(); err == nil {
			return info.Size(), true
		}
	}
	return 0, false
}

// EntryIDs returns the ids of all entries in the archive, sorted.
func (r *Reader) EntryIDs() []string {
	ids := make([]string, 0, len(r.toc))
	for id := range r.toc {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Contains reports whether the archive holds a document for entryID.
func (r *Reader) Contains(entryID string) bool {
	_, ok := r.toc[entryID]
	return ok
}

// Len returns the number of entries in the archive.
func (r *Reader) Len() int {
	return len(r.toc)
}

// Decode reads the document of entryID into v.
func (r *Reader) Decode(entryID string, v any) error {
	ref, ok := r.toc[entryID]
	if !ok {
		return ErrEntryNotInArchive
	}
	data := make([]byte, ref.Length)
	if _, err := r.r.ReadAt(data, r.dataStart+ref.Offset); err != nil {
		return fmt.Errorf("failed to read entry %s: %w", entryID, err)
	}
	if err := msgpack.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode entry %s: %w", entryID, err)
	}
	return nil
}

// FileReader is a Reader bound to an open file.
type FileReader struct {
	*Reader
	f *os.File
}

// OpenFile opens an archive file for random access reads.
func OpenFile(path string) (*FileReader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r, err := NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &FileReader{Reader: r, f: f}, nil
}

// Close closes the underlying file.
func (r *FileReader) Close() error {
	return r.f.Close()
}
