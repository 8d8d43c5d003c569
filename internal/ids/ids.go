// Package ids generates the web-safe identifiers used throughout the
// repository: random 22 character upload ids and 28 character content
// hashes. Both use URL-safe base64 (alphabet with '-' and '_').
package ids

import (
	"crypto/sha512"
	"encoding/base64"
	"io"

	"github.com/google/uuid"
)

// UploadIDLen is the length of generated upload ids.
const UploadIDLen = 22

// HashLen is the length of content and entry hashes.
const HashLen = 28

// NewUploadID returns a web-safe base64 encoded random UUID (type 4),
// truncated to 22 characters (the encoded UUID minus its "==" padding).
func NewUploadID() string {
	u := uuid.New()
	return base64.URLEncoding.EncodeToString(u[:])[:UploadIDLen]
}

// HashString returns the first 28 characters of the URL-safe base64
// encoded sha512 digest of s.
func HashString(s string) string {
	sum := sha512.Sum512([]byte(s))
	return base64.URLEncoding.EncodeToString(sum[:])[:HashLen]
}

// Hasher accumulates data for a 28 character web-safe hash. It is used
// to hash entry file contents without loading them into memory at once.
type Hasher struct {
	h io.Writer
	s interface{ Sum([]byte) []byte }
}

// NewHasher returns an empty Hasher.
func NewHasher() *Hasher {
	h := sha512.New()
	return &Hasher{h: h, s: h}
}

// Write adds data to the hash. It never returns an error.
func (h *Hasher) Write(p []byte) (int, error) {
	return h.h.Write(p)
}

// AddString adds a string to the hash.
func (h *Hasher) AddString(s string) {
	h.h.Write([]byte(s))
}

// AddReader consumes r into the hash.
func (h *Hasher) AddReader(r io.Reader) error {
	_, err := io.Copy(h.h, r)
	return err
}

// Sum returns the 28 character web-safe digest of everything written so far.
func (h *Hasher) Sum() string {
	return base64.URLEncoding.EncodeToString(h.s.Sum(nil))[:HashLen]
}

// EntryID derives the id of an entry from its upload id and mainfile path.
func EntryID(uploadID, mainfile string) string {
	return HashString(uploadID + mainfile)
}
