package match

import (
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/gabriel-vasile/mimetype"

	"github.com/nomad-lab/nomad-core/pkg/files"
)

// DefaultMatchingSize is how many bytes of a file the content probe reads.
const DefaultMatchingSize = 16 * 1024

// Config holds the matching options.
type Config struct {
	// MatchingSize is the number of bytes read for the content probe.
	MatchingSize int `mapstructure:"parser_matching_size" yaml:"parser_matching_size" validate:"gte=0"`
	// DecodingFallback enables the ISO-8859-1 fallback for files that are
	// not valid UTF-8. Matched mainfiles that needed the fallback are
	// re-encoded to UTF-8 in place.
	DecodingFallback bool `mapstructure:"decoding_fallback" yaml:"decoding_fallback"`
}

// ApplyDefaults fills in missing configuration with default values.
func (c *Config) ApplyDefaults() {
	if c.MatchingSize == 0 {
		c.MatchingSize = DefaultMatchingSize
	}
}

// Matcher selects at most one parser for a raw file.
type Matcher struct {
	registry *Registry
	cfg      Config
}

// NewMatcher returns a Matcher over the given parser registry.
func NewMatcher(registry *Registry, cfg Config) *Matcher {
	cfg.ApplyDefaults()
	return &Matcher{registry: registry, cfg: cfg}
}

// Match probes the raw file at the given upload-relative path and returns
// the first parser whose rules match, or nil when no parser matches. With
// strict, placeholder parsers are not offered. Files that cannot be read
// never match; the first match may re-encode the file to UTF-8 in place.
func (m *Matcher) Match(staging *files.StagingFiles, rawPath string, strict bool) (*Parser, error) {
	base := path.Base(rawPath)
	if strings.HasPrefix(base, ".") || strings.HasPrefix(base, "~") {
		return nil, nil
	}

	head, err := staging.ReadRawHead(rawPath, 3)
	if err != nil {
		if err == files.ErrPathNotFound {
			return nil, nil
		}
		return nil, err
	}
	compression := files.DetectCompression(head)

	probe, err := m.readProbe(staging, rawPath)
	if err != nil {
		return nil, err
	}

	mime := mimetype.Detect(probe).String()
	contents, usedFallback := decodeHead(probe, m.cfg.DecodingFallback)

	for _, p := range m.registry.Parsers() {
		if strict && p.Placeholder {
			continue
		}
		if !p.matchesCompression(compression) {
			continue
		}
		if p.MainfileNameRe != nil && !p.MainfileNameRe.MatchString(rawPath) {
			continue
		}
		if p.MainfileMimeRe != nil && !p.MainfileMimeRe.MatchString(mime) {
			continue
		}
		if p.MainfileContentsRe != nil {
			if contents == "" && len(probe) > 0 {
				// binary file
				continue
			}
			if !p.MainfileContentsRe.MatchString(contents) {
				continue
			}
		}

		if usedFallback && compression == files.CompressionNone {
			if err := reencodeUTF8(staging, rawPath); err != nil {
				return nil, err
			}
		}
		return p, nil
	}
	return nil, nil
}

// readProbe reads the head of the file used for mime and content matching,
// transparently decompressed.
func (m *Matcher) readProbe(staging *files.StagingFiles, rawPath string) ([]byte, error) {
	rc, err := staging.OpenRawFile(rawPath, 0, int64(m.cfg.MatchingSize), true)
	if err != nil {
		if err == files.ErrPathNotFound {
			return nil, nil
		}
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// decodeHead decodes the probe as text. Valid UTF-8 is used as is; with
// fallback enabled other bytes are decoded as ISO-8859-1. The returned
// bool reports whether the fallback was used. Binary files (fallback
// disabled) decode to the empty string.
func decodeHead(probe []byte, fallback bool) (string, bool) {
	if utf8.Valid(probe) {
		return string(probe), false
	}
	if !fallback {
		return "", false
	}
	return decodeLatin1(probe), true
}

// decodeLatin1 maps every byte to the unicode code point of the same value.
func decodeLatin1(data []byte) string {
	runes := make([]rune, len(data))
	for i, b := range data {
		runes[i] = rune(b)
	}
	return string(runes)
}

// reencodeUTF8 rewrites a latin-1 raw file as UTF-8 in place.
func reencodeUTF8(staging *files.StagingFiles, rawPath string) error {
	rc, err := staging.OpenRawFile(rawPath, 0, -1, false)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		return err
	}
	if utf8.Valid(data) {
		return nil
	}
	abs := filepath.Join(staging.RawDir(), filepath.FromSlash(rawPath))
	return os.WriteFile(abs, []byte(decodeLatin1(data)), 0644)
}
