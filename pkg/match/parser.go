// Package match maps raw files to parsers. A parser declares what its
// mainfiles look like (name, mime and content patterns); the matcher walks
// candidate files and selects at most one parser per file.
package match

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/nomad-lab/nomad-core/pkg/archive"
	"github.com/nomad-lab/nomad-core/pkg/files"
)

// ParseFunc is the parser contract. It reads the mainfile through the
// staging area and fills the archive document. Log records emitted through
// log end up in the entry's processing logs.
type ParseFunc func(ctx context.Context, staging *files.StagingFiles, mainfile string, doc *archive.EntryArchive, log *slog.Logger) error

// Parser is one registered parser with its matching rules. Parsers are
// registered once at startup and the table is read-only afterwards.
type Parser struct {
	// Name identifies the parser, by convention "parsers/<code>".
	Name string
	// Domain selects which normalizers run after parsing.
	Domain string

	// MainfileNameRe must match the upload-relative path, if set.
	MainfileNameRe *regexp.Regexp
	// MainfileMimeRe must match the probed mime type, if set.
	MainfileMimeRe *regexp.Regexp
	// MainfileContentsRe must match the decoded head of the file, if set.
	// Parsers with a contents pattern never match binary files.
	MainfileContentsRe *regexp.Regexp
	// Compressions lists the transparent compression formats this parser
	// accepts for its mainfiles. Plain files always match.
	Compressions []files.CompressionFormat

	// Placeholder parsers produce stub entries for legacy identifiers and
	// are only offered when matching is not strict.
	Placeholder bool

	// Parse runs the parser. Placeholder parsers may leave this nil; the
	// entry processor writes a stub document for them.
	Parse ParseFunc
}

// matchesCompression reports whether the parser accepts a mainfile wrapped
// in the given compression format.
func (p *Parser) matchesCompression(format files.CompressionFormat) bool {
	if format == files.CompressionNone {
		return true
	}
	for _, c := range p.Compressions {
		if c == format {
			return true
		}
	}
	return false
}

// Registry is the ordered parser table. Matching evaluates parsers in
// registration order and the first positive match wins.
type Registry struct {
	parsers []*Parser
	byName  map[string]*Parser
}

// NewRegistry builds a registry from the given parsers. Parser names must
// be unique.
func NewRegistry(parsers ...*Parser) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Parser, len(parsers))}
	for _, p := range parsers {
		if p.Name == "" {
			return nil, fmt.Errorf("parser without a name")
		}
		if _, exists := r.byName[p.Name]; exists {
			return nil, fmt.Errorf("duplicate parser name %q", p.Name)
		}
		r.parsers = append(r.parsers, p)
		r.byName[p.Name] = p
	}
	return r, nil
}

// Get returns the parser with the given name, or nil.
func (r *Registry) Get(name string) *Parser {
	return r.byName[name]
}

// Parsers returns the parsers in matching order.
func (r *Registry) Parsers() []*Parser {
	return r.parsers
}
