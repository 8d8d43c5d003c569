package match

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"regexp"

	"gopkg.in/yaml.v3"

	"github.com/nomad-lab/nomad-core/pkg/archive"
	"github.com/nomad-lab/nomad-core/pkg/files"
)

// PhononParserName marks entries that get the post-processing step after
// the upload-level cleanup.
const PhononParserName = "parsers/phonopy"

// TemplateParserName is the generic test parser for template mainfiles.
const TemplateParserName = "parsers/template"

// ArchiveParserName re-imports already-parsed archive documents.
const ArchiveParserName = "parsers/archive"

// BuiltinParsers returns the parsers that ship with the core, in matching
// order. Domain parsers register in front of these.
func BuiltinParsers() []*Parser {
	return []*Parser{
		{
			Name:               TemplateParserName,
			Domain:             "dft",
			MainfileNameRe:     regexp.MustCompile(`.*template[^/]*\.json$`),
			MainfileMimeRe:     regexp.MustCompile(`(application/json|text/plain)`),
			MainfileContentsRe: regexp.MustCompile(`"template"`),
			Compressions:       []files.CompressionFormat{files.CompressionGzip, files.CompressionBzip2, files.CompressionXz},
			Parse:              parseJSONMainfile,
		},
		{
			Name:           ArchiveParserName,
			Domain:         "dft",
			MainfileNameRe: regexp.MustCompile(`.*archive\.json$`),
			MainfileMimeRe: regexp.MustCompile(`(application/json|text/plain)`),
			Parse:          parseJSONMainfile,
		},
		{
			Name:           PhononParserName,
			Domain:         "dft",
			MainfileNameRe: regexp.MustCompile(`(^|/)phonopy[^/]*\.ya?ml$`),
			Parse:          parseYAMLMainfile,
		},
		{
			Name:           "parsers/eels",
			Domain:         "ems",
			MainfileNameRe: regexp.MustCompile(`.*\.eels$`),
			Placeholder:    true,
		},
	}
}

// parseJSONMainfile decodes the mainfile as JSON into the run section.
func parseJSONMainfile(ctx context.Context, staging *files.StagingFiles, mainfile string, doc *archive.EntryArchive, log *slog.Logger) error {
	data, err := readMainfile(staging, mainfile)
	if err != nil {
		return err
	}
	var run map[string]any
	if err := json.Unmarshal(data, &run); err != nil {
		return fmt.Errorf("mainfile is not valid json: %w", err)
	}
	doc.Run = run
	log.Debug("parsed json mainfile", "mainfile", mainfile)
	return nil
}

// parseYAMLMainfile decodes the mainfile as YAML into the run section.
func parseYAMLMainfile(ctx context.Context, staging *files.StagingFiles, mainfile string, doc *archive.EntryArchive, log *slog.Logger) error {
	data, err := readMainfile(staging, mainfile)
	if err != nil {
		return err
	}
	var run map[string]any
	if err := yaml.Unmarshal(data, &run); err != nil {
		return fmt.Errorf("mainfile is not valid yaml: %w", err)
	}
	doc.Run = run
	log.Debug("parsed yaml mainfile", "mainfile", mainfile)
	return nil
}

func readMainfile(staging *files.StagingFiles, mainfile string) ([]byte, error) {
	rc, err := staging.OpenRawFile(mainfile, 0, -1, true)
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
