package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/wesleyorama2/volley/internal/loadgen/stats"
)

// OutputFormat represents the report format
type OutputFormat string

const (
	// FormatText is the human readable console summary
	FormatText OutputFormat = "text"
	// FormatJSON is an indented JSON document
	FormatJSON OutputFormat = "json"
	// FormatYAML is a YAML document
	FormatYAML OutputFormat = "yaml"
	// FormatHTML is a standalone page with charts
	FormatHTML OutputFormat = "html"
)

// ParseFormat parses a format name.
func ParseFormat(name string) (OutputFormat, error) {
	switch OutputFormat(strings.ToLower(strings.TrimSpace(name))) {
	case "", FormatText:
		return FormatText, nil
	case FormatJSON:
		return FormatJSON, nil
	case FormatYAML, "yml":
		return FormatYAML, nil
	case FormatHTML:
		return FormatHTML, nil
	default:
		return "", fmt.Errorf("unknown output format %q (want text, json, yaml or html)", name)
	}
}

// FormatForPath picks a report format from a file extension. Anything
// other than .yaml, .yml, .html or .htm is written as JSON.
func FormatForPath(path string) OutputFormat {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	case ".html", ".htm":
		return FormatHTML
	default:
		return FormatJSON
	}
}

// WriteJSON writes the report as indented JSON.
func WriteJSON(w io.Writer, r *stats.Report) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}

// WriteYAML writes the report as YAML.
func WriteYAML(w io.Writer, r *stats.Report) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(r); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return enc.Close()
}

// WriteReport writes the report in a document format.
func WriteReport(w io.Writer, r *stats.Report, format OutputFormat) error {
	switch format {
	case FormatJSON:
		return WriteJSON(w, r)
	case FormatYAML:
		return WriteYAML(w, r)
	case FormatHTML:
		return WriteHTML(w, r)
	default:
		return fmt.Errorf("format %q is not a document format", format)
	}
}

// WriteReportFile writes the report to path, choosing the format from
// the extension.
func WriteReportFile(path string, r *stats.Report) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create report file: %w", err)
	}

	if err := WriteReport(f, r, FormatForPath(path)); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	return nil
}
