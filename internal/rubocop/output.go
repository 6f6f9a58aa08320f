package rubocop

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/antoniostano/copd/internal/diagnostics"
)

const Source = "rubocop"

var (
	ErrEmptyOutput     = errors.New("rubocop produced no output")
	ErrMalformedOutput = errors.New("malformed rubocop output")
)

// Output mirrors `rubocop --format json`.
type Output struct {
	Metadata Metadata `json:"metadata"`
	Files    []File   `json:"files"`
	Summary  Summary  `json:"summary"`
}

type Metadata struct {
	RubocopVersion string `json:"rubocop_version"`
	RubyEngine     string `json:"ruby_engine"`
	RubyVersion    string `json:"ruby_version"`
	RubyPatchlevel string `json:"ruby_patchlevel"`
	RubyPlatform   string `json:"ruby_platform"`
}

type Summary struct {
	OffenseCount       int `json:"offense_count"`
	TargetFileCount    int `json:"target_file_count"`
	InspectedFileCount int `json:"inspected_file_count"`
}

type File struct {
	Path     string    `json:"path"`
	Offenses []Offense `json:"offenses"`
}

type Offense struct {
	Severity    string   `json:"severity"`
	Message     string   `json:"message"`
	CopName     string   `json:"cop_name"`
	Corrected   bool     `json:"corrected"`
	Correctable bool     `json:"correctable"`
	Location    Location `json:"location"`
}

// Location is one-based. Newer rubocop versions also report the full span.
type Location struct {
	Line        int `json:"line"`
	Column      int `json:"column"`
	Length      int `json:"length"`
	StartLine   int `json:"start_line,omitempty"`
	StartColumn int `json:"start_column,omitempty"`
	LastLine    int `json:"last_line,omitempty"`
	LastColumn  int `json:"last_column,omitempty"`
}

// ParseOutput decodes rubocop JSON output. Warnings printed ahead of the
// JSON document are skipped.
func ParseOutput(raw []byte) (Output, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return Output{}, ErrEmptyOutput
	}

	var out Output
	err := json.Unmarshal(raw, &out)
	if err == nil {
		return out, nil
	}

	if start := bytes.LastIndex(raw, []byte("\n{")); start >= 0 {
		if err2 := json.Unmarshal(raw[start+1:], &out); err2 == nil {
			return out, nil
		}
	}
	if brace := bytes.IndexByte(raw, '{'); brace > 0 {
		if err2 := json.Unmarshal(raw[brace:], &out); err2 == nil {
			return out, nil
		}
	}
	return Output{}, fmt.Errorf("%w: %v", ErrMalformedOutput, err)
}

func SeverityOf(sev string) diagnostics.Severity {
	switch strings.ToLower(strings.TrimSpace(sev)) {
	case "refactor":
		return diagnostics.SeverityHint
	case "convention":
		return diagnostics.SeverityInformation
	case "warning":
		return diagnostics.SeverityWarning
	case "error", "fatal":
		return diagnostics.SeverityError
	default:
		return diagnostics.SeverityError
	}
}

func ToDiagnostic(o Offense) diagnostics.Diagnostic {
	return diagnostics.Diagnostic{
		Range:       rangeOf(o.Location),
		Severity:    SeverityOf(o.Severity),
		Message:     o.Message,
		Source:      Source,
		Code:        o.CopName,
		Correctable: o.Correctable,
	}
}

func ToDiagnostics(f File) []diagnostics.Diagnostic {
	out := make([]diagnostics.Diagnostic, 0, len(f.Offenses))
	for _, o := range f.Offenses {
		out = append(out, ToDiagnostic(o))
	}
	return out
}

// Diagnostics flattens every file of the report. Rubocop is invoked on a
// single file, so the result belongs to that file.
func (o Output) Diagnostics() []diagnostics.Diagnostic {
	var out []diagnostics.Diagnostic
	for _, f := range o.Files {
		out = append(out, ToDiagnostics(f)...)
	}
	if out == nil {
		out = []diagnostics.Diagnostic{}
	}
	return out
}

func rangeOf(loc Location) diagnostics.Range {
	if loc.StartLine > 0 && loc.LastLine > 0 {
		return diagnostics.Range{
			Start: diagnostics.Position{Line: loc.StartLine - 1, Character: clampZero(loc.StartColumn - 1)},
			End:   diagnostics.Position{Line: loc.LastLine - 1, Character: clampZero(loc.LastColumn)},
		}
	}
	line := clampZero(loc.Line - 1)
	col := clampZero(loc.Column - 1)
	return diagnostics.Range{
		Start: diagnostics.Position{Line: line, Character: col},
		End:   diagnostics.Position{Line: line, Character: col + clampZero(loc.Length)},
	}
}

func clampZero(n int) int {
	if n < 0 {
		return 0
	}
	return n
}
