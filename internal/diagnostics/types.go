package diagnostics

import "time"

type Severity string

const (
	SeverityError       Severity = "error"
	SeverityWarning     Severity = "warning"
	SeverityInformation Severity = "information"
	SeverityHint        Severity = "hint"
)

// Position is zero-based, like editor positions.
type Position struct {
	Line      int `json:"line"`
	Character int `json:"character"`
}

type Range struct {
	Start Position `json:"start"`
	End   Position `json:"end"`
}

type Diagnostic struct {
	Range       Range    `json:"range"`
	Severity    Severity `json:"severity"`
	Message     string   `json:"message"`
	Source      string   `json:"source"`
	Code        string   `json:"code,omitempty"`
	Correctable bool     `json:"correctable,omitempty"`
}

// Change is published to subscribers whenever the diagnostics of a
// resource are replaced or removed.
type Change struct {
	URI         string       `json:"uri"`
	Diagnostics []Diagnostic `json:"diagnostics"`
	Deleted     bool         `json:"deleted,omitempty"`
	At          time.Time    `json:"at"`
}

type FileDiagnostics struct {
	URI         string       `json:"uri"`
	Diagnostics []Diagnostic `json:"diagnostics"`
	UpdatedAt   time.Time    `json:"updated_at"`
}

// Counts tallies diagnostics by severity.
func Counts(diags []Diagnostic) map[Severity]int {
	out := make(map[Severity]int, 4)
	for _, d := range diags {
		out[d.Severity]++
	}
	return out
}
