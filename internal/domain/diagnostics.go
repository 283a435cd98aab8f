package domain

import "time"

// DiagnosticStatus classifies one startup check. Warn covers degraded but
// workable setups, such as a missing GLOMAP binary or a CPU-only COLMAP
// build, where processing still runs.
type DiagnosticStatus string

const (
	DiagnosticStatusPass DiagnosticStatus = "pass"
	DiagnosticStatusWarn DiagnosticStatus = "warn"
	DiagnosticStatusFail DiagnosticStatus = "fail"
)

// DiagnosticItem is one startup check result with optional hint.
type DiagnosticItem struct {
	ID      string           `json:"id"`
	Name    string           `json:"name"`
	Status  DiagnosticStatus `json:"status"`
	Message string           `json:"message"`
	Hint    string           `json:"hint,omitempty"`
}

// DiagnosticReport aggregates startup checks for API responses.
type DiagnosticReport struct {
	GeneratedAt time.Time        `json:"generatedAt"`
	HasFailures bool             `json:"hasFailures"`
	Items       []DiagnosticItem `json:"items"`
}

// NewDiagnosticReport builds a report, deriving HasFailures from the items.
// Warnings do not count as failures.
func NewDiagnosticReport(items []DiagnosticItem) DiagnosticReport {
	hasFailures := false
	for _, item := range items {
		if item.Status == DiagnosticStatusFail {
			hasFailures = true
			break
		}
	}
	return DiagnosticReport{
		GeneratedAt: time.Now().UTC(),
		HasFailures: hasFailures,
		Items:       items,
	}
}
