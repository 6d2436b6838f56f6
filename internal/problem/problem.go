// Package problem defines severity-tagged validation findings and the
// report type that aggregates them.
package problem

import (
	"fmt"
	"strings"
)

// Severity represents how serious a validation finding is.
type Severity string

const (
	SeverityNone    Severity = "none"
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
	SeverityFatal   Severity = "fatal"
)

// severityRank gives Severity a total order: none < info < warning < error < fatal.
var severityRank = map[Severity]int{
	SeverityNone:    0,
	SeverityInfo:    1,
	SeverityWarning: 2,
	SeverityError:   3,
	SeverityFatal:   4,
}

// Rank returns the numeric position of s in the severity order.
// Unknown severities rank below none.
func (s Severity) Rank() int {
	if r, ok := severityRank[s]; ok {
		return r
	}
	return -1
}

// AtLeast reports whether s is at or above other in the severity order.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ParseSeverity converts a string to a Severity.
func ParseSeverity(s string) (Severity, error) {
	sev := Severity(strings.ToLower(s))
	if _, ok := severityRank[sev]; !ok {
		return "", fmt.Errorf("unknown severity %q", s)
	}
	return sev, nil
}

// Problem is a single validation finding.
type Problem struct {
	Severity Severity `yaml:"severity" json:"severity"`
	Message  string   `yaml:"message" json:"message"`
	Location string   `yaml:"location,omitempty" json:"location,omitempty"`
}

func (p Problem) String() string {
	if p.Location == "" {
		return fmt.Sprintf("%s: %s", strings.ToUpper(string(p.Severity)), p.Message)
	}
	return fmt.Sprintf("%s (%s): %s", strings.ToUpper(string(p.Severity)), p.Location, p.Message)
}

// Report is an ordered collection of problems produced by one validation
// pass. The zero value is an empty report and is ready to use.
type Report struct {
	Problems []Problem `yaml:"problems" json:"problems"`
}

// Add appends a problem to the report.
func (r *Report) Add(severity Severity, location, format string, args ...any) {
	r.Problems = append(r.Problems, Problem{
		Severity: severity,
		Location: location,
		Message:  fmt.Sprintf(format, args...),
	})
}

// Merge appends all problems from other, preserving order.
func (r *Report) Merge(other Report) {
	r.Problems = append(r.Problems, other.Problems...)
}

// Empty reports whether the report contains no problems.
func (r Report) Empty() bool {
	return len(r.Problems) == 0
}

// WorstSeverity returns the highest severity present, or none for an
// empty report.
func (r Report) WorstSeverity() Severity {
	worst := SeverityNone
	for _, p := range r.Problems {
		if p.Severity.Rank() > worst.Rank() {
			worst = p.Severity
		}
	}
	return worst
}

// Exceeds reports whether the worst severity is strictly above threshold.
func (r Report) Exceeds(threshold Severity) bool {
	return r.WorstSeverity().Rank() > threshold.Rank()
}

// Meets reports whether the worst severity is at or above threshold.
func (r Report) Meets(threshold Severity) bool {
	return r.WorstSeverity().Rank() >= threshold.Rank()
}

// Filter returns a new report keeping only problems at or above min.
func (r Report) Filter(min Severity) Report {
	var out Report
	for _, p := range r.Problems {
		if p.Severity.AtLeast(min) {
			out.Problems = append(out.Problems, p)
		}
	}
	return out
}

func (r Report) String() string {
	if r.Empty() {
		return "no problems"
	}
	lines := make([]string, 0, len(r.Problems))
	for _, p := range r.Problems {
		lines = append(lines, p.String())
	}
	return strings.Join(lines, "\n")
}
