// Package finding defines the per-rule result model and the compliance
// summary derived from it.
package finding

import (
	"math"
	"strings"
	"time"
)

// Severity represents the STIG category of a rule (CAT I/II/III).
type Severity string

const (
	High   Severity = "high"
	Medium Severity = "medium"
	Low    Severity = "low"
)

// Severities lists every severity, most severe first.
var Severities = []Severity{High, Medium, Low}

// ParseSeverity maps a free-form severity onto the closed set.
// Anything unrecognised, including the empty string, is Medium.
func ParseSeverity(s string) Severity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "high", "cat i", "cat_i", "i":
		return High
	case "low", "cat iii", "cat_iii", "iii":
		return Low
	default:
		return Medium
	}
}

// SeverityOrder returns a numeric priority for sorting (lower = more severe).
func SeverityOrder(s Severity) int {
	switch s {
	case High:
		return 0
	case Medium:
		return 1
	case Low:
		return 2
	default:
		return 3
	}
}

// Status is the verdict of a single rule evaluation.
type Status string

const (
	StatusPass          Status = "pass"
	StatusFail          Status = "fail"
	StatusNotApplicable Status = "not_applicable"
	StatusNotReviewed   Status = "not_reviewed"
	StatusError         Status = "error"
)

// Statuses lists every verdict.
var Statuses = []Status{StatusPass, StatusFail, StatusNotApplicable, StatusNotReviewed, StatusError}

// ParseStatus accepts both the lower-case wire form and the upper-case
// display form. ok is false for anything else.
func ParseStatus(s string) (Status, bool) {
	st := Status(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Statuses {
		if st == known {
			return st, true
		}
	}
	return "", false
}

// Result is the verdict of one rule against one configuration.
type Result struct {
	ID             string    `json:"id,omitempty"`
	JobID          string    `json:"job_id,omitempty"`
	RuleID         string    `json:"rule_id"`
	Title          string    `json:"title"`
	Severity       Severity  `json:"severity"`
	Status         Status    `json:"status"`
	FindingDetails string    `json:"finding_details"`
	Comments       string    `json:"comments,omitempty"`
	CheckedAt      time.Time `json:"checked_at"`
}

// Normalize fills the fields a result must never leave empty.
func (r *Result) Normalize() {
	if r.Status == "" {
		r.Status = StatusNotReviewed
	}
	switch r.Severity {
	case High, Medium, Low:
	default:
		r.Severity = ParseSeverity(string(r.Severity))
	}
}

// SeverityCounts holds the pass/fail tally for one severity.
type SeverityCounts struct {
	Passed int `json:"passed"`
	Failed int `json:"failed"`
}

// Summary provides aggregate statistics for the results of one job.
type Summary struct {
	TotalChecks       int                         `json:"total_checks"`
	Passed            int                         `json:"passed"`
	Failed            int                         `json:"failed"`
	NotApplicable     int                         `json:"not_applicable"`
	NotReviewed       int                         `json:"not_reviewed"`
	Errors            int                         `json:"errors"`
	ComplianceScore   float64                     `json:"compliance_score"`
	SeverityBreakdown map[Severity]SeverityCounts `json:"severity_breakdown"`
	GeneratedAt       time.Time                   `json:"generated_at"`
}

// ComplianceScore is passed/(passed+failed) as a percentage rounded to two
// decimals. NOT_APPLICABLE, NOT_REVIEWED and ERROR never count. Zero when
// nothing passed or failed.
func ComplianceScore(passed, failed int) float64 {
	if passed+failed == 0 {
		return 0
	}
	score := float64(passed) / float64(passed+failed) * 100
	return math.Round(score*100) / 100
}

func newBreakdown() map[Severity]SeverityCounts {
	b := make(map[Severity]SeverityCounts, len(Severities))
	for _, s := range Severities {
		b[s] = SeverityCounts{}
	}
	return b
}

// NewSummary creates a Summary from a slice of results.
func NewSummary(results []Result) Summary {
	s := Summary{
		TotalChecks:       len(results),
		SeverityBreakdown: newBreakdown(),
		GeneratedAt:       time.Now().UTC(),
	}

	for _, r := range results {
		sev := ParseSeverity(string(r.Severity))
		counts := s.SeverityBreakdown[sev]
		switch r.Status {
		case StatusPass:
			s.Passed++
			counts.Passed++
		case StatusFail:
			s.Failed++
			counts.Failed++
		case StatusNotApplicable:
			s.NotApplicable++
		case StatusError:
			s.Errors++
		default:
			s.NotReviewed++
		}
		s.SeverityBreakdown[sev] = counts
	}

	s.ComplianceScore = ComplianceScore(s.Passed, s.Failed)
	return s
}

// JobSummary pairs a job's summary with the identifiers a group report needs.
type JobSummary struct {
	JobID     string  `json:"job_id"`
	Name      string  `json:"name"`
	STIGID    string  `json:"stig_id,omitempty"`
	Title     string  `json:"title,omitempty"`
	Completed bool    `json:"completed"`
	Summary   Summary `json:"summary"`
}

// GroupSummary aggregates the summaries of every completed member job.
type GroupSummary struct {
	GroupID         string       `json:"group_id"`
	TotalJobs       int          `json:"total_jobs"`
	CompletedJobs   int          `json:"completed_jobs"`
	TotalChecks     int          `json:"total_checks"`
	Passed          int          `json:"passed"`
	Failed          int          `json:"failed"`
	NotApplicable   int          `json:"not_applicable"`
	NotReviewed     int          `json:"not_reviewed"`
	Errors          int          `json:"errors"`
	ComplianceScore float64      `json:"compliance_score"`
	Jobs            []JobSummary `json:"jobs"`
	GeneratedAt     time.Time    `json:"generated_at"`
}

// NewGroupSummary sums the completed entries of jobs. Incomplete jobs are
// listed but contribute nothing to the totals.
func NewGroupSummary(groupID string, totalJobs int, jobs []JobSummary) GroupSummary {
	g := GroupSummary{
		GroupID:     groupID,
		TotalJobs:   totalJobs,
		Jobs:        jobs,
		GeneratedAt: time.Now().UTC(),
	}
	if g.Jobs == nil {
		g.Jobs = []JobSummary{}
	}
	for _, j := range jobs {
		if !j.Completed {
			continue
		}
		g.CompletedJobs++
		g.TotalChecks += j.Summary.TotalChecks
		g.Passed += j.Summary.Passed
		g.Failed += j.Summary.Failed
		g.NotApplicable += j.Summary.NotApplicable
		g.NotReviewed += j.Summary.NotReviewed
		g.Errors += j.Summary.Errors
	}
	g.ComplianceScore = ComplianceScore(g.Passed, g.Failed)
	return g
}

// FilterResults returns the results matching status and severity. Empty
// filters match everything.
func FilterResults(results []Result, status Status, severity Severity) []Result {
	out := make([]Result, 0, len(results))
	for _, r := range results {
		if status != "" && r.Status != status {
			continue
		}
		if severity != "" && r.Severity != severity {
			continue
		}
		out = append(out, r)
	}
	return out
}
