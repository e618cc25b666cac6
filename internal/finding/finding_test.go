package finding

import (
	"testing"
)

func TestSeverityOrder(t *testing.T) {
	tests := []struct {
		severity Severity
		want     int
	}{
		{High, 0},
		{Medium, 1},
		{Low, 2},
		{Severity("UNKNOWN"), 3},
	}

	for _, tt := range tests {
		t.Run(string(tt.severity), func(t *testing.T) {
			got := SeverityOrder(tt.severity)
			if got != tt.want {
				t.Errorf("SeverityOrder(%q) = %d, want %d", tt.severity, got, tt.want)
			}
		})
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		in   string
		want Severity
	}{
		{"high", High},
		{"HIGH", High},
		{" low ", Low},
		{"medium", Medium},
		{"", Medium},
		{"critical", Medium},
		{"CAT I", High},
	}

	for _, tt := range tests {
		if got := ParseSeverity(tt.in); got != tt.want {
			t.Errorf("ParseSeverity(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestParseStatus(t *testing.T) {
	if st, ok := ParseStatus("PASS"); !ok || st != StatusPass {
		t.Errorf("ParseStatus(PASS) = %q, %v", st, ok)
	}
	if st, ok := ParseStatus("not_reviewed"); !ok || st != StatusNotReviewed {
		t.Errorf("ParseStatus(not_reviewed) = %q, %v", st, ok)
	}
	if _, ok := ParseStatus("open"); ok {
		t.Error("ParseStatus(open) should be rejected")
	}
}

func TestComplianceScore(t *testing.T) {
	tests := []struct {
		passed, failed int
		want           float64
	}{
		{0, 0, 0},
		{8, 2, 80},
		{1, 2, 33.33},
		{2, 1, 66.67},
		{5, 0, 100},
		{0, 5, 0},
	}

	for _, tt := range tests {
		if got := ComplianceScore(tt.passed, tt.failed); got != tt.want {
			t.Errorf("ComplianceScore(%d, %d) = %v, want %v", tt.passed, tt.failed, got, tt.want)
		}
	}
}

func TestNewSummary(t *testing.T) {
	results := []Result{
		{RuleID: "a", Severity: High, Status: StatusPass},
		{RuleID: "b", Severity: High, Status: StatusFail},
		{RuleID: "c", Severity: Medium, Status: StatusPass},
		{RuleID: "d", Severity: Low, Status: StatusNotApplicable},
		{RuleID: "e", Severity: Low, Status: StatusNotReviewed},
		{RuleID: "f", Severity: Medium, Status: StatusError},
	}

	s := NewSummary(results)

	if s.TotalChecks != 6 {
		t.Errorf("TotalChecks = %d, want 6", s.TotalChecks)
	}
	if s.Passed != 2 || s.Failed != 1 || s.NotApplicable != 1 || s.NotReviewed != 1 || s.Errors != 1 {
		t.Errorf("unexpected counts: %+v", s)
	}
	if s.ComplianceScore != 66.67 {
		t.Errorf("ComplianceScore = %v, want 66.67", s.ComplianceScore)
	}
	if got := s.SeverityBreakdown[High]; got.Passed != 1 || got.Failed != 1 {
		t.Errorf("high breakdown = %+v", got)
	}
	if got := s.SeverityBreakdown[Low]; got.Passed != 0 || got.Failed != 0 {
		t.Errorf("low breakdown should only count pass/fail, got %+v", got)
	}
}

func TestNewSummaryEmpty(t *testing.T) {
	s := NewSummary(nil)
	if s.ComplianceScore != 0 {
		t.Errorf("ComplianceScore = %v, want 0", s.ComplianceScore)
	}
	for _, sev := range Severities {
		if _, ok := s.SeverityBreakdown[sev]; !ok {
			t.Errorf("breakdown missing %q", sev)
		}
	}
}

func TestNewGroupSummaryOnlyCountsCompleted(t *testing.T) {
	jobs := []JobSummary{
		{JobID: "1", Completed: true, Summary: Summary{TotalChecks: 10, Passed: 8, Failed: 2}},
		{JobID: "2", Completed: true, Summary: Summary{TotalChecks: 4, Passed: 1, Failed: 3}},
		{JobID: "3", Completed: false, Summary: Summary{TotalChecks: 100, Passed: 100}},
	}

	g := NewGroupSummary("g1", 3, jobs)

	if g.CompletedJobs != 2 {
		t.Errorf("CompletedJobs = %d, want 2", g.CompletedJobs)
	}
	if g.TotalChecks != 14 || g.Passed != 9 || g.Failed != 5 {
		t.Errorf("unexpected totals: %+v", g)
	}
	if g.ComplianceScore != 64.29 {
		t.Errorf("ComplianceScore = %v, want 64.29", g.ComplianceScore)
	}
	if len(g.Jobs) != 3 {
		t.Errorf("Jobs = %d, want 3", len(g.Jobs))
	}
}

func TestResultNormalize(t *testing.T) {
	r := Result{RuleID: "x", Severity: "CAT III"}
	r.Normalize()
	if r.Status != StatusNotReviewed {
		t.Errorf("Status = %q, want %q", r.Status, StatusNotReviewed)
	}
	if r.Severity != Low {
		t.Errorf("Severity = %q, want %q", r.Severity, Low)
	}
}

func TestFilterResults(t *testing.T) {
	results := []Result{
		{RuleID: "a", Severity: High, Status: StatusPass},
		{RuleID: "b", Severity: High, Status: StatusFail},
		{RuleID: "c", Severity: Low, Status: StatusFail},
	}

	if got := FilterResults(results, StatusFail, ""); len(got) != 2 {
		t.Errorf("status filter = %d results, want 2", len(got))
	}
	if got := FilterResults(results, StatusFail, High); len(got) != 1 || got[0].RuleID != "b" {
		t.Errorf("combined filter = %+v", got)
	}
	if got := FilterResults(results, "", ""); len(got) != 3 {
		t.Errorf("empty filter = %d results, want 3", len(got))
	}
}
