package html

import (
	"bytes"
	"strings"
	"testing"

	"github.com/PiotrMackowski/ClosedSTIG/internal/audit"
	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/report"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
)

func TestReporterGenerate(t *testing.T) {
	doc := report.New("redhat", []finding.Result{
		{RuleID: "RHEL-09-255015", Title: "Disable root login", Severity: finding.High, Status: finding.StatusFail,
			FindingDetails: "SSH PermitRootLogin is 'yes' (expected: no)"},
		{RuleID: "RHEL-09-212010", Title: "Enforce SELinux", Severity: finding.Medium, Status: finding.StatusPass},
	}, map[string]rules.Detail{
		"RHEL-09-255015": {
			RuleID:      "RHEL-09-255015",
			Description: "<VulnDiscussion>Root login over SSH bypasses accountability.</VulnDiscussion>",
			FixText:     "Set PermitRootLogin no",
		},
	})
	doc.Job = &audit.Job{ID: "job-123"}
	doc.Target = &audit.Target{Name: "web01"}
	doc.Definition = &audit.Definition{Title: "RHEL 9 STIG"}

	var buf bytes.Buffer
	if err := (&Reporter{}).Generate(&buf, doc); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	output := buf.String()

	for _, want := range []string{
		"<!DOCTYPE html>",
		report.Title,
		"web01",
		"RHEL 9 STIG",
		"job-123",
		"50.00%",
		"RHEL-09-255015",
		"FAIL",
		"Root login over SSH bypasses accountability.",
		"Set PermitRootLogin no",
		"&#39;yes&#39;",
	} {
		if !strings.Contains(output, want) {
			t.Errorf("output missing %q", want)
		}
	}
	if strings.Contains(output, "<VulnDiscussion>") {
		t.Error("description tags should be stripped")
	}
	if strings.Index(output, "RHEL-09-255015") > strings.Index(output, "RHEL-09-212010") {
		t.Error("high severity rows should come first")
	}
}

func TestReporterGenerateAdHoc(t *testing.T) {
	var buf bytes.Buffer
	if err := (&Reporter{}).Generate(&buf, report.New("", nil, nil)); err != nil {
		t.Fatalf("Generate() error: %v", err)
	}
	if !strings.Contains(buf.String(), "No results.") {
		t.Error("empty report should say so")
	}
}

func TestScoreClass(t *testing.T) {
	tests := []struct {
		score float64
		want  string
	}{
		{100, "score-good"},
		{80, "score-good"},
		{79.99, "score-warn"},
		{60, "score-warn"},
		{10, "score-bad"},
	}
	for _, tt := range tests {
		if got := scoreClass(tt.score); got != tt.want {
			t.Errorf("scoreClass(%v) = %q, want %q", tt.score, got, tt.want)
		}
	}
}
