package evaluator

import (
	"context"
	"testing"

	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	_ "github.com/PiotrMackowski/ClosedSTIG/internal/parser/redhat"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func settingRule(id, key, expected string) rules.Rule {
	return rules.Rule{
		ID:    id,
		Title: id,
		Check: &rules.CheckSpec{Type: rules.CheckSetting, Key: key, Expected: expected},
	}
}

func TestEvaluateOneResultPerRule(t *testing.T) {
	cfg := parser.NewParsedConfig(parser.RedHat, "")
	rs := []rules.Rule{
		settingRule("A", "SELINUX", "enforcing"),
		{ID: "B", Title: "no check, no keywords"},
		{ID: "C", Check: &rules.CheckSpec{Type: "bogus"}},
		{ID: "D", Check: &rules.CheckSpec{Type: rules.CheckPattern, Pattern: "("}},
	}

	results := New(nil).Evaluate(rs, cfg)

	require.Len(t, results, len(rs))
	for i, r := range results {
		assert.Equal(t, rs[i].ID, r.RuleID)
		assert.Contains(t, finding.Statuses, r.Status)
		assert.False(t, r.CheckedAt.IsZero())
	}
	assert.Equal(t, finding.StatusFail, results[0].Status)
	assert.Equal(t, finding.StatusNotReviewed, results[1].Status)
	assert.Equal(t, ManualReview, results[1].FindingDetails)
	assert.Equal(t, finding.StatusNotReviewed, results[2].Status)
	assert.Contains(t, results[2].FindingDetails, "Unknown check type")
	assert.Equal(t, finding.StatusError, results[3].Status)
}

func TestEvaluateNilConfigAndEmptyRules(t *testing.T) {
	assert.Empty(t, New(nil).Evaluate(nil, nil))
	results := New(nil).Evaluate([]rules.Rule{settingRule("A", "X", "")}, nil)
	require.Len(t, results, 1)
	assert.Equal(t, finding.StatusFail, results[0].Status)
}

func TestEvaluateRecoversFromPanics(t *testing.T) {
	logger, hook := test.NewNullLogger()
	e := New(logger)
	e.heuristic = &Heuristic{keywords: []keyword{{
		name:  "boom",
		words: []string{"boom"},
		eval: func(rules.Rule, string, *parser.ParsedConfig) (finding.Status, string) {
			panic("kaboom")
		},
	}}}

	rs := []rules.Rule{
		{ID: "P1", Title: "boom"},
		settingRule("OK", "SELINUX", ""),
	}
	cfg := parser.NewParsedConfig(parser.RedHat, "")
	cfg.Settings["SELINUX"] = "enforcing"

	results := e.Evaluate(rs, cfg)

	require.Len(t, results, 2)
	assert.Equal(t, finding.StatusError, results[0].Status)
	assert.Equal(t, "Error evaluating rule: check aborted", results[0].FindingDetails)
	assert.Equal(t, finding.StatusPass, results[1].Status)
	var logged bool
	for _, entry := range hook.AllEntries() {
		if entry.Message == "Rule evaluation panicked" {
			logged = true
			assert.Equal(t, "kaboom", entry.Data["panic"])
		}
	}
	assert.True(t, logged, "panic should be logged with its value")
}

func TestEvaluateContextStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	e := New(nil)
	calls := 0
	e.heuristic = &Heuristic{keywords: []keyword{{
		name:  "count",
		words: []string{"count"},
		eval: func(rules.Rule, string, *parser.ParsedConfig) (finding.Status, string) {
			calls++
			if calls == 2 {
				cancel()
			}
			return finding.StatusPass, "ok"
		},
	}}}

	rs := make([]rules.Rule, 5)
	for i := range rs {
		rs[i] = rules.Rule{ID: string(rune('A' + i)), Title: "count"}
	}

	results, err := e.EvaluateContext(ctx, rs, parser.NewParsedConfig(parser.Linux, ""))

	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, results, 2)
	assert.Equal(t, 2, calls)
}

func TestEvaluateSeverityDefaults(t *testing.T) {
	rs := []rules.Rule{
		{ID: "A", Severity: "HIGH"},
		{ID: "B", Severity: ""},
		{ID: "C", Severity: "catastrophic"},
	}
	results := New(nil).Evaluate(rs, parser.NewParsedConfig(parser.Linux, ""))
	assert.Equal(t, finding.High, results[0].Severity)
	assert.Equal(t, finding.Medium, results[1].Severity)
	assert.Equal(t, finding.Medium, results[2].Severity)
}

func TestRedHatEndToEnd(t *testing.T) {
	// Given: a RedHat config and the built-in RedHat table
	content := "PASS_MAX_DAYS=45\nSELINUX=enforcing\nProtocol 2\nPermitRootLogin no\n"
	cfg, err := parser.Parse(content, parser.RedHat, parser.Options{})
	require.NoError(t, err)
	catalog, err := rules.Builtin()
	require.NoError(t, err)

	// When
	results := New(nil).Evaluate(catalog.ForPlatform(parser.RedHat), cfg)

	// Then: the four configured rules pass and the absent ones fail
	byID := map[string]finding.Status{}
	for _, r := range results {
		byID[r.RuleID] = r.Status
	}
	for _, id := range []string{"RHEL-09-212010", "RHEL-09-411010", "RHEL-09-255010", "RHEL-09-255015"} {
		assert.Equal(t, finding.StatusPass, byID[id], id)
	}
	assert.Equal(t, finding.StatusFail, byID["RHEL-09-211010"], "FIPS")

	summary := finding.NewSummary(results)
	assert.Equal(t, 8, summary.TotalChecks)
	assert.Equal(t, 4, summary.Passed)
	assert.Equal(t, 4, summary.Failed)
	assert.Equal(t, 50.0, summary.ComplianceScore)
}

func TestRedHatEndToEndOnlyConfiguredRules(t *testing.T) {
	content := "PASS_MAX_DAYS=45\nSELINUX=enforcing\nProtocol 2\nPermitRootLogin no\n"
	cfg, err := parser.Parse(content, parser.RedHat, parser.Options{})
	require.NoError(t, err)
	catalog, err := rules.Builtin()
	require.NoError(t, err)

	keep := map[string]bool{"RHEL-09-212010": true, "RHEL-09-411010": true, "RHEL-09-255010": true, "RHEL-09-255015": true}
	var rs []rules.Rule
	for _, r := range catalog.ForPlatform(parser.RedHat) {
		if keep[r.ID] {
			rs = append(rs, r)
		}
	}

	summary := finding.NewSummary(New(nil).Evaluate(rs, cfg))
	assert.Equal(t, 100.0, summary.ComplianceScore)
}
