// Package report assembles the data every report format renders: the job,
// its target and definition, the results, their summary and the rule text.
package report

import (
	"context"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/PiotrMackowski/ClosedSTIG/internal/audit"
	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
)

// Title is the heading used by every format.
const Title = "STIG Compliance Report"

// Document is the input to every reporter. Job, Target and Definition are
// nil for ad hoc analyses that were never persisted.
type Document struct {
	Title       string                  `json:"title"`
	GeneratedAt time.Time               `json:"generated_at"`
	Job         *audit.Job              `json:"job,omitempty"`
	Target      *audit.Target           `json:"target,omitempty"`
	Definition  *audit.Definition       `json:"definition,omitempty"`
	Platform    string                  `json:"platform,omitempty"`
	Summary     finding.Summary         `json:"summary"`
	Results     []finding.Result        `json:"results"`
	RuleDetails map[string]rules.Detail `json:"rule_details,omitempty"`
}

// Source is what Build needs from the audit service.
type Source interface {
	Job(ctx context.Context, jobID string) (*audit.Job, error)
	Results(ctx context.Context, jobID string, status finding.Status, severity finding.Severity) ([]finding.Result, error)
	RuleDetails(ctx context.Context, job *audit.Job) (map[string]rules.Detail, error)
	Store() audit.Store
}

// Build loads everything a report of jobID needs.
func Build(ctx context.Context, src Source, jobID string) (*Document, error) {
	job, err := src.Job(ctx, jobID)
	if err != nil {
		return nil, err
	}
	target, err := src.Store().GetTarget(ctx, job.TargetID)
	if err != nil {
		return nil, err
	}
	def, err := src.Store().GetDefinition(ctx, job.DefinitionID)
	if err != nil {
		return nil, err
	}
	results, err := src.Results(ctx, jobID, "", "")
	if err != nil {
		return nil, err
	}
	details, err := src.RuleDetails(ctx, job)
	if err != nil {
		return nil, err
	}

	doc := New(string(target.Platform), results, details)
	doc.Job = job
	doc.Target = target
	doc.Definition = def
	return doc, nil
}

// New builds a document from results alone.
func New(platform string, results []finding.Result, details map[string]rules.Detail) *Document {
	if results == nil {
		results = []finding.Result{}
	}
	if details == nil {
		details = map[string]rules.Detail{}
	}
	return &Document{
		Title:       Title,
		GeneratedAt: time.Now().UTC(),
		Platform:    platform,
		Summary:     finding.NewSummary(results),
		Results:     results,
		RuleDetails: details,
	}
}

// Sorted returns the results ordered by severity, most severe first, then
// by rule id. The document is not modified.
func (d *Document) Sorted() []finding.Result {
	out := slices.Clone(d.Results)
	slices.SortStableFunc(out, func(a, b finding.Result) int {
		if c := finding.SeverityOrder(a.Severity) - finding.SeverityOrder(b.Severity); c != 0 {
			return c
		}
		return strings.Compare(a.RuleID, b.RuleID)
	})
	return out
}

// Detail returns the rule text for ruleID, or an empty detail.
func (d *Document) Detail(ruleID string) rules.Detail {
	if det, ok := d.RuleDetails[ruleID]; ok {
		return det
	}
	return rules.Detail{RuleID: ruleID}
}

// TargetName is the target's name or "-" for ad hoc analyses.
func (d *Document) TargetName() string {
	if d.Target == nil {
		return "-"
	}
	return d.Target.Name
}

// DefinitionTitle is the definition title or "-" for ad hoc analyses.
func (d *Document) DefinitionTitle() string {
	if d.Definition == nil {
		return "-"
	}
	return d.Definition.Title
}

var (
	vulnDiscussion = regexp.MustCompile(`(?s)<VulnDiscussion>(.*?)</VulnDiscussion>`)
	xmlTag         = regexp.MustCompile(`<[^>]+>`)
)

// VulnDiscussion extracts the discussion text from an XCCDF rule
// description, which DISA embeds as escaped pseudo-XML. Descriptions
// without the tag have all tags stripped.
func VulnDiscussion(description string) string {
	if description == "" {
		return ""
	}
	if m := vulnDiscussion.FindStringSubmatch(description); m != nil {
		return strings.TrimSpace(m[1])
	}
	return strings.TrimSpace(xmlTag.ReplaceAllString(description, ""))
}

// StatusLabel is the upper-case display form of a status.
func StatusLabel(s finding.Status) string {
	return strings.ToUpper(string(s))
}
