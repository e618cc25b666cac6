// Package html generates self-contained HTML audit reports.
package html

import (
	"embed"
	"fmt"
	"html/template"
	"io"

	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/report"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
)

//go:embed templates/*.html
var templateFS embed.FS

var tmpl = template.Must(template.New("report.html").Funcs(template.FuncMap{
	"severityClass": severityClass,
	"statusClass":   statusClass,
	"scoreClass":    scoreClass,
	"statusLabel":   report.StatusLabel,
	"discussion":    report.VulnDiscussion,
}).ParseFS(templateFS, "templates/report.html"))

// ReportData contains all data passed to the HTML template.
type ReportData struct {
	Title        string
	GeneratedAt  string
	Target       string
	Definition   string
	Platform     string
	JobID        string
	Summary      finding.Summary
	SeverityList []finding.Severity
	Rows         []Row
}

// Row is one result with its rule text.
type Row struct {
	finding.Result
	Detail rules.Detail
}

// Reporter generates HTML reports.
type Reporter struct{}

// Generate writes an HTML report to the given writer.
func (r *Reporter) Generate(w io.Writer, doc *report.Document) error {
	sorted := doc.Sorted()
	rows := make([]Row, len(sorted))
	for i, res := range sorted {
		rows[i] = Row{Result: res, Detail: doc.Detail(res.RuleID)}
	}

	data := ReportData{
		Title:        doc.Title,
		GeneratedAt:  doc.GeneratedAt.Format("2006-01-02 15:04:05 UTC"),
		Target:       doc.TargetName(),
		Definition:   doc.DefinitionTitle(),
		Platform:     doc.Platform,
		Summary:      doc.Summary,
		SeverityList: finding.Severities,
		Rows:         rows,
	}
	if doc.Job != nil {
		data.JobID = doc.Job.ID
	}

	if err := tmpl.Execute(w, data); err != nil {
		return fmt.Errorf("rendering HTML report: %w", err)
	}
	return nil
}

func severityClass(s finding.Severity) string {
	switch s {
	case finding.High:
		return "high"
	case finding.Medium:
		return "medium"
	case finding.Low:
		return "low"
	default:
		return "unknown"
	}
}

func statusClass(s finding.Status) string {
	switch s {
	case finding.StatusPass:
		return "pass"
	case finding.StatusFail, finding.StatusError:
		return "fail"
	case finding.StatusNotReviewed:
		return "review"
	default:
		return "na"
	}
}

func scoreClass(score float64) string {
	switch {
	case score >= 80:
		return "score-good"
	case score >= 60:
		return "score-warn"
	default:
		return "score-bad"
	}
}
