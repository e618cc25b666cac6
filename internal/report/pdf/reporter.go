// Package pdf generates printable PDF audit reports.
package pdf

import (
	"fmt"
	"io"
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/report"
	"github.com/go-pdf/fpdf"
)

type rgb struct{ r, g, b int }

var (
	colorHeader  = rgb{31, 41, 55}
	colorPass    = rgb{5, 150, 105}
	colorFail    = rgb{220, 38, 38}
	colorNA      = rgb{107, 114, 128}
	colorWarning = rgb{217, 119, 6}
	colorLow     = rgb{37, 99, 235}
)

// maxText bounds long rule text in the detail section.
const maxText = 1500

// Reporter generates PDF reports.
type Reporter struct{}

// Generate writes doc as an A4 PDF: metadata, executive summary, severity
// breakdown, a findings table and per-rule detail.
func (r *Reporter) Generate(w io.Writer, doc *report.Document) error {
	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle(doc.Title, true)
	pdf.SetCreator("closedstig", true)
	pdf.SetAutoPageBreak(true, 15)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.SetFooterFunc(func() {
		pdf.SetY(-12)
		pdf.SetFont("Helvetica", "I", 8)
		setText(pdf, colorNA)
		pdf.CellFormat(0, 8, fmt.Sprintf("Page %d", pdf.PageNo()), "", 0, "C", false, 0, "")
	})
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	setText(pdf, colorHeader)
	pdf.CellFormat(0, 10, tr(doc.Title), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	metadata(pdf, tr, doc)
	summary(pdf, doc.Summary)
	findingsTable(pdf, tr, doc)
	details(pdf, tr, doc)

	if err := pdf.Output(w); err != nil {
		return fmt.Errorf("rendering PDF report: %w", err)
	}
	return nil
}

func metadata(pdf *fpdf.Fpdf, tr func(string) string, doc *report.Document) {
	rows := [][2]string{
		{"Target", doc.TargetName()},
		{"STIG", doc.DefinitionTitle()},
		{"Platform", doc.Platform},
		{"Generated", doc.GeneratedAt.Format("2006-01-02 15:04:05 UTC")},
	}
	if doc.Job != nil {
		rows = append(rows, [2]string{"Job", doc.Job.ID})
	}
	pdf.SetFont("Helvetica", "", 10)
	for _, row := range rows {
		setText(pdf, colorNA)
		pdf.CellFormat(30, 6, row[0]+":", "", 0, "L", false, 0, "")
		setText(pdf, colorHeader)
		pdf.CellFormat(0, 6, tr(row[1]), "", 1, "L", false, 0, "")
	}
	pdf.Ln(4)
}

func summary(pdf *fpdf.Fpdf, s finding.Summary) {
	section(pdf, "Executive Summary")

	scoreColor := colorFail
	switch {
	case s.ComplianceScore >= 80:
		scoreColor = colorPass
	case s.ComplianceScore >= 60:
		scoreColor = colorWarning
	}
	pdf.SetFont("Helvetica", "B", 14)
	setText(pdf, scoreColor)
	pdf.CellFormat(0, 8, fmt.Sprintf("Compliance score: %.2f%%", s.ComplianceScore), "", 1, "L", false, 0, "")
	pdf.Ln(1)

	widths := []float64{30, 30, 30, 30, 35, 30}
	header(pdf, []string{"Total", "Passed", "Failed", "N/A", "Not Reviewed", "Errors"}, widths)
	pdf.SetFont("Helvetica", "", 10)
	setText(pdf, colorHeader)
	for i, v := range []int{s.TotalChecks, s.Passed, s.Failed, s.NotApplicable, s.NotReviewed, s.Errors} {
		pdf.CellFormat(widths[i], 7, fmt.Sprint(v), "1", 0, "C", false, 0, "")
	}
	pdf.Ln(10)

	section(pdf, "Findings by Severity")
	header(pdf, []string{"Severity", "Passed", "Failed"}, []float64{40, 30, 30})
	pdf.SetFont("Helvetica", "", 10)
	for _, sev := range finding.Severities {
		c := s.SeverityBreakdown[sev]
		setText(pdf, severityColor(sev))
		pdf.CellFormat(40, 7, strings.ToUpper(string(sev)), "1", 0, "L", false, 0, "")
		setText(pdf, colorHeader)
		pdf.CellFormat(30, 7, fmt.Sprint(c.Passed), "1", 0, "C", false, 0, "")
		pdf.CellFormat(30, 7, fmt.Sprint(c.Failed), "1", 1, "C", false, 0, "")
	}
	pdf.Ln(6)
}

func findingsTable(pdf *fpdf.Fpdf, tr func(string) string, doc *report.Document) {
	section(pdf, "Complete Findings List")
	widths := []float64{40, 85, 25, 35}
	header(pdf, []string{"Rule", "Title", "Severity", "Status"}, widths)
	pdf.SetFont("Helvetica", "", 8)
	for _, res := range doc.Sorted() {
		setText(pdf, colorHeader)
		pdf.CellFormat(widths[0], 6, tr(truncate(res.RuleID, 28)), "1", 0, "L", false, 0, "")
		pdf.CellFormat(widths[1], 6, tr(truncate(res.Title, 60)), "1", 0, "L", false, 0, "")
		setText(pdf, severityColor(res.Severity))
		pdf.CellFormat(widths[2], 6, string(res.Severity), "1", 0, "C", false, 0, "")
		setText(pdf, statusColor(res.Status))
		pdf.CellFormat(widths[3], 6, report.StatusLabel(res.Status), "1", 1, "C", false, 0, "")
	}
	pdf.Ln(6)
}

func details(pdf *fpdf.Fpdf, tr func(string) string, doc *report.Document) {
	if len(doc.Results) == 0 {
		return
	}
	pdf.AddPage()
	section(pdf, "All Findings Details")
	for _, res := range doc.Sorted() {
		det := doc.Detail(res.RuleID)

		pdf.SetFont("Helvetica", "B", 10)
		setText(pdf, colorHeader)
		pdf.MultiCell(0, 5, tr(res.RuleID+"  "+res.Title), "", "L", false)
		pdf.SetFont("Helvetica", "B", 9)
		setText(pdf, statusColor(res.Status))
		pdf.CellFormat(0, 5, report.StatusLabel(res.Status)+"  /  "+strings.ToUpper(string(res.Severity)), "", 1, "L", false, 0, "")

		field(pdf, tr, "Description", report.VulnDiscussion(det.Description))
		field(pdf, tr, "Finding Details", res.FindingDetails)
		field(pdf, tr, "Fix Text (Remediation)", det.FixText)
		field(pdf, tr, "Comments", res.Comments)
		pdf.Ln(3)
	}
}

func field(pdf *fpdf.Fpdf, tr func(string) string, label, text string) {
	if strings.TrimSpace(text) == "" {
		return
	}
	pdf.SetFont("Helvetica", "B", 8)
	setText(pdf, colorNA)
	pdf.CellFormat(0, 4, label+":", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 8)
	setText(pdf, colorHeader)
	pdf.MultiCell(0, 4, tr(truncate(text, maxText)), "", "L", false)
}

func section(pdf *fpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 13)
	setText(pdf, colorHeader)
	pdf.CellFormat(0, 8, title, "", 1, "L", false, 0, "")
}

func header(pdf *fpdf.Fpdf, cols []string, widths []float64) {
	pdf.SetFont("Helvetica", "B", 9)
	pdf.SetFillColor(colorHeader.r, colorHeader.g, colorHeader.b)
	pdf.SetTextColor(255, 255, 255)
	for i, c := range cols {
		ln := 0
		if i == len(cols)-1 {
			ln = 1
		}
		pdf.CellFormat(widths[i], 7, c, "1", ln, "C", true, 0, "")
	}
}

func setText(pdf *fpdf.Fpdf, c rgb) {
	pdf.SetTextColor(c.r, c.g, c.b)
}

func severityColor(s finding.Severity) rgb {
	switch s {
	case finding.High:
		return colorFail
	case finding.Low:
		return colorLow
	default:
		return colorWarning
	}
}

func statusColor(s finding.Status) rgb {
	switch s {
	case finding.StatusPass:
		return colorPass
	case finding.StatusFail, finding.StatusError:
		return colorFail
	case finding.StatusNotReviewed:
		return colorWarning
	default:
		return colorNA
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
