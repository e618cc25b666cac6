package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/charmbracelet/lipgloss"
)

// Terminal palette, shared with the HTML report.
var (
	colorPass    = lipgloss.Color("#22C55E")
	colorWarn    = lipgloss.Color("#EAB308")
	colorFail    = lipgloss.Color("#EF4444")
	colorUnknown = lipgloss.Color("#6B7280")
	colorPrimary = lipgloss.Color("#4A9EFF")
	colorDim     = lipgloss.Color("#9CA3AF")
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(colorPrimary).
			BorderStyle(lipgloss.NormalBorder()).
			BorderBottom(true).
			BorderForeground(colorDim)

	summaryBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(colorDim).
			Padding(0, 1).
			MarginBottom(1)

	passStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorPass)
	warnStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorWarn)
	failStyle    = lipgloss.NewStyle().Bold(true).Foreground(colorFail)
	unknownStyle = lipgloss.NewStyle().Foreground(colorUnknown)
	dimStyle     = lipgloss.NewStyle().Foreground(colorDim)
)

func statusStyle(s finding.Status) lipgloss.Style {
	switch s {
	case finding.StatusPass:
		return passStyle
	case finding.StatusFail:
		return failStyle
	case finding.StatusError:
		return warnStyle
	default:
		return unknownStyle
	}
}

func severityStyle(s finding.Severity) lipgloss.Style {
	switch s {
	case finding.High:
		return failStyle
	case finding.Medium:
		return warnStyle
	default:
		return dimStyle
	}
}

// scoreStyle colours a compliance score: green from 90, yellow from 70.
func scoreStyle(score float64) lipgloss.Style {
	switch {
	case score >= 90:
		return passStyle
	case score >= 70:
		return warnStyle
	default:
		return failStyle
	}
}

// renderSummary draws the boxed compliance summary.
func renderSummary(title string, s finding.Summary) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	fmt.Fprintf(&b, "Compliance: %s\n", scoreStyle(s.ComplianceScore).Render(fmt.Sprintf("%.2f%%", s.ComplianceScore)))
	fmt.Fprintf(&b, "%s %d  %s %d  %s %d  %s %d  %s %d\n",
		passStyle.Render("PASS"), s.Passed,
		failStyle.Render("FAIL"), s.Failed,
		dimStyle.Render("N/A"), s.NotApplicable,
		unknownStyle.Render("NOT REVIEWED"), s.NotReviewed,
		warnStyle.Render("ERROR"), s.Errors,
	)
	for _, sev := range finding.Severities {
		c := s.SeverityBreakdown[sev]
		fmt.Fprintf(&b, "%-8s %d passed, %d failed\n", severityStyle(sev).Render(strings.ToUpper(string(sev))), c.Passed, c.Failed)
	}
	return summaryBoxStyle.Render(strings.TrimRight(b.String(), "\n"))
}

// writeResults prints one line per result, most severe first.
func writeResults(w io.Writer, results []finding.Result) {
	fmt.Fprintln(w, headerStyle.Render(fmt.Sprintf("%-20s %-8s %-14s %s", "RULE", "SEVERITY", "STATUS", "TITLE")))
	for _, r := range results {
		fmt.Fprintf(w, "%-20s %s %s %s\n",
			r.RuleID,
			severityStyle(r.Severity).Width(8).Render(string(r.Severity)),
			statusStyle(r.Status).Width(14).Render(strings.ToUpper(string(r.Status))),
			truncate(r.Title, 80),
		)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
