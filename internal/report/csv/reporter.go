// Package csv generates CSV audit reports.
package csv

import (
	"encoding/csv"
	"fmt"
	"io"
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/report"
)

// Reporter generates CSV reports.
type Reporter struct{}

// columns defines the CSV header row.
var columns = []string{
	"RuleID", "VulnID", "Title", "Severity", "Status", "FindingDetails",
	"Comments", "CCIs", "FixText", "CheckedAt",
}

// Generate writes one row per result, most severe first.
func (r *Reporter) Generate(w io.Writer, doc *report.Document) error {
	cw := csv.NewWriter(w)

	if err := cw.Write(columns); err != nil {
		return fmt.Errorf("writing CSV header: %w", err)
	}

	for _, res := range doc.Sorted() {
		det := doc.Detail(res.RuleID)
		row := []string{
			res.RuleID,
			det.VulnID,
			res.Title,
			string(res.Severity),
			report.StatusLabel(res.Status),
			res.FindingDetails,
			res.Comments,
			strings.Join(det.CCIs, ";"),
			det.FixText,
			res.CheckedAt.UTC().Format("2006-01-02T15:04:05Z"),
		}
		if err := cw.Write(row); err != nil {
			return fmt.Errorf("writing CSV row: %w", err)
		}
	}

	cw.Flush()
	return cw.Error()
}
