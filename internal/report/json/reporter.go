// Package json generates JSON audit reports.
package json

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/PiotrMackowski/ClosedSTIG/internal/report"
)

// Reporter generates JSON reports.
type Reporter struct{}

// Generate writes the document as indented JSON.
func (r *Reporter) Generate(w io.Writer, doc *report.Document) error {
	encoder := json.NewEncoder(w)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(doc); err != nil {
		return fmt.Errorf("encoding JSON report: %w", err)
	}
	return nil
}
