// Package render selects a reporter by format name.
package render

import (
	"fmt"
	"io"
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/report"
	"github.com/PiotrMackowski/ClosedSTIG/internal/report/ckl"
	csvreport "github.com/PiotrMackowski/ClosedSTIG/internal/report/csv"
	htmlreport "github.com/PiotrMackowski/ClosedSTIG/internal/report/html"
	jsonreport "github.com/PiotrMackowski/ClosedSTIG/internal/report/json"
	pdfreport "github.com/PiotrMackowski/ClosedSTIG/internal/report/pdf"
)

// Format names a report format.
type Format string

const (
	JSON Format = "json"
	CSV  Format = "csv"
	HTML Format = "html"
	CKL  Format = "ckl"
	PDF  Format = "pdf"
)

// Formats lists every supported format.
var Formats = []Format{JSON, CSV, HTML, CKL, PDF}

// Reporter renders a document.
type Reporter interface {
	Generate(w io.Writer, doc *report.Document) error
}

// ParseFormat validates a format name. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	f := Format(strings.ToLower(strings.TrimSpace(s)))
	if f == "" {
		return JSON, nil
	}
	for _, known := range Formats {
		if f == known {
			return f, nil
		}
	}
	return "", fmt.Errorf("unsupported report format: %s", s)
}

// For returns the reporter for f.
func For(f Format) (Reporter, error) {
	switch f {
	case JSON:
		return &jsonreport.Reporter{}, nil
	case CSV:
		return &csvreport.Reporter{}, nil
	case HTML:
		return &htmlreport.Reporter{}, nil
	case CKL:
		return &ckl.Reporter{}, nil
	case PDF:
		return &pdfreport.Reporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported report format: %s", f)
	}
}

// ContentType is the MIME type served for f.
func (f Format) ContentType() string {
	switch f {
	case CSV:
		return "text/csv; charset=utf-8"
	case HTML:
		return "text/html; charset=utf-8"
	case CKL:
		return "application/xml"
	case PDF:
		return "application/pdf"
	default:
		return "application/json"
	}
}

// Extension is the file extension for f, including the dot.
func (f Format) Extension() string {
	return "." + string(f)
}

// Write renders doc in format f.
func Write(w io.Writer, f Format, doc *report.Document) error {
	r, err := For(f)
	if err != nil {
		return err
	}
	return r.Generate(w, doc)
}
