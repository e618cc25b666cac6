package render

import (
	"bytes"
	"testing"

	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/report"
)

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"", JSON, false},
		{"PDF", PDF, false},
		{" ckl ", CKL, false},
		{"docx", "", true},
	}
	for _, tt := range tests {
		got, err := ParseFormat(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseFormat(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if got != tt.want {
			t.Errorf("ParseFormat(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestWriteEveryFormat(t *testing.T) {
	doc := report.New("redhat", []finding.Result{
		{RuleID: "R1", Title: "one", Severity: finding.High, Status: finding.StatusPass},
	}, nil)
	for _, f := range Formats {
		var buf bytes.Buffer
		if err := Write(&buf, f, doc); err != nil {
			t.Errorf("Write(%s) error: %v", f, err)
		}
		if buf.Len() == 0 {
			t.Errorf("Write(%s) produced no output", f)
		}
		if f.ContentType() == "" || f.Extension() != "."+string(f) {
			t.Errorf("format %s metadata incomplete", f)
		}
	}
	if _, err := For("docx"); err == nil {
		t.Error("For(docx) should fail")
	}
}
