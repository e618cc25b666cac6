// Package xccdf extracts benchmark metadata and rules from DISA XCCDF
// documents, either bare or inside the ZIP archives DISA publishes, and
// keeps a cached library of them.
package xccdf

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
	"github.com/PiotrMackowski/ClosedSTIG/internal/safexml"
	"github.com/sirupsen/logrus"
)

var (
	// ErrTooManyEntries is returned for archives with more entries than allowed.
	ErrTooManyEntries = errors.New("zip archive has too many entries")
	// ErrEntryTooLarge is returned when the XCCDF entry exceeds MaxZipEntrySize.
	ErrEntryTooLarge = errors.New("zip entry exceeds size limit")
	// ErrNoXCCDF is returned when an archive holds no XCCDF document.
	ErrNoXCCDF = errors.New("no XCCDF file found in archive")
	// ErrNoBenchmarkID is returned for a Benchmark element without an id.
	ErrNoBenchmarkID = errors.New("benchmark has no id")
)

// Limits caps the resources a single benchmark may consume.
type Limits struct {
	MaxZipEntries   int
	MaxZipEntrySize int64
	MaxXMLSize      int64
}

// DefaultLimits returns the limits used when nothing is configured.
func DefaultLimits() Limits {
	return Limits{
		MaxZipEntries:   500,
		MaxZipEntrySize: 100 << 20,
		MaxXMLSize:      50 << 20,
	}
}

// Type distinguishes STIGs from Security Requirements Guides.
type Type string

const (
	TypeSTIG Type = "STIG"
	TypeSRG  Type = "SRG"
)

const maxDescription = 500

// Benchmark is the metadata of one XCCDF benchmark.
type Benchmark struct {
	ID          string            `json:"id"`
	Title       string            `json:"title"`
	Version     string            `json:"version"`
	Status      string            `json:"status"`
	StatusDate  *time.Time        `json:"status_date,omitempty"`
	Release     int               `json:"release"`
	ReleaseDate *time.Time        `json:"release_date,omitempty"`
	Description string            `json:"description,omitempty"`
	Profiles    []string          `json:"profiles,omitempty"`
	Type        Type              `json:"type"`
	RulesCount  int               `json:"rules_count"`
	HighCount   int               `json:"high_count"`
	MediumCount int               `json:"medium_count"`
	LowCount    int               `json:"low_count"`
	CCIs        []string          `json:"ccis,omitempty"`
	Platforms   []parser.Platform `json:"platforms,omitempty"`
	FileName    string            `json:"file_name"`
}

// AppliesTo reports whether the benchmark was mapped to p.
func (b Benchmark) AppliesTo(p parser.Platform) bool {
	for _, bp := range b.Platforms {
		if bp == p {
			return true
		}
	}
	return false
}

// Extractor turns XCCDF documents into a Benchmark and its rules. Every
// entry point fails closed: on any limit or format violation it returns
// nil results and an error.
type Extractor struct {
	limits Limits
	logger *logrus.Logger
}

// NewExtractor creates an Extractor. Zero limits fall back to DefaultLimits.
func NewExtractor(limits Limits, logger *logrus.Logger) *Extractor {
	def := DefaultLimits()
	if limits.MaxZipEntries <= 0 {
		limits.MaxZipEntries = def.MaxZipEntries
	}
	if limits.MaxZipEntrySize <= 0 {
		limits.MaxZipEntrySize = def.MaxZipEntrySize
	}
	if limits.MaxXMLSize <= 0 {
		limits.MaxXMLSize = def.MaxXMLSize
	}
	if logger == nil {
		logger = logrus.New()
		logger.SetOutput(io.Discard)
	}
	return &Extractor{limits: limits, logger: logger}
}

// Limits returns the effective limits.
func (e *Extractor) Limits() Limits { return e.limits }

// ExtractZip reads the XCCDF document from a DISA STIG archive on disk.
func (e *Extractor) ExtractZip(path string) (*Benchmark, []rules.Rule, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		e.fail(path, err)
		return nil, nil, fmt.Errorf("opening zip: %w", err)
	}
	defer zr.Close()
	return e.extractArchive(&zr.Reader, filepath.Base(path))
}

// ExtractZipBytes is ExtractZip for an archive already in memory.
func (e *Extractor) ExtractZipBytes(data []byte, name string) (*Benchmark, []rules.Rule, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		e.fail(name, err)
		return nil, nil, fmt.Errorf("opening zip: %w", err)
	}
	return e.extractArchive(zr, name)
}

// ExtractXMLFile reads a bare XCCDF document. The size is checked with
// Stat before the file is read.
func (e *Extractor) ExtractXMLFile(path string) (*Benchmark, []rules.Rule, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading xccdf: %w", err)
	}
	if info.Size() > e.limits.MaxXMLSize {
		err := fmt.Errorf("%w: %d bytes (limit %d)", safexml.ErrTooLarge, info.Size(), e.limits.MaxXMLSize)
		e.fail(path, err)
		return nil, nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("reading xccdf: %w", err)
	}
	defer f.Close()
	data, err := safexml.ReadLimited(f, e.limits.MaxXMLSize)
	if err != nil {
		e.fail(path, err)
		return nil, nil, err
	}
	return e.ExtractBytes(data, filepath.Base(path))
}

// ExtractBytes parses an XCCDF document held in memory.
func (e *Extractor) ExtractBytes(data []byte, name string) (*Benchmark, []rules.Rule, error) {
	var doc xmlBenchmark
	if err := safexml.Decode(data, e.limits.MaxXMLSize, &doc); err != nil {
		e.fail(name, err)
		return nil, nil, err
	}
	if strings.TrimSpace(doc.ID) == "" {
		e.fail(name, ErrNoBenchmarkID)
		return nil, nil, ErrNoBenchmarkID
	}

	b := doc.metadata()
	b.FileName = name
	rs := doc.rules()

	ccis := map[string]bool{}
	for _, r := range rs {
		switch r.Severity {
		case finding.High:
			b.HighCount++
		case finding.Low:
			b.LowCount++
		default:
			b.MediumCount++
		}
		for _, c := range r.CCIs {
			ccis[c] = true
		}
	}
	b.RulesCount = len(rs)
	for c := range ccis {
		b.CCIs = append(b.CCIs, c)
	}
	sort.Strings(b.CCIs)

	e.logger.WithFields(logrus.Fields{
		"benchmark": b.ID,
		"file":      name,
		"rules":     b.RulesCount,
		"platforms": b.Platforms,
	}).Debug("Extracted XCCDF benchmark")
	return b, rs, nil
}

func (e *Extractor) extractArchive(zr *zip.Reader, name string) (*Benchmark, []rules.Rule, error) {
	if n := len(zr.File); n > e.limits.MaxZipEntries {
		err := fmt.Errorf("%w: %d (limit %d)", ErrTooManyEntries, n, e.limits.MaxZipEntries)
		e.fail(name, err)
		return nil, nil, err
	}

	entry := findXCCDF(zr.File)
	if entry == nil {
		e.fail(name, ErrNoXCCDF)
		return nil, nil, ErrNoXCCDF
	}
	if entry.UncompressedSize64 > uint64(e.limits.MaxZipEntrySize) {
		err := fmt.Errorf("%w: %s is %d bytes (limit %d)", ErrEntryTooLarge, entry.Name, entry.UncompressedSize64, e.limits.MaxZipEntrySize)
		e.fail(name, err)
		return nil, nil, err
	}

	rc, err := entry.Open()
	if err != nil {
		e.fail(name, err)
		return nil, nil, fmt.Errorf("opening %s: %w", entry.Name, err)
	}
	defer rc.Close()

	// The header size is attacker-controlled; enforce the cap while reading too.
	data, err := safexml.ReadLimited(rc, e.limits.MaxZipEntrySize)
	if err != nil {
		if errors.Is(err, safexml.ErrTooLarge) {
			err = fmt.Errorf("%w: %s", ErrEntryTooLarge, entry.Name)
		}
		e.fail(name, err)
		return nil, nil, err
	}
	return e.ExtractBytes(data, name)
}

func (e *Extractor) fail(name string, err error) {
	e.logger.WithError(err).WithField("file", name).Warn("Rejected XCCDF benchmark")
}

// findXCCDF picks the STIG document out of a DISA archive, preferring the
// conventional -xccdf.xml / _xccdf.xml suffixes.
func findXCCDF(files []*zip.File) *zip.File {
	for _, f := range files {
		lower := strings.ToLower(f.Name)
		if strings.HasSuffix(lower, "-xccdf.xml") || strings.HasSuffix(lower, "_xccdf.xml") {
			return f
		}
	}
	for _, f := range files {
		lower := strings.ToLower(f.Name)
		if strings.Contains(lower, "xccdf") && strings.HasSuffix(lower, ".xml") {
			return f
		}
	}
	return nil
}

// XML structures for the subset of XCCDF 1.1/1.2 the service reads.
type xmlBenchmark struct {
	XMLName     xml.Name       `xml:"Benchmark"`
	ID          string         `xml:"id,attr"`
	Title       flatText       `xml:"title"`
	Version     string         `xml:"version"`
	Status      xmlStatus      `xml:"status"`
	Description flatText       `xml:"description"`
	PlainTexts  []xmlPlainText `xml:"plain-text"`
	Profiles    []xmlProfile   `xml:"Profile"`
	Groups      []xmlGroup     `xml:"Group"`
}

type xmlStatus struct {
	Date  string `xml:"date,attr"`
	Value string `xml:",chardata"`
}

type xmlPlainText struct {
	ID    string `xml:"id,attr"`
	Value string `xml:",chardata"`
}

type xmlProfile struct {
	ID string `xml:"id,attr"`
}

type xmlGroup struct {
	ID     string     `xml:"id,attr"`
	Groups []xmlGroup `xml:"Group"`
	Rules  []xmlRule  `xml:"Rule"`
}

type xmlRule struct {
	ID          string     `xml:"id,attr"`
	Severity    string     `xml:"severity,attr"`
	Title       flatText   `xml:"title"`
	Description flatText   `xml:"description"`
	Idents      []xmlIdent `xml:"ident"`
	FixText     flatText   `xml:"fixtext"`
	Check       struct {
		Content flatText `xml:"check-content"`
	} `xml:"check"`
}

type xmlIdent struct {
	System string `xml:"system,attr"`
	Value  string `xml:",chardata"`
}

// flatText collects every text node under an element, with whitespace
// collapsed to single spaces.
type flatText string

func (t *flatText) UnmarshalXML(d *xml.Decoder, _ xml.StartElement) error {
	var b strings.Builder
	depth := 0
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		switch v := tok.(type) {
		case xml.CharData:
			b.Write(v)
			b.WriteByte(' ')
		case xml.StartElement:
			depth++
		case xml.EndElement:
			if depth == 0 {
				*t = flatText(collapse(b.String()))
				return nil
			}
			depth--
		}
	}
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

var (
	releasePattern = regexp.MustCompile(`Release:\s*(\d+)`)
	benchDatePat   = regexp.MustCompile(`Benchmark Date:\s*(\d{1,2}\s+\w+\s+\d{4})`)
	isoDatePattern = regexp.MustCompile(`Date:\s*(\d{4}-\d{2}-\d{2})`)
	dateLayouts    = []string{"2006-01-02", "2 Jan 2006", "2 January 2006"}
)

func (doc *xmlBenchmark) metadata() *Benchmark {
	b := &Benchmark{
		ID:          strings.TrimSpace(doc.ID),
		Title:       string(doc.Title),
		Version:     strings.TrimSpace(doc.Version),
		Status:      strings.TrimSpace(doc.Status.Value),
		Description: truncateRunes(string(doc.Description), maxDescription),
		Release:     1,
		Type:        TypeSTIG,
	}
	if b.Version == "" {
		b.Version = "1"
	}
	if b.Status == "" {
		b.Status = "accepted"
	}
	b.StatusDate = parseDate(doc.Status.Date)

	for _, pt := range doc.PlainTexts {
		if pt.ID != "release-info" {
			continue
		}
		b.Release, b.ReleaseDate = parseReleaseInfo(pt.Value)
	}
	for _, p := range doc.Profiles {
		if p.ID != "" {
			b.Profiles = append(b.Profiles, p.ID)
		}
	}
	if strings.Contains(b.ID, "_SRG") || strings.Contains(b.Title, "SRG") {
		b.Type = TypeSRG
	}
	b.Platforms = MapPlatforms(b.ID, b.Title)
	return b
}

// parseReleaseInfo reads text such as
// "Release: 3 Benchmark Date: 24 Jan 2024".
func parseReleaseInfo(text string) (int, *time.Time) {
	release := 1
	if m := releasePattern.FindStringSubmatch(text); m != nil {
		if n, err := strconv.Atoi(m[1]); err == nil {
			release = n
		}
	}
	if m := benchDatePat.FindStringSubmatch(text); m != nil {
		if t := parseDate(m[1]); t != nil {
			return release, t
		}
	}
	if m := isoDatePattern.FindStringSubmatch(text); m != nil {
		return release, parseDate(m[1])
	}
	return release, nil
}

func parseDate(s string) *time.Time {
	s = collapse(s)
	if s == "" {
		return nil
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return &t
		}
	}
	return nil
}

func (doc *xmlBenchmark) rules() []rules.Rule {
	var out []rules.Rule
	var walk func(groups []xmlGroup)
	walk = func(groups []xmlGroup) {
		for _, g := range groups {
			for _, xr := range g.Rules {
				if r, ok := convertRule(g.ID, xr); ok {
					out = append(out, r)
				}
			}
			walk(g.Groups)
		}
	}
	walk(doc.Groups)
	return out
}

func convertRule(vulnID string, xr xmlRule) (rules.Rule, bool) {
	id := strings.TrimSpace(xr.ID)
	if id == "" {
		return rules.Rule{}, false
	}
	r := rules.Rule{
		ID:          id,
		VulnID:      strings.TrimSpace(vulnID),
		Title:       string(xr.Title),
		Severity:    finding.ParseSeverity(xr.Severity),
		Description: string(xr.Description),
		CheckText:   string(xr.Check.Content),
		FixText:     string(xr.FixText),
		Source:      rules.SourceXCCDF,
	}
	for _, ident := range xr.Idents {
		v := strings.TrimSpace(ident.Value)
		switch {
		case strings.HasPrefix(v, "CCI-"):
			r.CCIs = append(r.CCIs, v)
		case strings.HasPrefix(v, "SRG-"):
			if r.GroupID == "" {
				r.GroupID = v
			}
		case strings.HasPrefix(v, "SV-"), strings.HasPrefix(v, "V-"):
			if v != r.VulnID {
				r.LegacyIDs = append(r.LegacyIDs, v)
			}
		}
	}
	return r, true
}

func truncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
