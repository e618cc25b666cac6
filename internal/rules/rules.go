// Package rules defines the normalized compliance rule shape shared by the
// built-in tables, the XCCDF extractor and the rule database.
package rules

import (
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
)

// Source records where a rule came from.
type Source string

const (
	SourceDatabase Source = "database"
	SourceXCCDF    Source = "xccdf"
	SourceBuiltin  Source = "builtin"
)

// CheckType selects the typed check a built-in rule runs.
type CheckType string

const (
	CheckSetting CheckType = "setting"
	CheckPattern CheckType = "pattern"
	CheckSSH     CheckType = "ssh"
	CheckNTP     CheckType = "ntp"
	CheckSyslog  CheckType = "syslog"
	CheckSNMP    CheckType = "snmp"
	CheckAAA     CheckType = "aaa"
	CheckBanner  CheckType = "banner"
	CheckDNS     CheckType = "dns"
)

// CheckTypes lists every known check type.
var CheckTypes = []CheckType{
	CheckSetting, CheckPattern, CheckSSH, CheckNTP, CheckSyslog,
	CheckSNMP, CheckAAA, CheckBanner, CheckDNS,
}

// Valid reports whether t is a known check type.
func (t CheckType) Valid() bool {
	for _, k := range CheckTypes {
		if t == k {
			return true
		}
	}
	return false
}

// Compare is the comparison a setting check applies.
type Compare string

const (
	CompareEquals  Compare = "equals"
	CompareAtMost  Compare = "at_most"
	CompareAtLeast Compare = "at_least"
)

// CheckSpec is the typed check descriptor carried by built-in rules.
type CheckSpec struct {
	Type     CheckType `yaml:"type" json:"type"`
	Key      string    `yaml:"key,omitempty" json:"key,omitempty"`
	Expected string    `yaml:"expected,omitempty" json:"expected,omitempty"`
	Pattern  string    `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	Negate   bool      `yaml:"negate,omitempty" json:"negate,omitempty"`
	Compare  Compare   `yaml:"compare,omitempty" json:"compare,omitempty"`
}

// Comparison returns the effective comparison. Password age keys carry an
// implicit direction when none is given.
func (c CheckSpec) Comparison() Compare {
	if c.Compare != "" {
		return c.Compare
	}
	switch c.Key {
	case "PASS_MAX_DAYS":
		return CompareAtMost
	case "PASS_MIN_DAYS":
		return CompareAtLeast
	}
	return CompareEquals
}

// Rule is one compliance requirement, normalized from any source.
type Rule struct {
	ID          string           `yaml:"id" json:"rule_id"`
	VulnID      string           `yaml:"vuln_id,omitempty" json:"vuln_id,omitempty"`
	GroupID     string           `yaml:"group_id,omitempty" json:"group_id,omitempty"`
	Title       string           `yaml:"title" json:"title"`
	Severity    finding.Severity `yaml:"severity" json:"severity"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	CheckText   string           `yaml:"check_text,omitempty" json:"check_text,omitempty"`
	FixText     string           `yaml:"fix_text,omitempty" json:"fix_text,omitempty"`
	CCIs        []string         `yaml:"ccis,omitempty" json:"ccis,omitempty"`
	LegacyIDs   []string         `yaml:"legacy_ids,omitempty" json:"legacy_ids,omitempty"`
	Source      Source           `yaml:"-" json:"source"`
	Check       *CheckSpec       `yaml:"check,omitempty" json:"check,omitempty"`
}

// Normalize trims the id and resolves the severity onto the closed set.
func (r *Rule) Normalize() {
	r.ID = strings.TrimSpace(r.ID)
	r.Severity = finding.ParseSeverity(string(r.Severity))
}

// Detail is the rule text a report renders next to a result.
type Detail struct {
	RuleID      string   `json:"rule_id"`
	VulnID      string   `json:"vuln_id,omitempty"`
	GroupID     string   `json:"group_id,omitempty"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	CheckText   string   `json:"check_text,omitempty"`
	FixText     string   `json:"fix_text,omitempty"`
	CCIs        []string `json:"ccis,omitempty"`
}

// Detail extracts the report-facing text of r.
func (r Rule) Detail() Detail {
	return Detail{
		RuleID:      r.ID,
		VulnID:      r.VulnID,
		GroupID:     r.GroupID,
		Title:       r.Title,
		Description: r.Description,
		CheckText:   r.CheckText,
		FixText:     r.FixText,
		CCIs:        r.CCIs,
	}
}

// Details indexes the detail of every rule by rule id.
func Details(rs []Rule) map[string]Detail {
	out := make(map[string]Detail, len(rs))
	for _, r := range rs {
		out[r.ID] = r.Detail()
	}
	return out
}
