// Package ckl reads and writes DISA STIG Viewer checklists (.ckl).
package ckl

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/report"
	"github.com/PiotrMackowski/ClosedSTIG/internal/safexml"
)

// DefaultMaxSize caps imported checklists.
const DefaultMaxSize = 50 << 20

// Checklist is the CKL document.
type Checklist struct {
	XMLName xml.Name `xml:"CHECKLIST" json:"-"`
	Asset   Asset    `xml:"ASSET" json:"asset"`
	STIGs   []ISTIG  `xml:"STIGS>iSTIG" json:"stigs"`
}

// Asset describes the audited host.
type Asset struct {
	Role          string `xml:"ROLE" json:"role"`
	AssetType     string `xml:"ASSET_TYPE" json:"asset_type"`
	HostName      string `xml:"HOST_NAME" json:"host_name"`
	HostIP        string `xml:"HOST_IP" json:"host_ip"`
	HostMAC       string `xml:"HOST_MAC" json:"host_mac,omitempty"`
	HostFQDN      string `xml:"HOST_FQDN" json:"host_fqdn,omitempty"`
	TechArea      string `xml:"TECH_AREA" json:"tech_area,omitempty"`
	TargetKey     string `xml:"TARGET_KEY" json:"target_key,omitempty"`
	WebOrDatabase string `xml:"WEB_OR_DATABASE" json:"web_or_database"`
	WebDBSite     string `xml:"WEB_DB_SITE" json:"web_db_site,omitempty"`
	WebDBInstance string `xml:"WEB_DB_INSTANCE" json:"web_db_instance,omitempty"`
}

// ISTIG is one STIG inside a checklist.
type ISTIG struct {
	Info  []SIData `xml:"STIG_INFO>SI_DATA" json:"stig_info"`
	Vulns []Vuln   `xml:"VULN" json:"vulns"`
}

// SIData is one STIG_INFO name/value pair.
type SIData struct {
	Name string `xml:"SID_NAME" json:"name"`
	Data string `xml:"SID_DATA" json:"data"`
}

// Vuln is one rule's entry.
type Vuln struct {
	Data                  []StigData `xml:"STIG_DATA" json:"stig_data"`
	Status                string     `xml:"STATUS" json:"status"`
	FindingDetails        string     `xml:"FINDING_DETAILS" json:"finding_details"`
	Comments              string     `xml:"COMMENTS" json:"comments"`
	SeverityOverride      string     `xml:"SEVERITY_OVERRIDE" json:"severity_override,omitempty"`
	SeverityJustification string     `xml:"SEVERITY_JUSTIFICATION" json:"severity_justification,omitempty"`
}

// StigData is one VULN_ATTRIBUTE/ATTRIBUTE_DATA pair.
type StigData struct {
	Attribute string `xml:"VULN_ATTRIBUTE" json:"attribute"`
	Value     string `xml:"ATTRIBUTE_DATA" json:"value"`
}

// Attr returns the value of the named STIG_DATA attribute.
func (v Vuln) Attr(name string) string {
	for _, d := range v.Data {
		if d.Attribute == name {
			return d.Value
		}
	}
	return ""
}

// CKL status values.
const (
	StatusNotAFinding   = "NotAFinding"
	StatusOpen          = "Open"
	StatusNotApplicable = "Not_Applicable"
	StatusNotReviewed   = "Not_Reviewed"
)

// StatusFor maps a verdict onto a CKL status. ERROR has no CKL
// equivalent and is exported as Not_Reviewed.
func StatusFor(s finding.Status) string {
	switch s {
	case finding.StatusPass:
		return StatusNotAFinding
	case finding.StatusFail:
		return StatusOpen
	case finding.StatusNotApplicable:
		return StatusNotApplicable
	default:
		return StatusNotReviewed
	}
}

// StatusFrom maps a CKL status back. Unknown values are NOT_REVIEWED.
func StatusFrom(s string) finding.Status {
	switch strings.TrimSpace(s) {
	case StatusNotAFinding:
		return finding.StatusPass
	case StatusOpen:
		return finding.StatusFail
	case StatusNotApplicable:
		return finding.StatusNotApplicable
	default:
		return finding.StatusNotReviewed
	}
}

// Reporter exports a document as a checklist.
type Reporter struct{}

// Generate writes doc as a CKL document.
func (r *Reporter) Generate(w io.Writer, doc *report.Document) error {
	cl := Build(doc)
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")
	if err := enc.Encode(cl); err != nil {
		return fmt.Errorf("encoding CKL: %w", err)
	}
	if err := enc.Flush(); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\n")
	return err
}

// Build converts a document to a checklist.
func Build(doc *report.Document) *Checklist {
	cl := &Checklist{
		Asset: Asset{Role: "None", AssetType: "Computing", WebOrDatabase: "false"},
	}
	if t := doc.Target; t != nil {
		cl.Asset.HostName = t.Name
		cl.Asset.HostIP = t.IPAddress
		cl.Asset.TargetKey = t.ID
	}

	var stigID, title, version, description, defID, release string
	if d := doc.Definition; d != nil {
		stigID, title, version, description, defID = d.STIGID, d.Title, d.Version, d.Description, d.ID
		if d.ReleaseDate != nil {
			release = "Release: " + d.ReleaseDate.Format("2006-01-02")
		}
	}
	filename := ""
	if stigID != "" {
		filename = stigID + ".xml"
	}

	istig := ISTIG{Info: []SIData{
		{"version", version},
		{"classification", "UNCLASSIFIED"},
		{"customname", ""},
		{"stigid", stigID},
		{"description", description},
		{"filename", filename},
		{"releaseinfo", release},
		{"title", title},
		{"uuid", defID},
		{"notice", "terms-of-use"},
		{"source", "DISA"},
	}}

	for _, res := range doc.Results {
		det := doc.Detail(res.RuleID)
		vulnNum := det.VulnID
		if vulnNum == "" {
			vulnNum = res.RuleID
		}
		severity := string(res.Severity)
		if severity == "" {
			severity = string(finding.Medium)
		}
		istig.Vulns = append(istig.Vulns, Vuln{
			Data: []StigData{
				{"Vuln_Num", vulnNum},
				{"Severity", severity},
				{"Group_Title", det.GroupID},
				{"Rule_ID", res.RuleID},
				{"Rule_Ver", ""},
				{"Rule_Title", res.Title},
				{"Vuln_Discuss", report.VulnDiscussion(det.Description)},
				{"IA_Controls", ""},
				{"Check_Content", det.CheckText},
				{"Fix_Text", det.FixText},
				{"False_Positives", ""},
				{"False_Negatives", ""},
				{"Documentable", "false"},
				{"Mitigations", ""},
				{"Potential_Impact", ""},
				{"Third_Party_Tools", ""},
				{"Mitigation_Control", ""},
				{"Responsibility", ""},
				{"Security_Override_Guidance", ""},
				{"Check_Content_Ref", ""},
				{"Weight", "10.0"},
				{"Class", "Unclass"},
				{"STIGRef", title},
				{"TargetKey", ""},
				{"STIG_UUID", defID},
				{"CCI_REF", strings.Join(det.CCIs, ",")},
			},
			Status:         StatusFor(res.Status),
			FindingDetails: res.FindingDetails,
			Comments:       res.Comments,
		})
	}
	cl.STIGs = []ISTIG{istig}
	return cl
}

// Imported is a checklist read back into the service's terms.
type Imported struct {
	Asset    Asset             `json:"asset"`
	STIGInfo map[string]string `json:"stig_info"`
	Vulns    []ImportedVuln    `json:"vulns"`
}

// ImportedVuln is one VULN with its status mapped back.
type ImportedVuln struct {
	VulnID         string         `json:"vuln_id"`
	RuleID         string         `json:"rule_id"`
	Status         finding.Status `json:"status"`
	FindingDetails string         `json:"finding_details"`
	Comments       string         `json:"comments"`
}

// Import parses a checklist through the hardened decoder. Documents over
// limit bytes or containing a DOCTYPE are rejected before any parsing.
func Import(r io.Reader, limit int64) (*Imported, error) {
	if limit <= 0 {
		limit = DefaultMaxSize
	}
	data, err := safexml.ReadLimited(r, limit)
	if err != nil {
		return nil, fmt.Errorf("reading CKL: %w", err)
	}
	var cl Checklist
	if err := safexml.Decode(data, limit, &cl); err != nil {
		return nil, fmt.Errorf("parsing CKL: %w", err)
	}

	out := &Imported{Asset: cl.Asset, STIGInfo: map[string]string{}, Vulns: []ImportedVuln{}}
	for _, s := range cl.STIGs {
		for _, si := range s.Info {
			if si.Name != "" && si.Data != "" {
				out.STIGInfo[si.Name] = si.Data
			}
		}
		for _, v := range s.Vulns {
			out.Vulns = append(out.Vulns, ImportedVuln{
				VulnID:         v.Attr("Vuln_Num"),
				RuleID:         v.Attr("Rule_ID"),
				Status:         StatusFrom(v.Status),
				FindingDetails: v.FindingDetails,
				Comments:       v.Comments,
			})
		}
	}
	return out, nil
}
