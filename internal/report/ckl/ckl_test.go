package ckl

import (
	"bytes"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/PiotrMackowski/ClosedSTIG/internal/audit"
	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/report"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
	"github.com/PiotrMackowski/ClosedSTIG/internal/safexml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleDocument() *report.Document {
	release := time.Date(2024, 1, 24, 0, 0, 0, 0, time.UTC)
	doc := report.New("arista_eos", []finding.Result{
		{RuleID: "SV-255951r1", Title: "SSH", Severity: finding.High, Status: finding.StatusPass, FindingDetails: "SSH is enabled"},
		{RuleID: "SV-255952r1", Title: "Banner", Severity: finding.Medium, Status: finding.StatusFail, Comments: "open ticket"},
		{RuleID: "SV-255953r1", Title: "VLAN", Severity: finding.Low, Status: finding.StatusNotApplicable},
		{RuleID: "SV-255954r1", Title: "Manual", Severity: finding.Low, Status: finding.StatusNotReviewed},
		{RuleID: "SV-255955r1", Title: "Broken", Severity: finding.Medium, Status: finding.StatusError},
	}, map[string]rules.Detail{
		"SV-255951r1": {
			RuleID:      "SV-255951r1",
			VulnID:      "V-255951",
			GroupID:     "SRG-APP-000001",
			Description: "<VulnDiscussion>Remote access must be encrypted.</VulnDiscussion><FalsePositives></FalsePositives>",
			CheckText:   "Verify SSH",
			FixText:     "Enable SSH",
			CCIs:        []string{"CCI-000068", "CCI-000778"},
		},
	})
	doc.Target = &audit.Target{ID: "t1", Name: "sw01", IPAddress: "10.0.0.5"}
	doc.Definition = &audit.Definition{ID: "d1", STIGID: "Arista_MLS_EOS_4-X_STIG", Title: "Arista MLS EOS 4.X", Version: "V1R3", ReleaseDate: &release}
	return doc
}

func TestStatusMapping(t *testing.T) {
	tests := []struct {
		status finding.Status
		ckl    string
		back   finding.Status
	}{
		{finding.StatusPass, StatusNotAFinding, finding.StatusPass},
		{finding.StatusFail, StatusOpen, finding.StatusFail},
		{finding.StatusNotApplicable, StatusNotApplicable, finding.StatusNotApplicable},
		{finding.StatusNotReviewed, StatusNotReviewed, finding.StatusNotReviewed},
		{finding.StatusError, StatusNotReviewed, finding.StatusNotReviewed},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.ckl, StatusFor(tt.status), tt.status)
		assert.Equal(t, tt.back, StatusFrom(tt.ckl))
	}
	assert.Equal(t, finding.StatusNotReviewed, StatusFrom("Something_Else"))
}

func TestBuild(t *testing.T) {
	cl := Build(sampleDocument())

	assert.Equal(t, "sw01", cl.Asset.HostName)
	assert.Equal(t, "10.0.0.5", cl.Asset.HostIP)
	assert.Equal(t, "Computing", cl.Asset.AssetType)
	require.Len(t, cl.STIGs, 1)
	info := map[string]string{}
	for _, si := range cl.STIGs[0].Info {
		info[si.Name] = si.Data
	}
	assert.Equal(t, "Arista_MLS_EOS_4-X_STIG", info["stigid"])
	assert.Equal(t, "Release: 2024-01-24", info["releaseinfo"])
	assert.Equal(t, "Arista_MLS_EOS_4-X_STIG.xml", info["filename"])

	vulns := cl.STIGs[0].Vulns
	require.Len(t, vulns, 5)
	first := vulns[0]
	assert.Len(t, first.Data, 26)
	assert.Equal(t, "V-255951", first.Attr("Vuln_Num"))
	assert.Equal(t, "SRG-APP-000001", first.Attr("Group_Title"))
	assert.Equal(t, "Remote access must be encrypted.", first.Attr("Vuln_Discuss"))
	assert.Equal(t, "CCI-000068,CCI-000778", first.Attr("CCI_REF"))
	assert.Equal(t, StatusNotAFinding, first.Status)
	assert.Equal(t, "SV-255952r1", vulns[1].Attr("Vuln_Num"), "rule id stands in for a missing vuln id")
	assert.Equal(t, StatusNotReviewed, vulns[4].Status)
}

func TestGenerateAndImportRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, (&Reporter{}).Generate(&buf, sampleDocument()))
	assert.True(t, strings.HasPrefix(buf.String(), "<?xml"))

	imported, err := Import(&buf, 0)
	require.NoError(t, err)

	assert.Equal(t, "sw01", imported.Asset.HostName)
	assert.Equal(t, "V1R3", imported.STIGInfo["version"])
	assert.NotContains(t, imported.STIGInfo, "customname", "empty values are skipped")
	require.Len(t, imported.Vulns, 5)
	assert.Equal(t, "V-255951", imported.Vulns[0].VulnID)
	assert.Equal(t, finding.StatusPass, imported.Vulns[0].Status)
	assert.Equal(t, "SSH is enabled", imported.Vulns[0].FindingDetails)
	assert.Equal(t, finding.StatusFail, imported.Vulns[1].Status)
	assert.Equal(t, "open ticket", imported.Vulns[1].Comments)
	assert.Equal(t, finding.StatusNotReviewed, imported.Vulns[4].Status)
}

func TestImportRejectsDoctype(t *testing.T) {
	doc := `<?xml version="1.0"?><!DOCTYPE x [<!ENTITY a "b">]><CHECKLIST><ASSET><HOST_NAME>&a;</HOST_NAME></ASSET></CHECKLIST>`

	_, err := Import(strings.NewReader(doc), 0)

	assert.True(t, errors.Is(err, safexml.ErrForbiddenDirective), "got %v", err)
}

func TestImportRejectsOversized(t *testing.T) {
	doc := "<CHECKLIST>" + strings.Repeat("<ASSET></ASSET>", 100) + "</CHECKLIST>"

	_, err := Import(strings.NewReader(doc), 64)

	assert.ErrorIs(t, err, safexml.ErrTooLarge)
}
