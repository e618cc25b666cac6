package mcpserver

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/PiotrMackowski/ClosedSTIG/internal/analyzer"
	"github.com/PiotrMackowski/ClosedSTIG/internal/audit"
	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/report"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
	"github.com/mark3labs/mcp-go/mcp"
)

func newTestAuditData() *AuditData {
	results := []finding.Result{
		{
			RuleID:         "RHEL-09-255045",
			Title:          "RHEL 9 must not permit direct logons to the root account using remote access via SSH.",
			Severity:       finding.Medium,
			Status:         finding.StatusFail,
			FindingDetails: "PermitRootLogin is 'yes', expected 'no'",
		},
		{
			RuleID:   "RHEL-09-211010",
			Title:    "RHEL 9 must enforce SELinux.",
			Severity: finding.High,
			Status:   finding.StatusPass,
		},
		{
			RuleID:   "RHEL-09-671010",
			Title:    "RHEL 9 must enable FIPS mode.",
			Severity: finding.High,
			Status:   finding.StatusNotReviewed,
		},
	}
	details := map[string]rules.Detail{
		"RHEL-09-255045": {
			RuleID:      "RHEL-09-255045",
			VulnID:      "V-257983",
			Description: "<VulnDiscussion>Root login over SSH bypasses individual accountability.</VulnDiscussion>",
			CheckText:   "Verify sshd_config contains PermitRootLogin no.",
			FixText:     "Set PermitRootLogin no in /etc/ssh/sshd_config.",
			CCIs:        []string{"CCI-000770"},
		},
	}
	doc := report.New(string(parser.RedHat), results, details)
	doc.Job = &audit.Job{ID: "job-1", Status: audit.JobCompleted}
	doc.Target = &audit.Target{Name: "web01"}

	cfg := parser.NewParsedConfig(parser.RedHat, "")
	cfg.Hostname = "web01"
	cfg.SSH["permitrootlogin"] = "yes"
	cfg.SSH["protocol"] = "2"
	cfg.Settings["SELINUX"] = "enforcing"
	cfg.Users = append(cfg.Users, parser.User{Name: "root"}, parser.User{Name: "admin"})
	cfg.NTPServers = append(cfg.NTPServers, "10.0.0.1")

	return &AuditData{Document: doc, Config: cfg}
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]interface{}) *mcp.CallToolResult {
	t.Helper()
	req := mcp.CallToolRequest{}
	if args != nil {
		req.Params.Arguments = args
	}
	result, err := handler(context.Background(), req)
	if err != nil {
		t.Fatalf("handler error: %v", err)
	}
	return result
}

func parseResult(t *testing.T, result *mcp.CallToolResult) map[string]interface{} {
	t.Helper()
	if result.IsError {
		t.Fatalf("unexpected tool error: %v", result.Content)
	}
	text := result.Content[0].(mcp.TextContent).Text
	var parsed map[string]interface{}
	if err := json.Unmarshal([]byte(text), &parsed); err != nil {
		t.Fatalf("Failed to parse result JSON: %v", err)
	}
	return parsed
}

func TestNewMCPServer(t *testing.T) {
	s := NewMCPServer(newTestAuditData())
	if s == nil {
		t.Fatal("NewMCPServer() returned nil")
	}
}

func TestListFindingsHandler_All(t *testing.T) {
	parsed := parseResult(t, callTool(t, listFindingsHandler(newTestAuditData()), nil))

	if count := int(parsed["count"].(float64)); count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	first := parsed["findings"].([]interface{})[0].(map[string]interface{})
	if first["severity"] != "high" {
		t.Errorf("first finding severity = %v, want high (most severe first)", first["severity"])
	}
}

func TestListFindingsHandler_Filters(t *testing.T) {
	tests := []struct {
		name string
		args map[string]interface{}
		want int
	}{
		{"severity", map[string]interface{}{"severity": "HIGH"}, 2},
		{"status", map[string]interface{}{"status": "fail"}, 1},
		{"both", map[string]interface{}{"severity": "high", "status": "pass"}, 1},
		{"display status", map[string]interface{}{"status": "NOT_REVIEWED"}, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parsed := parseResult(t, callTool(t, listFindingsHandler(newTestAuditData()), tt.args))
			if count := int(parsed["count"].(float64)); count != tt.want {
				t.Errorf("count = %d, want %d", count, tt.want)
			}
		})
	}
}

func TestListFindingsHandler_InvalidFilters(t *testing.T) {
	for _, args := range []map[string]interface{}{
		{"severity": "CRITICAL"},
		{"status": "maybe"},
	} {
		result := callTool(t, listFindingsHandler(newTestAuditData()), args)
		if !result.IsError {
			t.Errorf("expected error result for %v", args)
		}
	}
}

func TestGetFindingHandler_ByRuleAndVulnID(t *testing.T) {
	for _, id := range []string{"RHEL-09-255045", "V-257983"} {
		parsed := parseResult(t, callTool(t, getFindingHandler(newTestAuditData()), map[string]interface{}{"rule_id": id}))

		res := parsed["result"].(map[string]interface{})
		if res["rule_id"] != "RHEL-09-255045" {
			t.Errorf("rule_id = %v for lookup %q", res["rule_id"], id)
		}
		if parsed["description"] != "Root login over SSH bypasses individual accountability." {
			t.Errorf("description = %v", parsed["description"])
		}
	}
}

func TestGetFindingHandler_Errors(t *testing.T) {
	tests := []struct {
		name string
		args map[string]interface{}
	}{
		{"missing", nil},
		{"not found", map[string]interface{}{"rule_id": "RHEL-09-000000"}},
		{"invalid", map[string]interface{}{"rule_id": "../etc/passwd"}},
		{"too long", map[string]interface{}{"rule_id": strings.Repeat("A", 300)}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := callTool(t, getFindingHandler(newTestAuditData()), tt.args)
			if !result.IsError {
				t.Error("expected error result")
			}
		})
	}
}

func TestGetSummaryHandler(t *testing.T) {
	parsed := parseResult(t, callTool(t, getSummaryHandler(newTestAuditData()), nil))

	if total := int(parsed["total_checks"].(float64)); total != 3 {
		t.Errorf("total_checks = %d, want 3", total)
	}
	if score := parsed["compliance_score"].(float64); score != 50 {
		t.Errorf("compliance_score = %v, want 50", score)
	}
}

func TestQueryConfigHandler(t *testing.T) {
	data := newTestAuditData()

	parsed := parseResult(t, callTool(t, queryConfigHandler(data), map[string]interface{}{"section": "ssh"}))
	if count := int(parsed["count"].(float64)); count != 2 {
		t.Errorf("ssh count = %d, want 2", count)
	}

	parsed = parseResult(t, callTool(t, queryConfigHandler(data), map[string]interface{}{"section": "users", "filter": "adm"}))
	if count := int(parsed["count"].(float64)); count != 1 {
		t.Errorf("filtered users count = %d, want 1", count)
	}
	if total := int(parsed["total"].(float64)); total != 2 {
		t.Errorf("users total = %d, want 2", total)
	}

	parsed = parseResult(t, callTool(t, queryConfigHandler(data), map[string]interface{}{"section": "ssh", "limit": float64(1)}))
	if count := int(parsed["count"].(float64)); count != 1 {
		t.Errorf("limited count = %d, want 1", count)
	}
}

func TestQueryConfigHandler_Errors(t *testing.T) {
	data := newTestAuditData()

	result := callTool(t, queryConfigHandler(data), map[string]interface{}{"section": "vlans"})
	if !result.IsError {
		t.Fatal("expected error for unknown section")
	}
	text := result.Content[0].(mcp.TextContent).Text
	if !strings.Contains(text, "interfaces") {
		t.Errorf("error should list available sections, got %q", text)
	}

	data.Config = nil
	if result := callTool(t, queryConfigHandler(data), map[string]interface{}{"section": "ssh"}); !result.IsError {
		t.Error("expected error without a parsed configuration")
	}
}

func TestSuggestRemediationHandler(t *testing.T) {
	parsed := parseResult(t, callTool(t, suggestRemediationHandler(newTestAuditData()), map[string]interface{}{"rule_id": "V-257983"}))

	if parsed["fix_text"] != "Set PermitRootLogin no in /etc/ssh/sshd_config." {
		t.Errorf("fix_text = %v", parsed["fix_text"])
	}
	if parsed["status"] != "fail" {
		t.Errorf("status = %v, want fail", parsed["status"])
	}
	if !strings.Contains(parsed["finding_details"].(string), "PermitRootLogin") {
		t.Errorf("finding_details = %v", parsed["finding_details"])
	}
}

func TestListSectionsHandler(t *testing.T) {
	parsed := parseResult(t, callTool(t, listSectionsHandler(newTestAuditData()), nil))

	if parsed["hostname"] != "web01" {
		t.Errorf("hostname = %v, want web01", parsed["hostname"])
	}
	counts := map[string]int{}
	for _, s := range parsed["sections"].([]interface{}) {
		m := s.(map[string]interface{})
		counts[m["name"].(string)] = int(m["count"].(float64))
	}
	if counts["users"] != 2 || counts["ntp_servers"] != 1 || counts["settings"] != 1 {
		t.Errorf("unexpected section counts: %v", counts)
	}
	if _, ok := counts["banner"]; !ok {
		t.Error("empty sections should still be listed")
	}
}

func TestFromAnalysis(t *testing.T) {
	cfg := parser.NewParsedConfig(parser.AristaEOS, "")
	out := &analyzer.Output{
		Platform: parser.AristaEOS,
		Config:   cfg,
		Rules:    []rules.Rule{{ID: "ARST-ND-000010", VulnID: "V-255948", FixText: "configure ssh"}},
		Results:  []finding.Result{{RuleID: "ARST-ND-000010", Severity: finding.High, Status: finding.StatusFail}},
	}

	data := FromAnalysis(out)

	if data.Config != cfg {
		t.Error("parsed config not carried over")
	}
	if data.Document.Platform != "arista_eos" {
		t.Errorf("platform = %q", data.Document.Platform)
	}
	if r, ok := lookup(data, "V-255948"); !ok || r.RuleID != "ARST-ND-000010" {
		t.Errorf("lookup by vuln id = %v, %v", r, ok)
	}
}
