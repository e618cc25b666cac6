// Package mcpserver implements the MCP server for AI-assisted review of STIG audit results.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/analyzer"
	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/report"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	// maxQueryLimit caps the entries returned per query_config call.
	maxQueryLimit = 500

	defaultQueryLimit = 50

	// maxInputLength caps generic string input length for MCP parameters.
	maxInputLength = 256
)

// validRuleID matches STIG rule and vuln ids (e.g. SV-257779r925318_rule, V-257779, RHEL-09-255015).
var validRuleID = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.\-]{0,120}$`)

// AuditData holds one analyzed configuration for MCP tool queries. Config
// is nil when only stored results are available.
type AuditData struct {
	Document *report.Document
	Config   *parser.ParsedConfig
}

// FromAnalysis wraps the output of a configuration analysis.
func FromAnalysis(out *analyzer.Output) *AuditData {
	return &AuditData{
		Document: report.New(string(out.Platform), out.Results, rules.Details(out.Rules)),
		Config:   out.Config,
	}
}

// NewMCPServer creates a new MCP server with all audit tools registered.
func NewMCPServer(data *AuditData) *server.MCPServer {
	s := server.NewMCPServer(
		"ClosedSTIG",
		"0.1.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)

	registerTools(s, data)
	registerResources(s, data)

	return s
}

func registerTools(s *server.MCPServer, data *AuditData) {
	s.AddTool(
		mcp.NewTool("list_findings",
			mcp.WithDescription("List STIG check results. Optionally filter by severity or status."),
			mcp.WithString("severity",
				mcp.Description("Filter by severity: high, medium, low"),
			),
			mcp.WithString("status",
				mcp.Description("Filter by status: pass, fail, not_applicable, not_reviewed, error"),
			),
		),
		listFindingsHandler(data),
	)

	s.AddTool(
		mcp.NewTool("get_finding",
			mcp.WithDescription("Get the result and rule text of one check by rule id or vuln id."),
			mcp.WithString("rule_id",
				mcp.Required(),
				mcp.Description("The rule id (e.g. RHEL-09-255015) or vuln id (e.g. V-257779)"),
			),
		),
		getFindingHandler(data),
	)

	s.AddTool(
		mcp.NewTool("get_summary",
			mcp.WithDescription("Get the compliance summary: score, counts by status and the per-severity breakdown."),
		),
		getSummaryHandler(data),
	)

	s.AddTool(
		mcp.NewTool("query_config",
			mcp.WithDescription("Query one section of the parsed device configuration."),
			mcp.WithString("section",
				mcp.Required(),
				mcp.Description("Section name, see list_sections (e.g. interfaces, users, ssh, settings)"),
			),
			mcp.WithString("filter",
				mcp.Description("Only return entries whose name or value contains this text"),
			),
			mcp.WithNumber("limit",
				mcp.Description("Max number of entries to return (default 50, max 500)"),
			),
		),
		queryConfigHandler(data),
	)

	s.AddTool(
		mcp.NewTool("suggest_remediation",
			mcp.WithDescription("Get the fix text, check text and finding details for one check."),
			mcp.WithString("rule_id",
				mcp.Required(),
				mcp.Description("The rule id or vuln id to get remediation for"),
			),
		),
		suggestRemediationHandler(data),
	)

	s.AddTool(
		mcp.NewTool("list_sections",
			mcp.WithDescription("List the sections of the parsed configuration with entry counts."),
		),
		listSectionsHandler(data),
	)
}

func registerResources(s *server.MCPServer, data *AuditData) {
	s.AddResource(
		mcp.NewResource(
			"closedstig://summary",
			"Compliance Summary",
			mcp.WithResourceDescription("Overall STIG compliance summary"),
			mcp.WithMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			summaryJSON, _ := json.MarshalIndent(data.Document.Summary, "", "  ")
			return []mcp.ResourceContents{
				mcp.TextResourceContents{
					URI:      "closedstig://summary",
					MIMEType: "application/json",
					Text:     string(summaryJSON),
				},
			}, nil
		},
	)

	s.AddResource(
		mcp.NewResource(
			"closedstig://audit/meta",
			"Audit Metadata",
			mcp.WithResourceDescription("Target, STIG and job the results belong to"),
			mcp.WithMIMEType("application/json"),
		),
		func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
			doc := data.Document
			meta := map[string]interface{}{
				"platform":     doc.Platform,
				"target":       doc.TargetName(),
				"stig":         doc.DefinitionTitle(),
				"generated_at": doc.GeneratedAt,
				"results":      len(doc.Results),
			}
			if doc.Job != nil {
				meta["job_id"] = doc.Job.ID
				meta["status"] = doc.Job.Status
			}
			if data.Config != nil {
				meta["hostname"] = data.Config.Hostname
				meta["version"] = data.Config.Version
			}
			metaJSON, _ := json.MarshalIndent(meta, "", "  ")
			return []mcp.ResourceContents{
				mcp.TextResourceContents{
					URI:      "closedstig://audit/meta",
					MIMEType: "application/json",
					Text:     string(metaJSON),
				},
			}, nil
		},
	)
}

// --- Tool Handlers ---

func listFindingsHandler(data *AuditData) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		severity := strings.ToLower(strings.TrimSpace(req.GetString("severity", "")))
		statusArg := strings.TrimSpace(req.GetString("status", ""))

		if severity != "" {
			switch finding.Severity(severity) {
			case finding.High, finding.Medium, finding.Low:
			default:
				return mcp.NewToolResultError(
					fmt.Sprintf("invalid severity %q; allowed values: high, medium, low", severity),
				), nil
			}
		}

		var status finding.Status
		if statusArg != "" {
			st, ok := finding.ParseStatus(statusArg)
			if !ok {
				return mcp.NewToolResultError(
					fmt.Sprintf("invalid status %q; allowed values: pass, fail, not_applicable, not_reviewed, error", statusArg),
				), nil
			}
			status = st
		}

		filtered := finding.FilterResults(data.Document.Sorted(), status, finding.Severity(severity))

		type resultSummary struct {
			RuleID   string           `json:"rule_id"`
			VulnID   string           `json:"vuln_id,omitempty"`
			Title    string           `json:"title"`
			Severity finding.Severity `json:"severity"`
			Status   finding.Status   `json:"status"`
		}

		summaries := make([]resultSummary, len(filtered))
		for i, r := range filtered {
			summaries[i] = resultSummary{
				RuleID:   r.RuleID,
				VulnID:   data.Document.Detail(r.RuleID).VulnID,
				Title:    r.Title,
				Severity: r.Severity,
				Status:   r.Status,
			}
		}

		result, _ := json.MarshalIndent(map[string]interface{}{
			"count":    len(summaries),
			"findings": summaries,
		}, "", "  ")

		return mcp.NewToolResultText(string(result)), nil
	}
}

// lookup finds a result by rule id or by the vuln id of its rule.
func lookup(data *AuditData, id string) (finding.Result, bool) {
	for _, r := range data.Document.Results {
		if r.RuleID == id || data.Document.Detail(r.RuleID).VulnID == id {
			return r, true
		}
	}
	return finding.Result{}, false
}

func ruleIDArg(req mcp.CallToolRequest) (string, *mcp.CallToolResult) {
	id, err := req.RequireString("rule_id")
	if err != nil {
		return "", mcp.NewToolResultError(err.Error())
	}
	if len(id) > maxInputLength {
		return "", mcp.NewToolResultError("rule_id exceeds maximum length")
	}
	if !validRuleID.MatchString(id) {
		return "", mcp.NewToolResultError(fmt.Sprintf("invalid rule_id %q", id))
	}
	return id, nil
}

func getFindingHandler(data *AuditData) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, errResult := ruleIDArg(req)
		if errResult != nil {
			return errResult, nil
		}

		r, ok := lookup(data, id)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("rule %q not found", id)), nil
		}
		det := data.Document.Detail(r.RuleID)
		result, _ := json.MarshalIndent(map[string]interface{}{
			"result":      r,
			"vuln_id":     det.VulnID,
			"description": report.VulnDiscussion(det.Description),
			"ccis":        det.CCIs,
		}, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	}
}

func getSummaryHandler(data *AuditData) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		result, _ := json.MarshalIndent(data.Document.Summary, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	}
}

// entry is one named value of a configuration section.
type entry struct {
	Name  string `json:"name"`
	Value string `json:"value,omitempty"`
}

// sections flattens the parsed configuration into named lists.
func sections(cfg *parser.ParsedConfig) map[string][]entry {
	out := map[string][]entry{}

	var ifaces []entry
	for _, i := range cfg.Interfaces {
		ifaces = append(ifaces, entry{Name: i.Name, Value: strings.Join(i.Lines, "; ")})
	}
	out["interfaces"] = ifaces

	var users []entry
	for _, u := range cfg.Users {
		users = append(users, entry{Name: u.Name, Value: u.Line})
	}
	out["users"] = users

	var acls []entry
	for _, a := range cfg.ACLs {
		keys := make([]string, 0, len(a.Attributes))
		for k := range a.Attributes {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, len(keys))
		for i, k := range keys {
			parts[i] = k + "=" + a.Attributes[k]
		}
		acls = append(acls, entry{Name: a.ID, Value: strings.Join(parts, " ")})
	}
	out["acls"] = acls

	out["ssh"] = mapEntries(cfg.SSH)
	out["aaa"] = mapEntries(cfg.AAA)
	out["settings"] = mapEntries(cfg.Settings)

	var services []entry
	for name, on := range cfg.Services {
		services = append(services, entry{Name: name, Value: fmt.Sprint(on)})
	}
	sort.Slice(services, func(i, j int) bool { return services[i].Name < services[j].Name })
	out["services"] = services

	snmp := []entry{{Name: "version", Value: cfg.SNMP.Version}}
	for _, c := range cfg.SNMP.Communities {
		snmp = append(snmp, entry{Name: "community", Value: c})
	}
	for _, h := range cfg.SNMP.Hosts {
		snmp = append(snmp, entry{Name: "host", Value: h})
	}
	out["snmp"] = snmp

	out["ntp_servers"] = listEntries(cfg.NTPServers)
	out["dns_servers"] = listEntries(cfg.DNSServers)
	out["syslog_servers"] = listEntries(cfg.SyslogServers)

	var banner []entry
	if cfg.Banner != "" {
		banner = append(banner, entry{Name: "banner", Value: cfg.Banner})
	}
	out["banner"] = banner
	return out
}

func mapEntries(m map[string]string) []entry {
	out := make([]entry, 0, len(m))
	for k, v := range m {
		out = append(out, entry{Name: k, Value: v})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func listEntries(vs []string) []entry {
	out := make([]entry, len(vs))
	for i, v := range vs {
		out[i] = entry{Name: v}
	}
	return out
}

func sectionNames(all map[string][]entry) []string {
	names := make([]string, 0, len(all))
	for n := range all {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func queryConfigHandler(data *AuditData) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		section, err := req.RequireString("section")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		section = strings.ToLower(strings.TrimSpace(section))

		if data.Config == nil {
			return mcp.NewToolResultError("no parsed configuration loaded"), nil
		}

		all := sections(data.Config)
		entries, ok := all[section]
		if !ok {
			return mcp.NewToolResultError(
				fmt.Sprintf("section %q not found. Available sections: %s", section, strings.Join(sectionNames(all), ", ")),
			), nil
		}

		filter := req.GetString("filter", "")
		if len(filter) > maxInputLength {
			return mcp.NewToolResultError("filter exceeds maximum length"), nil
		}
		filter = strings.ToLower(filter)

		limit := int(req.GetFloat("limit", float64(defaultQueryLimit)))
		if limit <= 0 {
			limit = defaultQueryLimit
		}
		if limit > maxQueryLimit {
			limit = maxQueryLimit
		}

		filtered := []entry{}
		for _, e := range entries {
			if filter != "" &&
				!strings.Contains(strings.ToLower(e.Name), filter) &&
				!strings.Contains(strings.ToLower(e.Value), filter) {
				continue
			}
			filtered = append(filtered, e)
			if len(filtered) >= limit {
				break
			}
		}

		result, _ := json.MarshalIndent(map[string]interface{}{
			"section": section,
			"count":   len(filtered),
			"total":   len(entries),
			"entries": filtered,
		}, "", "  ")

		return mcp.NewToolResultText(string(result)), nil
	}
}

func suggestRemediationHandler(data *AuditData) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, errResult := ruleIDArg(req)
		if errResult != nil {
			return errResult, nil
		}

		r, ok := lookup(data, id)
		if !ok {
			return mcp.NewToolResultError(fmt.Sprintf("rule %q not found", id)), nil
		}
		det := data.Document.Detail(r.RuleID)
		remediation := map[string]interface{}{
			"rule_id":         r.RuleID,
			"title":           r.Title,
			"severity":        r.Severity,
			"status":          r.Status,
			"finding_details": r.FindingDetails,
			"fix_text":        det.FixText,
			"check_text":      det.CheckText,
		}
		result, _ := json.MarshalIndent(remediation, "", "  ")
		return mcp.NewToolResultText(string(result)), nil
	}
}

func listSectionsHandler(data *AuditData) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if data.Config == nil {
			return mcp.NewToolResultError("no parsed configuration loaded"), nil
		}

		type sectionSummary struct {
			Name  string `json:"name"`
			Count int    `json:"count"`
		}

		all := sections(data.Config)
		var out []sectionSummary
		for _, name := range sectionNames(all) {
			out = append(out, sectionSummary{Name: name, Count: len(all[name])})
		}

		result, _ := json.MarshalIndent(map[string]interface{}{
			"platform":       data.Config.Platform,
			"hostname":       data.Config.Hostname,
			"total_sections": len(out),
			"sections":       out,
		}, "", "  ")

		return mcp.NewToolResultText(string(result)), nil
	}
}
