package evaluator

import (
	"testing"

	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
	"github.com/stretchr/testify/assert"
)

func TestHeuristicStrategyOrder(t *testing.T) {
	h := NewHeuristic()
	tests := []struct {
		title, check, want string
	}{
		{"The SSH daemon must not permit root logins", "Verify sshd", "ssh"},
		{"Must use NTP over SSH", "", "ssh"},
		{"Synchronize clocks", "Verify ntp server configuration", "ntp"},
		{"Send logs", "Verify syslog host", "syslog"},
		{"SNMP syslog traps", "", "syslog"},
		{"Use SNMPv3", "", "snmp"},
		{"Use centralized authentication", "", "aaa"},
		{"Configure AAA", "", "aaa"},
		{"Display the banner", "", "banner"},
		{"Disable IP source routing", `Verify "no ip source-route" is configured`, "generic"},
	}
	for _, tt := range tests {
		r := rules.Rule{ID: "X", Title: tt.title, CheckText: tt.check}
		assert.Equal(t, tt.want, h.Strategy(r), tt.title)
	}
}

func TestHeuristicSSH(t *testing.T) {
	h := NewHeuristic()
	cfg := parser.NewParsedConfig(parser.RedHat, "")
	cfg.SSH["PermitRootLogin"] = "yes"

	r := rules.Rule{
		Title:     "RHEL must not permit direct root logins over SSH",
		CheckText: `Verify /etc/ssh/sshd_config contains "PermitRootLogin no".`,
	}
	status, detail := h.Evaluate(r, cfg)
	assert.Equal(t, finding.StatusFail, status)
	assert.Contains(t, detail, "'yes'")
	assert.Contains(t, detail, "expected: no")

	cfg.SSH["PermitRootLogin"] = "NO"
	status, _ = h.Evaluate(r, cfg)
	assert.Equal(t, finding.StatusPass, status)

	status, _ = h.Evaluate(r, parser.NewParsedConfig(parser.RedHat, ""))
	assert.Equal(t, finding.StatusNotReviewed, status)
}

func TestHeuristicSSHFirstPresentKeyDecides(t *testing.T) {
	cfg := parser.NewParsedConfig(parser.RedHat, "")
	cfg.SSH["MaxAuthTries"] = "3"
	r := rules.Rule{CheckText: "sshd: PermitRootLogin no and MaxAuthTries 4"}

	status, detail := NewHeuristic().Evaluate(r, cfg)

	assert.Equal(t, finding.StatusFail, status)
	assert.Contains(t, detail, "MaxAuthTries")
}

func TestHeuristicDomainChecks(t *testing.T) {
	h := NewHeuristic()
	empty := parser.NewParsedConfig(parser.AristaEOS, "")
	full := parser.NewParsedConfig(parser.AristaEOS, "")
	full.NTPServers = []string{"10.0.0.1"}
	full.SyslogServers = []string{"10.0.0.2"}
	full.AAA["enabled"] = "true"
	full.Banner = "Authorized use only"
	full.SNMP.Communities = []string{"public"}

	tests := []struct {
		check   string
		onEmpty finding.Status
		onFull  finding.Status
	}{
		{"Verify ntp server", finding.StatusFail, finding.StatusPass},
		{"Verify syslog host", finding.StatusFail, finding.StatusPass},
		{"Verify aaa new-model", finding.StatusFail, finding.StatusPass},
		{"Verify the banner", finding.StatusFail, finding.StatusPass},
		{"Verify snmp-server is configured", finding.StatusNotReviewed, finding.StatusPass},
		{"Verify snmp uses v3", finding.StatusNotReviewed, finding.StatusFail},
	}
	for _, tt := range tests {
		r := rules.Rule{CheckText: tt.check}
		status, _ := h.Evaluate(r, empty)
		assert.Equal(t, tt.onEmpty, status, tt.check)
		status, _ = h.Evaluate(r, full)
		assert.Equal(t, tt.onFull, status, tt.check)
	}
}

func TestHeuristicGenericPatterns(t *testing.T) {
	h := NewHeuristic()
	cfg := parser.NewParsedConfig(parser.AristaEOS, "hostname sw1\nno ip source-route\nip domain lookup\n")

	status, detail := h.Evaluate(rules.Rule{CheckText: `Run "show run" and verify "no ip source-route" is present.`}, cfg)
	assert.Equal(t, finding.StatusPass, status)
	assert.Contains(t, detail, "Pattern found")

	status, _ = h.Evaluate(rules.Rule{CheckText: `show running-config | grep "ip domain.*lookup"`}, cfg)
	assert.Equal(t, finding.StatusPass, status)

	status, detail = h.Evaluate(rules.Rule{CheckText: `See "https://example.mil/guide" and "short"`}, cfg)
	assert.Equal(t, finding.StatusNotReviewed, status)
	assert.Equal(t, ManualReview, detail)

	status, _ = h.Evaluate(rules.Rule{CheckText: `verify "not configured anywhere"`}, cfg)
	assert.Equal(t, finding.StatusNotReviewed, status)
}

func TestExtractPatternsCapsAtFive(t *testing.T) {
	text := `"alpha-1" "bravo-2" "charlie-3" "delta-4" "echo-5" "foxtrot-6" grep "golf"`
	got := extractPatterns(text)
	assert.Len(t, got, maxGenericPatterns)
	assert.Equal(t, `alpha-1`, got[0])
}
