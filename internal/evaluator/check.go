package evaluator

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
)

// Check is a typed verdict over a parsed configuration. Implementations
// must treat cfg as read-only.
type Check interface {
	Evaluate(cfg *parser.ParsedConfig) (finding.Status, string)
}

// NewCheck builds the check variant described by spec.
func NewCheck(spec rules.CheckSpec) Check {
	switch spec.Type {
	case rules.CheckSetting:
		return SettingCheck{Key: spec.Key, Expected: spec.Expected, Compare: spec.Comparison()}
	case rules.CheckPattern:
		return PatternCheck{Pattern: spec.Pattern, Negate: spec.Negate}
	case rules.CheckSSH:
		return SSHCheck{Key: spec.Key, Expected: spec.Expected}
	case rules.CheckNTP:
		return NTPCheck{}
	case rules.CheckSyslog:
		return SyslogCheck{}
	case rules.CheckSNMP:
		return SNMPCheck{RequireV3: spec.Key == "version" && isV3(spec.Expected)}
	case rules.CheckAAA:
		return AAACheck{}
	case rules.CheckBanner:
		return BannerCheck{}
	case rules.CheckDNS:
		return DNSCheck{}
	default:
		return unknownCheck{Type: spec.Type}
	}
}

func isV3(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "v3" || v == "3"
}

// SettingCheck compares one entry of ParsedConfig.Settings.
type SettingCheck struct {
	Key      string
	Expected string
	Compare  rules.Compare
}

func (c SettingCheck) Evaluate(cfg *parser.ParsedConfig) (finding.Status, string) {
	if c.Key == "" {
		return finding.StatusError, "No check key specified"
	}
	actual, ok := cfg.Settings[c.Key]
	if !ok {
		return finding.StatusFail, fmt.Sprintf("Setting '%s' not found in configuration", c.Key)
	}
	if c.Expected == "" {
		return finding.StatusPass, fmt.Sprintf("Setting '%s' is present: %s", c.Key, actual)
	}

	switch c.Compare {
	case rules.CompareAtMost, rules.CompareAtLeast:
		got, err := strconv.Atoi(strings.TrimSpace(actual))
		if err != nil {
			return finding.StatusError, fmt.Sprintf("Invalid numeric value: %s", actual)
		}
		want, err := strconv.Atoi(strings.TrimSpace(c.Expected))
		if err != nil {
			return finding.StatusError, fmt.Sprintf("Invalid numeric threshold: %s", c.Expected)
		}
		op, pass := "<=", got <= want
		if c.Compare == rules.CompareAtLeast {
			op, pass = ">=", got >= want
		}
		detail := fmt.Sprintf("%s is %s (expected %s %s)", c.Key, actual, op, c.Expected)
		if pass {
			return finding.StatusPass, detail
		}
		return finding.StatusFail, detail
	}

	detail := fmt.Sprintf("Setting '%s' is '%s' (expected: %s)", c.Key, actual, c.Expected)
	if strings.EqualFold(actual, c.Expected) {
		return finding.StatusPass, detail
	}
	return finding.StatusFail, detail
}

// PatternCheck searches the raw configuration with a case-insensitive,
// multi-line regular expression.
type PatternCheck struct {
	Pattern string
	Negate  bool
}

func (c PatternCheck) Evaluate(cfg *parser.ParsedConfig) (finding.Status, string) {
	if c.Pattern == "" {
		return finding.StatusError, "No pattern specified"
	}
	re, err := regexp.Compile("(?im)" + c.Pattern)
	if err != nil {
		return finding.StatusError, fmt.Sprintf("Invalid regex pattern: %v", err)
	}
	loc := re.FindStringIndex(cfg.Raw)
	found := loc != nil

	if c.Negate {
		if found {
			return finding.StatusFail, fmt.Sprintf("Pattern '%s' found (should NOT be present)", c.Pattern)
		}
		return finding.StatusPass, fmt.Sprintf("Pattern '%s' not found (as expected)", c.Pattern)
	}
	if found {
		return finding.StatusPass, fmt.Sprintf("Pattern '%s' found: %s", c.Pattern, cfg.Raw[loc[0]:loc[1]])
	}
	return finding.StatusFail, fmt.Sprintf("Pattern '%s' not found in configuration", c.Pattern)
}

// SSHCheck inspects ParsedConfig.SSH.
type SSHCheck struct {
	Key      string
	Expected string
}

func (c SSHCheck) Evaluate(cfg *parser.ParsedConfig) (finding.Status, string) {
	switch c.Key {
	case "":
		return finding.StatusError, "No check key specified for SSH check"
	case "enabled":
		if truthy(cfg.SSH["enabled"]) || truthy(cfg.SSH["server_enabled"]) {
			return finding.StatusPass, "SSH is enabled"
		}
		return finding.StatusFail, "SSH is not enabled"
	case "server_enabled":
		if truthy(cfg.SSH["server_enabled"]) {
			return finding.StatusPass, "SSH server is enabled"
		}
		return finding.StatusFail, "SSH server is not enabled"
	}

	actual, ok := cfg.SSH[c.Key]
	if !ok {
		return finding.StatusFail, fmt.Sprintf("SSH setting '%s' not configured", c.Key)
	}
	if c.Expected == "" {
		return finding.StatusPass, fmt.Sprintf("SSH %s is configured: %s", c.Key, actual)
	}
	if strings.EqualFold(actual, c.Expected) {
		return finding.StatusPass, fmt.Sprintf("SSH %s is '%s'", c.Key, actual)
	}
	return finding.StatusFail, fmt.Sprintf("SSH %s is '%s' (expected: %s)", c.Key, actual, c.Expected)
}

func truthy(v string) bool {
	return v != "" && !strings.EqualFold(v, "false")
}

// NTPCheck passes when any NTP server is configured.
type NTPCheck struct{}

func (NTPCheck) Evaluate(cfg *parser.ParsedConfig) (finding.Status, string) {
	if len(cfg.NTPServers) > 0 {
		return finding.StatusPass, "NTP configured with servers: " + strings.Join(cfg.NTPServers, ", ")
	}
	return finding.StatusFail, "No NTP servers configured"
}

// SyslogCheck passes when any remote syslog server is configured.
type SyslogCheck struct{}

func (SyslogCheck) Evaluate(cfg *parser.ParsedConfig) (finding.Status, string) {
	if len(cfg.SyslogServers) > 0 {
		return finding.StatusPass, "Syslog configured with servers: " + strings.Join(cfg.SyslogServers, ", ")
	}
	return finding.StatusFail, "No syslog servers configured"
}

// DNSCheck passes when any name server is configured.
type DNSCheck struct{}

func (DNSCheck) Evaluate(cfg *parser.ParsedConfig) (finding.Status, string) {
	if len(cfg.DNSServers) > 0 {
		return finding.StatusPass, "DNS configured with servers: " + strings.Join(cfg.DNSServers, ", ")
	}
	return finding.StatusFail, "No DNS servers configured"
}

// SNMPCheck requires SNMP to be configured and, with RequireV3, a v3 marker.
// Community strings alone never satisfy a v3 requirement.
type SNMPCheck struct {
	RequireV3 bool
}

func (c SNMPCheck) Evaluate(cfg *parser.ParsedConfig) (finding.Status, string) {
	snmp := cfg.SNMP
	if !snmp.Configured() {
		return finding.StatusFail, "SNMP is not configured"
	}
	if c.RequireV3 {
		if snmp.V3() {
			return finding.StatusPass, "SNMPv3 is configured"
		}
		if len(snmp.Communities) > 0 {
			return finding.StatusFail, fmt.Sprintf("Using SNMP community strings (v1/v2c): %s. SNMPv3 required.",
				strings.Join(snmp.Communities, ", "))
		}
		return finding.StatusFail, "SNMPv3 not detected"
	}
	return finding.StatusPass, "SNMP is configured: " + describeSNMP(snmp)
}

func describeSNMP(s parser.SNMPSettings) string {
	var parts []string
	if s.Version != "" {
		parts = append(parts, "version "+s.Version)
	}
	if n := len(s.Communities); n > 0 {
		parts = append(parts, fmt.Sprintf("%d communities", n))
	}
	if len(s.Hosts) > 0 {
		parts = append(parts, "hosts "+strings.Join(s.Hosts, ", "))
	}
	return strings.Join(parts, "; ")
}

// AAACheck passes when any AAA directive was recorded.
type AAACheck struct{}

func (AAACheck) Evaluate(cfg *parser.ParsedConfig) (finding.Status, string) {
	if truthy(cfg.AAA["enabled"]) {
		return finding.StatusPass, "AAA is enabled: " + describeMap(cfg.AAA)
	}
	if len(cfg.AAA) > 0 {
		return finding.StatusPass, "AAA configuration found: " + describeMap(cfg.AAA)
	}
	return finding.StatusFail, "AAA is not configured"
}

// BannerCheck passes when a login banner is present.
type BannerCheck struct{}

func (BannerCheck) Evaluate(cfg *parser.ParsedConfig) (finding.Status, string) {
	if cfg.Banner == "" {
		return finding.StatusFail, "No login banner configured"
	}
	return finding.StatusPass, "Login banner configured: " + truncate(cfg.Banner, 100)
}

type unknownCheck struct {
	Type rules.CheckType
}

func (c unknownCheck) Evaluate(*parser.ParsedConfig) (finding.Status, string) {
	return finding.StatusNotReviewed, fmt.Sprintf("Unknown check type: %s", c.Type)
}

// truncate shortens s to at most n runes, marking the cut with "...".
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
