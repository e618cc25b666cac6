// Package redhat parses Red Hat / generic Linux configuration snippets:
// sshd_config, login.defs, selinux/config, chrony.conf, resolv.conf and
// rsyslog.conf, concatenated or on their own.
package redhat

import (
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"gopkg.in/ini.v1"
)

func init() {
	parser.Register(func(o parser.Options) parser.Parser { return &Parser{platform: o.Platform} },
		parser.RedHat, parser.Linux)
}

// sshKeys are sshd_config keywords copied into ParsedConfig.SSH.
var sshKeys = map[string]bool{
	"PermitRootLogin":         true,
	"PasswordAuthentication":  true,
	"Protocol":                true,
	"PermitEmptyPasswords":    true,
	"X11Forwarding":           true,
	"ClientAliveInterval":     true,
	"ClientAliveCountMax":     true,
	"MaxAuthTries":            true,
	"Ciphers":                 true,
	"MACs":                    true,
	"KexAlgorithms":           true,
	"UsePAM":                  true,
	"HostbasedAuthentication": true,
	"IgnoreRhosts":            true,
	"PubkeyAuthentication":    true,
	"LogLevel":                true,
	"Banner":                  true,
}

// mirrored login.defs keys are also stored under their lower-case name.
var mirrored = map[string]bool{
	"PASS_MAX_DAYS": true,
	"PASS_MIN_DAYS": true,
	"PASS_MIN_LEN":  true,
}

// Parser implements parser.Parser for RHEL and generic Linux.
type Parser struct {
	platform parser.Platform
}

// Parse reads KEY=value pairs through ini and "Key value" pairs with a
// line scanner.
func (p *Parser) Parse(content string) (*parser.ParsedConfig, error) {
	platform := p.platform
	if platform == "" {
		platform = parser.RedHat
	}
	cfg := parser.NewParsedConfig(platform, content)

	var assignments []string
	for _, line := range parser.Lines(content) {
		if strings.HasPrefix(line, "#") {
			continue
		}
		if isAssignment(line) {
			assignments = append(assignments, line)
			continue
		}
		p.spaceSeparated(cfg, line)
	}

	for key, value := range loadAssignments(assignments) {
		p.setting(cfg, key, value)
	}

	return cfg, nil
}

// isAssignment reports whether line is KEY=value with no whitespace in KEY.
func isAssignment(line string) bool {
	i := strings.Index(line, "=")
	if i <= 0 {
		return false
	}
	return !strings.ContainsAny(strings.TrimSpace(line[:i]), " \t")
}

// loadAssignments parses KEY=value lines with ini, which handles quoting and
// inline comments. If ini rejects the input the lines are split by hand.
func loadAssignments(lines []string) map[string]string {
	out := make(map[string]string, len(lines))
	if len(lines) == 0 {
		return out
	}

	f, err := ini.LoadSources(ini.LoadOptions{
		KeyValueDelimiters:      "=",
		IgnoreInlineComment:     false,
		SkipUnrecognizableLines: true,
		PreserveSurroundedQuote: false,
	}, []byte(strings.Join(lines, "\n")))
	if err == nil {
		for _, k := range f.Section(ini.DefaultSection).Keys() {
			out[k.Name()] = unquote(k.Value())
		}
		return out
	}

	for _, line := range lines {
		key, value, _ := strings.Cut(line, "=")
		out[strings.TrimSpace(key)] = unquote(value)
	}
	return out
}

func unquote(v string) string {
	return strings.Trim(strings.TrimSpace(v), `"'`)
}

func (p *Parser) setting(cfg *parser.ParsedConfig, key, value string) {
	cfg.Settings[key] = value
	if mirrored[key] {
		cfg.Settings[strings.ToLower(key)] = value
	}
	switch {
	case strings.EqualFold(key, "hostname"):
		cfg.Hostname = value
	case key == "SELINUX":
		cfg.Services["selinux"] = strings.EqualFold(value, "enforcing")
	}
}

func (p *Parser) spaceSeparated(cfg *parser.ParsedConfig, line string) {
	fields := strings.Fields(line)
	if len(fields) < 2 {
		return
	}
	key := fields[0]
	value := strings.TrimSpace(line[len(key):])

	switch {
	case key == "server" || key == "pool":
		cfg.NTPServers = parser.AppendUnique(cfg.NTPServers, fields[1])
		return
	case key == "nameserver":
		cfg.DNSServers = parser.AppendUnique(cfg.DNSServers, fields[1])
		return
	case strings.Contains(key, ".") && strings.HasPrefix(fields[len(fields)-1], "@"):
		// rsyslog forwarding rule, e.g. "*.* @@loghost:514".
		host := strings.TrimLeft(fields[len(fields)-1], "@")
		if i := strings.LastIndex(host, ":"); i > 0 {
			host = host[:i]
		}
		cfg.SyslogServers = parser.AppendUnique(cfg.SyslogServers, host)
		return
	}

	p.setting(cfg, key, value)
	if sshKeys[key] {
		cfg.SSH[key] = value
	}
	if key == "Banner" && !strings.EqualFold(value, "none") {
		cfg.Banner = value
	}
}
