// Package juniper parses JunOS configurations, including SRX, in either the
// hierarchical form or the flat "display set" form.
package juniper

import (
	"net"
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
)

func init() {
	parser.Register(func(o parser.Options) parser.Parser { return &Parser{platform: o.Platform} },
		parser.JuniperJunOS, parser.JuniperSRX)
}

// Parser implements parser.Parser for JunOS. SRX shares the grammar.
type Parser struct {
	platform parser.Platform
}

// Parse walks the brace hierarchy, interpreting each statement against the
// enclosing path. Top-level "set" lines carry their own path.
func (p *Parser) Parse(content string) (*parser.ParsedConfig, error) {
	platform := p.platform
	if platform == "" {
		platform = parser.JuniperJunOS
	}
	cfg := parser.NewParsedConfig(platform, content)

	var path pathStack
	ifaceIndex := map[string]int{}

	for _, stripped := range parser.Lines(content) {
		if strings.HasPrefix(stripped, "#") || strings.HasPrefix(stripped, "/*") {
			continue
		}

		if strings.HasSuffix(stripped, "{") {
			segment := strings.TrimSpace(strings.TrimSuffix(stripped, "{"))
			path.Push(segment)
			p.enterBlock(cfg, &path)
			continue
		}
		if stripped == "}" {
			path.Pop()
			continue
		}

		stmt := strings.TrimSuffix(stripped, ";")
		if path.Depth() == 0 && strings.HasPrefix(stmt, "set ") {
			p.setLine(cfg, strings.Fields(stmt)[1:], ifaceIndex)
			continue
		}
		p.statement(cfg, &path, stmt, ifaceIndex)
	}

	return cfg, nil
}

// setLine replays "set a b c stmt" as if "stmt" appeared inside the blocks
// "a { b { c {".
func (p *Parser) setLine(cfg *parser.ParsedConfig, words []string, ifaceIndex map[string]int) {
	var path pathStack
	for len(words) > 1 {
		n := headerWords(&path, words[0])
		if n == 0 || len(words) <= n {
			break
		}
		path.Push(strings.Join(words[:n], " "))
		p.enterBlock(cfg, &path)
		words = words[n:]
	}
	p.statement(cfg, &path, strings.Join(words, " "), ifaceIndex)
}

// headerWords returns how many words starting at word form a block header
// under path, or 0 when word starts a statement.
func headerWords(path *pathStack, word string) int {
	switch depth := path.Depth(); {
	case depth == 0:
		switch word {
		case "system", "snmp", "interfaces":
			return 1
		}
	case path.Within("interfaces") && depth == 1:
		return 1
	case path.Within("system") && depth == 1:
		switch word {
		case "ntp", "syslog", "services", "login":
			return 1
		case "tacplus-server", "radius-server":
			return 2
		}
	case path.Within("system", "services") && depth == 2:
		if word == "ssh" {
			return 1
		}
	case path.Within("system", "syslog") && depth == 2:
		if word == "host" {
			return 2
		}
	case path.Within("system", "login") && depth == 2:
		switch word {
		case "user":
			return 2
		case "retry-options":
			return 1
		}
	case path.Within("snmp") && depth == 1:
		switch word {
		case "v3":
			return 1
		case "community", "trap-group":
			return 2
		}
	}
	return 0
}

func (p *Parser) statement(cfg *parser.ParsedConfig, path *pathStack, stmt string, ifaceIndex map[string]int) {
	fields := strings.Fields(stmt)
	if len(fields) == 0 {
		return
	}

	switch {
	case fields[0] == "host-name" && len(fields) >= 2:
		cfg.Hostname = fields[1]
	case fields[0] == "version" && path.Depth() == 0 && len(fields) >= 2:
		cfg.Version = fields[1]
	case path.Within("system", "ntp") && fields[0] == "server" && len(fields) >= 2:
		cfg.NTPServers = parser.AppendUnique(cfg.NTPServers, fields[1])
	case path.Within("system", "syslog") && fields[0] == "host" && len(fields) >= 2:
		if net.ParseIP(fields[1]) != nil {
			cfg.SyslogServers = parser.AppendUnique(cfg.SyslogServers, fields[1])
		}
	case path.Within("system", "name-server"):
		cfg.DNSServers = parser.AppendUnique(cfg.DNSServers, fields[0])
	case path.Within("system") && fields[0] == "name-server" && len(fields) >= 2:
		cfg.DNSServers = parser.AppendUnique(cfg.DNSServers, fields[1])
	case path.Within("system", "services", "ssh"):
		cfg.SSH["enabled"] = "true"
		if len(fields) >= 2 {
			key := strings.ReplaceAll(fields[0], "-", "_")
			cfg.SSH[key] = strings.Join(fields[1:], " ")
		}
	case path.Within("system", "services") && fields[0] == "ssh":
		cfg.SSH["enabled"] = "true"
	case path.Within("system", "login", "user"):
		// Statements inside a user block are recorded by enterBlock.
	case path.Within("system", "login") && fields[0] == "message" && len(fields) >= 2:
		cfg.Banner = strings.Trim(strings.Join(fields[1:], " "), `"`)
	case path.Within("system", "login") && (fields[0] == "retry-options" || fields[0] == "lockout-period"):
		cfg.Settings["login_"+fields[0]] = strings.Join(fields[1:], " ")
	case path.Within("system") && fields[0] == "authentication-order" && len(fields) >= 2:
		cfg.AAA["enabled"] = "true"
		cfg.AAA["authentication_order"] = strings.Trim(strings.Join(fields[1:], " "), "[] ")
	case path.Within("system", "tacplus-server") || path.Within("system", "radius-server"):
		cfg.AAA["enabled"] = "true"
	case path.Within("snmp"):
		p.snmpStatement(cfg, path, fields)
	case path.Within("interfaces"):
		name := path.After("interfaces")
		if name == "" {
			break
		}
		idx, ok := ifaceIndex[name]
		if !ok {
			idx = len(cfg.Interfaces)
			ifaceIndex[name] = idx
			cfg.Interfaces = append(cfg.Interfaces, parser.Interface{Name: name, Lines: []string{}})
		}
		cfg.Interfaces[idx].Lines = append(cfg.Interfaces[idx].Lines, stmt)
	}
}

// enterBlock handles facts carried by the block header itself.
func (p *Parser) enterBlock(cfg *parser.ParsedConfig, path *pathStack) {
	switch {
	case path.Within("system", "services", "ssh") && path.Depth() == 3:
		cfg.SSH["enabled"] = "true"
	case path.Within("system", "login", "user") && path.Depth() == 3:
		// "user NAME {" is one segment.
		if name := path.After("system", "login", "user"); name != "" && !hasUser(cfg.Users, name) {
			cfg.Users = append(cfg.Users, parser.User{Name: name, Line: "user " + name})
		}
	case path.Within("system", "syslog", "host") && path.Depth() == 3:
		if host := path.After("system", "syslog", "host"); net.ParseIP(host) != nil {
			cfg.SyslogServers = parser.AppendUnique(cfg.SyslogServers, host)
		}
	case path.Within("system", "login", "retry-options"):
		cfg.Settings["login_retry-options"] = "configured"
	case path.Within("system", "tacplus-server") || path.Within("system", "radius-server"):
		cfg.AAA["enabled"] = "true"
	case path.Within("snmp", "v3"):
		cfg.SNMP.Version = "3"
	case path.Within("snmp", "community") && path.Depth() == 2:
		if name := path.After("snmp", "community"); name != "" {
			cfg.SNMP.Communities = parser.AppendUnique(cfg.SNMP.Communities, name)
		}
	}
}

func (p *Parser) snmpStatement(cfg *parser.ParsedConfig, path *pathStack, fields []string) {
	switch {
	case path.Within("snmp", "v3"):
		cfg.SNMP.Version = "3"
	case fields[0] == "v3":
		cfg.SNMP.Version = "3"
	case fields[0] == "community" && len(fields) >= 2:
		cfg.SNMP.Communities = parser.AppendUnique(cfg.SNMP.Communities, fields[1])
	case path.Within("snmp", "trap-group") && fields[0] == "targets" && len(fields) >= 2:
		cfg.SNMP.Hosts = parser.AppendUnique(cfg.SNMP.Hosts, fields[1])
	}
}

func hasUser(users []parser.User, name string) bool {
	for _, u := range users {
		if u.Name == name {
			return true
		}
	}
	return false
}
