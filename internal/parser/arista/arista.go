// Package arista parses Arista EOS running configurations.
package arista

import (
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
)

func init() {
	parser.Register(func(parser.Options) parser.Parser { return &Parser{} }, parser.AristaEOS)
}

// Parser implements parser.Parser for EOS.
type Parser struct{}

// Parse reads an EOS running-config. Lines starting with "!" are comments;
// indented lines following "interface X" belong to that interface.
func (p *Parser) Parse(content string) (*parser.ParsedConfig, error) {
	cfg := parser.NewParsedConfig(parser.AristaEOS, content)

	var iface *parser.Interface
	var banner []string
	inBanner := false
	flush := func() {
		if iface != nil {
			cfg.Interfaces = append(cfg.Interfaces, *iface)
			iface = nil
		}
	}

	for _, line := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		stripped := strings.TrimSpace(line)
		if inBanner {
			if stripped == "EOF" {
				inBanner = false
				cfg.Banner = strings.Join(banner, "\n")
				continue
			}
			banner = append(banner, stripped)
			continue
		}
		if stripped == "" || strings.HasPrefix(stripped, "!") {
			continue
		}
		indented := strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")
		lower := strings.ToLower(stripped)

		if strings.HasPrefix(stripped, "interface ") {
			flush()
			iface = &parser.Interface{Name: strings.TrimSpace(stripped[len("interface "):]), Lines: []string{}}
			continue
		}
		if iface != nil {
			if indented {
				iface.Lines = append(iface.Lines, stripped)
				continue
			}
			flush()
		}

		fields := strings.Fields(stripped)

		switch {
		case strings.HasPrefix(stripped, "hostname "):
			cfg.Hostname = strings.TrimSpace(stripped[len("hostname "):])
		case strings.Contains(stripped, "Software image version:"):
			cfg.Version = strings.TrimSpace(stripped[strings.Index(stripped, ":")+1:])
		case strings.HasPrefix(stripped, "ntp server "):
			cfg.NTPServers = parser.AppendUnique(cfg.NTPServers, serverArg(fields[2:]))
		case strings.HasPrefix(stripped, "ip name-server "):
			args := fields[2:]
			if len(args) >= 2 && args[0] == "vrf" {
				args = args[2:]
			}
			for _, s := range args {
				cfg.DNSServers = parser.AppendUnique(cfg.DNSServers, s)
			}
		case strings.HasPrefix(stripped, "logging host ") && len(fields) >= 3:
			cfg.SyslogServers = parser.AppendUnique(cfg.SyslogServers, fields[2])
		case strings.HasPrefix(stripped, "snmp-server "):
			parseSNMP(cfg, fields)
		case strings.HasPrefix(stripped, "banner"):
			cfg.Banner = stripped
			if len(fields) == 2 {
				inBanner = true
				banner = banner[:0]
			}
		case strings.HasPrefix(stripped, "username ") && len(fields) >= 2:
			cfg.Users = append(cfg.Users, parser.User{Name: fields[1], Line: stripped})
		case strings.HasPrefix(stripped, "aaa "):
			cfg.AAA["enabled"] = "true"
			if strings.Contains(stripped, "authentication") {
				cfg.AAA["authentication"] = stripped
			}
		case strings.HasPrefix(stripped, "no ") && len(fields) >= 2:
			cfg.Services[fields[1]] = false
		case strings.HasPrefix(stripped, "service ") && len(fields) >= 2:
			cfg.Services[fields[1]] = true
		}

		if strings.Contains(lower, "management ssh") {
			cfg.SSH["enabled"] = "true"
		}
		if strings.Contains(lower, "ssh server") {
			cfg.SSH["server_enabled"] = "true"
		}
	}
	flush()
	if inBanner && len(banner) > 0 {
		cfg.Banner = strings.Join(banner, "\n")
	}

	return cfg, nil
}

// serverArg skips an optional "vrf NAME" prefix.
func serverArg(args []string) string {
	if len(args) >= 3 && args[0] == "vrf" {
		return args[2]
	}
	if len(args) == 0 {
		return ""
	}
	return args[0]
}

func parseSNMP(cfg *parser.ParsedConfig, fields []string) {
	if len(fields) < 2 {
		return
	}
	switch fields[1] {
	case "community":
		if len(fields) >= 3 {
			cfg.SNMP.Communities = parser.AppendUnique(cfg.SNMP.Communities, fields[2])
		}
	case "host":
		if len(fields) >= 3 {
			cfg.SNMP.Hosts = parser.AppendUnique(cfg.SNMP.Hosts, fields[2])
		}
	case "user", "group":
		for _, f := range fields[2:] {
			if f == "v3" {
				cfg.SNMP.Version = "3"
			}
		}
	}
}
