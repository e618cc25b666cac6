// Package mellanox parses Mellanox / NVIDIA Onyx switch configurations.
package mellanox

import (
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
)

func init() {
	parser.Register(func(parser.Options) parser.Parser { return &Parser{} }, parser.Mellanox)
}

// Parser implements parser.Parser for Onyx / MLNX-OS.
type Parser struct{}

// Parse reads a "show running-config" dump. Both "#" and "!" start comments.
func (p *Parser) Parse(content string) (*parser.ParsedConfig, error) {
	cfg := parser.NewParsedConfig(parser.Mellanox, content)

	for _, stripped := range parser.Lines(content) {
		if strings.HasPrefix(stripped, "#") || strings.HasPrefix(stripped, "!") {
			continue
		}
		fields := strings.Fields(stripped)
		lower := strings.ToLower(stripped)

		if strings.Contains(lower, "ssh server") {
			cfg.SSH["server_enabled"] = "true"
			if strings.Contains(lower, "ssh server enable") {
				cfg.SSH["enabled"] = "true"
			}
		}

		switch {
		case strings.HasPrefix(stripped, "hostname ") && len(fields) >= 2:
			cfg.Hostname = fields[1]
		case strings.HasPrefix(stripped, "ntp server ") && len(fields) >= 3:
			cfg.NTPServers = parser.AppendUnique(cfg.NTPServers, fields[2])
		case strings.HasPrefix(stripped, "ip name-server ") && len(fields) >= 3:
			cfg.DNSServers = parser.AppendUnique(cfg.DNSServers, fields[len(fields)-1])
		case strings.HasPrefix(stripped, "username ") && len(fields) >= 2:
			cfg.Users = append(cfg.Users, parser.User{Name: fields[1], Line: stripped})
		case strings.HasPrefix(stripped, "aaa ") && len(fields) >= 2:
			cfg.AAA["enabled"] = "true"
			switch fields[1] {
			case "authentication", "authorization", "accounting":
				cfg.AAA[fields[1]] = stripped
			}
		case strings.HasPrefix(stripped, "tacacs-server ") || strings.HasPrefix(stripped, "tacacs server "):
			cfg.AAA["enabled"] = "true"
			cfg.AAA["tacacs"] = appendList(cfg.AAA["tacacs"], stripped)
		case strings.HasPrefix(stripped, "radius-server ") || strings.HasPrefix(stripped, "radius server "):
			cfg.AAA["enabled"] = "true"
			cfg.AAA["radius"] = appendList(cfg.AAA["radius"], stripped)
		case strings.HasPrefix(stripped, "snmp-server "):
			for i, f := range fields {
				if f == "community" && i+1 < len(fields) {
					cfg.SNMP.Communities = parser.AppendUnique(cfg.SNMP.Communities, fields[i+1])
				}
				if f == "v3" {
					cfg.SNMP.Version = "3"
				}
			}
			if len(fields) >= 3 && fields[1] == "host" {
				cfg.SNMP.Hosts = parser.AppendUnique(cfg.SNMP.Hosts, fields[2])
			}
		case strings.HasPrefix(stripped, "logging ") && len(fields) >= 2:
			cfg.SyslogServers = parser.AppendUnique(cfg.SyslogServers, fields[1])
		case strings.HasPrefix(stripped, "interface "):
			cfg.Interfaces = append(cfg.Interfaces, parser.Interface{
				Name:  strings.TrimSpace(stripped[len("interface "):]),
				Lines: []string{stripped},
			})
		case strings.HasPrefix(stripped, "banner login"):
			cfg.Banner = strings.Trim(strings.TrimSpace(stripped[len("banner login"):]), `"`)
		}
	}

	return cfg, nil
}

func appendList(existing, line string) string {
	if existing == "" {
		return line
	}
	return existing + "; " + line
}
