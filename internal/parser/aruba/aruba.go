// Package aruba parses HPE Aruba CX running configurations.
package aruba

import (
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
)

func init() {
	parser.Register(func(parser.Options) parser.Parser { return &Parser{} }, parser.ArubaCX)
}

// loggingKeywords are "logging" sub-commands that are not remote hosts.
var loggingKeywords = map[string]bool{
	"console":            true,
	"facility":           true,
	"severity":           true,
	"filter":             true,
	"persistent-storage": true,
}

// Parser implements parser.Parser for Aruba CX.
type Parser struct{}

// Parse reads an AOS-CX running-config.
func (p *Parser) Parse(content string) (*parser.ParsedConfig, error) {
	cfg := parser.NewParsedConfig(parser.ArubaCX, content)

	var iface *parser.Interface
	flush := func() {
		if iface != nil {
			cfg.Interfaces = append(cfg.Interfaces, *iface)
			iface = nil
		}
	}

	for _, line := range strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n") {
		stripped := strings.TrimSpace(line)
		if stripped == "" || strings.HasPrefix(stripped, "!") {
			continue
		}

		if strings.HasPrefix(stripped, "interface ") {
			flush()
			iface = &parser.Interface{Name: strings.TrimSpace(stripped[len("interface "):]), Lines: []string{}}
			continue
		}
		if iface != nil {
			if strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t") {
				iface.Lines = append(iface.Lines, stripped)
				continue
			}
			flush()
		}

		fields := strings.Fields(stripped)
		lower := strings.ToLower(stripped)

		if strings.Contains(lower, "ssh server") {
			cfg.SSH["server_enabled"] = "true"
			if i := strings.Index(lower, "vrf"); i >= 0 {
				cfg.SSH["vrf"] = strings.TrimSpace(stripped[i+len("vrf"):])
			}
		}

		switch {
		case strings.HasPrefix(stripped, "hostname "):
			cfg.Hostname = strings.Trim(strings.TrimSpace(stripped[len("hostname "):]), `"`)
		case strings.HasPrefix(stripped, "ntp server ") && len(fields) >= 3:
			cfg.NTPServers = parser.AppendUnique(cfg.NTPServers, fields[2])
		case strings.HasPrefix(stripped, "ip dns server-address ") && len(fields) >= 4:
			cfg.DNSServers = parser.AppendUnique(cfg.DNSServers, fields[3])
		case strings.HasPrefix(stripped, "user ") && len(fields) >= 2:
			cfg.Users = append(cfg.Users, parser.User{Name: fields[1], Line: stripped})
		case strings.HasPrefix(stripped, "snmp-server "):
			for i, f := range fields {
				if f == "community" && i+1 < len(fields) {
					cfg.SNMP.Communities = parser.AppendUnique(cfg.SNMP.Communities, fields[i+1])
				}
			}
			if len(fields) >= 3 && fields[1] == "host" {
				cfg.SNMP.Hosts = parser.AppendUnique(cfg.SNMP.Hosts, fields[2])
			}
		case strings.HasPrefix(stripped, "snmpv3 "):
			cfg.SNMP.Version = "3"
		case strings.HasPrefix(stripped, "logging ") && len(fields) >= 2 && !loggingKeywords[fields[1]]:
			cfg.SyslogServers = parser.AppendUnique(cfg.SyslogServers, fields[1])
		case strings.HasPrefix(stripped, "banner"):
			cfg.Banner = stripped
		case strings.HasPrefix(stripped, "aaa authentication"):
			cfg.AAA["enabled"] = "true"
			cfg.AAA["authentication"] = stripped
		case strings.HasPrefix(stripped, "tacacs-server host ") || strings.HasPrefix(stripped, "radius-server host "):
			cfg.AAA["enabled"] = "true"
			cfg.AAA[fields[0]] = strings.Join(fields[2:], " ")
		case strings.HasPrefix(stripped, "no telnet-server"):
			cfg.Services["telnet-server"] = false
		}
	}
	flush()

	return cfg, nil
}
