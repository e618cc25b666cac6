package xccdf

import (
	"sort"
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
)

// platformMappings ties substrings of a benchmark id or title to the
// platforms the benchmark applies to. Matching is case-insensitive and
// every matching row contributes.
var platformMappings = []struct {
	marker    string
	platforms []parser.Platform
}{
	{"arista", []parser.Platform{parser.AristaEOS}},
	{"aruba", []parser.Platform{parser.ArubaCX}},
	{"juniper", []parser.Platform{parser.JuniperJunOS, parser.JuniperSRX}},
	{"junos", []parser.Platform{parser.JuniperJunOS}},
	{"srx", []parser.Platform{parser.JuniperSRX}},
	{"pfsense", []parser.Platform{parser.PfSense}},
	{"mellanox", []parser.Platform{parser.Mellanox}},
	{"onyx", []parser.Platform{parser.Mellanox}},
	{"red_hat", []parser.Platform{parser.RedHat, parser.Linux}},
	{"red hat", []parser.Platform{parser.RedHat, parser.Linux}},
	{"rhel", []parser.Platform{parser.RedHat, parser.Linux}},
	{"oracle_linux", []parser.Platform{parser.Linux}},
	{"ubuntu", []parser.Platform{parser.Linux}},
	{"sles", []parser.Platform{parser.Linux}},
	{"cisco_ios", []parser.Platform{parser.CiscoIOS}},
	{"cisco ios", []parser.Platform{parser.CiscoIOS}},
	{"nx-os", []parser.Platform{parser.CiscoNXOS}},
	{"nxos", []parser.Platform{parser.CiscoNXOS}},
	{"palo_alto", []parser.Platform{parser.PaloAlto}},
	{"palo alto", []parser.Platform{parser.PaloAlto}},
	{"fortinet", []parser.Platform{parser.Fortinet}},
	{"fortigate", []parser.Platform{parser.Fortinet}},
	{"windows", []parser.Platform{parser.Windows}},
	{"macos", []parser.Platform{parser.MacOS}},
	{"esxi", []parser.Platform{parser.VMwareESXi}},
}

// MapPlatforms infers the platforms a benchmark covers from its id and
// title. The result is sorted and may be empty.
func MapPlatforms(id, title string) []parser.Platform {
	text := strings.ToLower(id + " " + title)
	seen := map[parser.Platform]bool{}
	var out []parser.Platform
	for _, m := range platformMappings {
		if !strings.Contains(text, m.marker) {
			continue
		}
		for _, p := range m.platforms {
			if !seen[p] {
				seen[p] = true
				out = append(out, p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
