package evaluator

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/finding"
	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/rules"
)

// ManualReview is the detail of a rule nothing could check automatically.
const ManualReview = "Manual review required - unable to automatically check this rule"

// maxGenericPatterns caps how many literals the generic strategy tries.
const maxGenericPatterns = 5

// sshSetting pairs an sshd keyword with the pattern that extracts its
// required value from check text.
type sshSetting struct {
	key string
	re  *regexp.Regexp
}

var sshSettings = []sshSetting{
	{"PermitRootLogin", regexp.MustCompile(`(?i)PermitRootLogin\s+(no|yes)`)},
	{"Protocol", regexp.MustCompile(`(?i)Protocol\s+(\d)`)},
	{"PasswordAuthentication", regexp.MustCompile(`(?i)PasswordAuthentication\s+(no|yes)`)},
	{"PermitEmptyPasswords", regexp.MustCompile(`(?i)PermitEmptyPasswords\s+(no|yes)`)},
	{"X11Forwarding", regexp.MustCompile(`(?i)X11Forwarding\s+(no|yes)`)},
	{"ClientAliveInterval", regexp.MustCompile(`(?i)ClientAliveInterval\s+(\d+)`)},
	{"ClientAliveCountMax", regexp.MustCompile(`(?i)ClientAliveCountMax\s+(\d+)`)},
	{"MaxAuthTries", regexp.MustCompile(`(?i)MaxAuthTries\s+(\d+)`)},
	{"Ciphers", regexp.MustCompile(`(?i)Ciphers\s+([\w,@-]+)`)},
	{"MACs", regexp.MustCompile(`(?i)MACs\s+([\w,@-]+)`)},
}

var (
	quotedLiteral = regexp.MustCompile(`"([^"]+)"`)
	grepFragment  = regexp.MustCompile(`grep\s+"([^"]+)"`)
)

// keyword routes a rule to a domain check when any of its words occurs in
// the rule text.
type keyword struct {
	name  string
	words []string
	eval  func(r rules.Rule, text string, cfg *parser.ParsedConfig) (finding.Status, string)
}

// Heuristic evaluates rules that carry no typed check, such as XCCDF or
// database rules. The first keyword found in the lower-cased check text and
// title decides which domain check runs; when none matches, quoted literals
// and grep fragments from the check text are searched for in the raw
// configuration.
//
// A literal that happens to occur in an unrelated line produces a PASS.
// Callers relying on generic matches should treat them as advisory.
type Heuristic struct {
	keywords []keyword
}

// NewHeuristic returns the heuristic with its fixed keyword order:
// ssh, ntp, syslog, snmp, aaa/authentication, banner.
func NewHeuristic() *Heuristic {
	return &Heuristic{keywords: []keyword{
		{name: "ssh", words: []string{"ssh"}, eval: heuristicSSH},
		{name: "ntp", words: []string{"ntp"}, eval: heuristicNTP},
		{name: "syslog", words: []string{"syslog"}, eval: heuristicSyslog},
		{name: "snmp", words: []string{"snmp"}, eval: heuristicSNMP},
		{name: "aaa", words: []string{"aaa", "authentication"}, eval: heuristicAAA},
		{name: "banner", words: []string{"banner"}, eval: heuristicBanner},
	}}
}

// Strategy names the strategy that governs r: a keyword name or "generic".
func (h *Heuristic) Strategy(r rules.Rule) string {
	if k := h.match(r); k != nil {
		return k.name
	}
	return "generic"
}

// Evaluate returns the heuristic verdict for r.
func (h *Heuristic) Evaluate(r rules.Rule, cfg *parser.ParsedConfig) (finding.Status, string) {
	if k := h.match(r); k != nil {
		return k.eval(r, r.CheckText, cfg)
	}
	return genericPatterns(r.CheckText, cfg)
}

func (h *Heuristic) match(r rules.Rule) *keyword {
	text := strings.ToLower(r.CheckText + "\n" + r.Title)
	for i := range h.keywords {
		for _, w := range h.keywords[i].words {
			if strings.Contains(text, w) {
				return &h.keywords[i]
			}
		}
	}
	return nil
}

func heuristicSSH(_ rules.Rule, text string, cfg *parser.ParsedConfig) (finding.Status, string) {
	for _, s := range sshSettings {
		m := s.re.FindStringSubmatch(text)
		if m == nil {
			continue
		}
		actual, ok := cfg.SSH[s.key]
		if !ok {
			continue
		}
		detail := fmt.Sprintf("SSH setting '%s' is '%s' (expected: %s)", s.key, actual, m[1])
		if strings.EqualFold(actual, m[1]) {
			return finding.StatusPass, detail
		}
		return finding.StatusFail, detail
	}
	return finding.StatusNotReviewed, "No SSH setting referenced by the check was found in the configuration"
}

func heuristicNTP(_ rules.Rule, _ string, cfg *parser.ParsedConfig) (finding.Status, string) {
	if len(cfg.NTPServers) > 0 {
		return finding.StatusPass, "NTP configured: " + strings.Join(cfg.NTPServers, ", ")
	}
	return finding.StatusFail, "NTP not configured"
}

func heuristicSyslog(_ rules.Rule, _ string, cfg *parser.ParsedConfig) (finding.Status, string) {
	if len(cfg.SyslogServers) > 0 {
		return finding.StatusPass, "Syslog configured: " + strings.Join(cfg.SyslogServers, ", ")
	}
	return finding.StatusFail, "Remote logging not configured"
}

func heuristicSNMP(_ rules.Rule, text string, cfg *parser.ParsedConfig) (finding.Status, string) {
	if !cfg.SNMP.Configured() {
		return finding.StatusNotReviewed, "SNMP configuration not detected"
	}
	if strings.Contains(strings.ToLower(text), "v3") {
		if cfg.SNMP.V3() {
			return finding.StatusPass, "SNMPv3 is configured"
		}
		return finding.StatusFail, "SNMPv3 is not configured"
	}
	return finding.StatusPass, "SNMP configured: " + describeSNMP(cfg.SNMP)
}

func heuristicAAA(_ rules.Rule, _ string, cfg *parser.ParsedConfig) (finding.Status, string) {
	if len(cfg.AAA) > 0 {
		return finding.StatusPass, "AAA configured: " + describeMap(cfg.AAA)
	}
	return finding.StatusFail, "AAA not configured"
}

func heuristicBanner(_ rules.Rule, _ string, cfg *parser.ParsedConfig) (finding.Status, string) {
	if cfg.Banner != "" {
		return finding.StatusPass, fmt.Sprintf("Banner configured (%d chars)", len([]rune(cfg.Banner)))
	}
	return finding.StatusFail, "No login banner configured"
}

// genericPatterns searches the raw configuration for quoted literals longer
// than five characters and for grep fragments taken from the check text.
func genericPatterns(text string, cfg *parser.ParsedConfig) (finding.Status, string) {
	for _, p := range extractPatterns(text) {
		re, err := regexp.Compile("(?i)" + p)
		if err != nil {
			continue
		}
		if re.MatchString(cfg.Raw) {
			return finding.StatusPass, "Pattern found: " + truncate(p, 50)
		}
	}
	return finding.StatusNotReviewed, ManualReview
}

func extractPatterns(text string) []string {
	var out []string
	for _, m := range quotedLiteral.FindAllStringSubmatch(text, -1) {
		if len(m[1]) > 5 && !strings.HasPrefix(m[1], "http") {
			out = append(out, regexp.QuoteMeta(m[1]))
		}
	}
	for _, m := range grepFragment.FindAllStringSubmatch(text, -1) {
		out = append(out, m[1])
	}
	if len(out) > maxGenericPatterns {
		out = out[:maxGenericPatterns]
	}
	return out
}

func describeMap(m map[string]string) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + "=" + m[k]
	}
	return strings.Join(parts, ", ")
}
