package parser

import "strings"

// detectRules is checked in order; the first marker found wins.
var detectRules = []struct {
	platform Platform
	markers  []string
}{
	{PfSense, []string{"<?xml", "<pfsense>"}},
	{AristaEOS, []string{"arista", "eos"}},
	{JuniperJunOS, []string{"juniper", "junos"}},
	{Mellanox, []string{"mellanox", "mlnx"}},
	{ArubaCX, []string{"aruba"}},
	{RedHat, []string{"selinux", "pass_max_days"}},
}

// Detect guesses the platform from content markers. ok is false when no
// marker matches.
func Detect(content string) (Platform, bool) {
	lower := strings.ToLower(content)
	for _, rule := range detectRules {
		for _, m := range rule.markers {
			if strings.Contains(lower, m) {
				return rule.platform, true
			}
		}
	}
	return "", false
}

// Resolve returns the explicit platform when given, otherwise the detected
// one. An explicit value outside Platforms is an error; so is content that
// matches no marker.
func Resolve(explicit, content string) (Platform, error) {
	if strings.TrimSpace(explicit) != "" {
		return ParsePlatform(explicit)
	}
	p, ok := Detect(content)
	if !ok {
		return "", ErrUndeterminedPlatform
	}
	return p, nil
}
