// Package parser turns raw device configuration text into a normalized
// ParsedConfig that rule checks can read.
//
// Each platform family lives in its own subpackage and registers itself
// with Register from an init function. To add a platform:
//  1. Create internal/parser/<family>/ with a Parser implementation.
//  2. Call parser.Register(factory, platforms...) in an init() function.
//  3. Add built-in rules under policies/builtin/.
//  4. Blank-import the package in cmd/closedstig/platforms.go.
package parser

import (
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/sirupsen/logrus"
)

// Platform identifies a device or operating-system family.
type Platform string

const (
	AristaEOS    Platform = "arista_eos"
	ArubaCX      Platform = "hpe_aruba_cx"
	JuniperJunOS Platform = "juniper_junos"
	JuniperSRX   Platform = "juniper_srx"
	Mellanox     Platform = "mellanox"
	PfSense      Platform = "pfsense"
	RedHat       Platform = "redhat"
	Linux        Platform = "linux"
	CiscoIOS     Platform = "cisco_ios"
	CiscoNXOS    Platform = "cisco_nxos"
	PaloAlto     Platform = "paloalto"
	Fortinet     Platform = "fortinet"
	Windows      Platform = "windows"
	MacOS        Platform = "macos"
	VMwareESXi   Platform = "vmware_esxi"
)

// Platforms lists every platform value the service accepts.
var Platforms = []Platform{
	AristaEOS, ArubaCX, JuniperJunOS, JuniperSRX, Mellanox, PfSense, RedHat, Linux,
	CiscoIOS, CiscoNXOS, PaloAlto, Fortinet, Windows, MacOS, VMwareESXi,
}

var (
	// ErrNoParser is returned for a valid platform that has no parser.
	ErrNoParser = errors.New("no parser available for platform")
	// ErrUndeterminedPlatform is returned when detection finds no marker.
	ErrUndeterminedPlatform = errors.New("cannot determine platform")
	// ErrUnknownPlatform is returned by ParsePlatform for values outside Platforms.
	ErrUnknownPlatform = errors.New("unknown platform")
)

// ParsePlatform validates a user-supplied platform value.
func ParsePlatform(s string) (Platform, error) {
	p := Platform(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Platforms {
		if p == known {
			return p, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPlatform, s)
}

// LimitError reports input rejected by a resource cap before parsing.
type LimitError struct {
	Platform Platform
	Limit    int64
	Size     int64
}

func (e *LimitError) Error() string {
	return fmt.Sprintf("%s configuration is %d bytes, exceeding the %d byte limit", e.Platform, e.Size, e.Limit)
}

// Interface is one interface block from a device configuration.
type Interface struct {
	Name  string   `json:"name"`
	Lines []string `json:"lines"`
}

// User is a local account declaration.
type User struct {
	Name string `json:"name"`
	Line string `json:"line,omitempty"`
}

// ACL is one access-control or firewall filter entry.
type ACL struct {
	ID         string            `json:"id"`
	Attributes map[string]string `json:"attributes"`
}

// SNMPSettings summarises the SNMP configuration.
type SNMPSettings struct {
	// Version is "3" once any v3 user, group or view is declared.
	Version     string   `json:"version,omitempty"`
	Communities []string `json:"communities"`
	Hosts       []string `json:"hosts"`
}

// Configured reports whether any SNMP directive was seen.
func (s SNMPSettings) Configured() bool {
	return s.Version != "" || len(s.Communities) > 0 || len(s.Hosts) > 0
}

// V3 reports whether SNMPv3 is in use.
func (s SNMPSettings) V3() bool {
	v := strings.ToLower(s.Version)
	return v == "3" || v == "v3"
}

// ParsedConfig is the normalized view of one device configuration. Maps and
// slices are never nil. Checks treat it as read-only.
type ParsedConfig struct {
	Platform      Platform          `json:"platform"`
	Hostname      string            `json:"hostname,omitempty"`
	Version       string            `json:"version,omitempty"`
	Interfaces    []Interface       `json:"interfaces"`
	Users         []User            `json:"users"`
	ACLs          []ACL             `json:"acls"`
	SSH           map[string]string `json:"ssh"`
	AAA           map[string]string `json:"aaa"`
	SNMP          SNMPSettings      `json:"snmp"`
	NTPServers    []string          `json:"ntp_servers"`
	DNSServers    []string          `json:"dns_servers"`
	SyslogServers []string          `json:"syslog_servers"`
	Banner        string            `json:"banner,omitempty"`
	Settings      map[string]string `json:"settings"`
	Services      map[string]bool   `json:"services"`
	Raw           string            `json:"-"`
}

// NewParsedConfig returns an empty config with every collection initialised.
func NewParsedConfig(platform Platform, raw string) *ParsedConfig {
	return &ParsedConfig{
		Platform:      platform,
		Interfaces:    []Interface{},
		Users:         []User{},
		ACLs:          []ACL{},
		SSH:           map[string]string{},
		AAA:           map[string]string{},
		SNMP:          SNMPSettings{Communities: []string{}, Hosts: []string{}},
		NTPServers:    []string{},
		DNSServers:    []string{},
		SyslogServers: []string{},
		Settings:      map[string]string{},
		Services:      map[string]bool{},
		Raw:           raw,
	}
}

// Parser converts raw configuration text for one platform family.
//
// Parse must not panic on malformed input; unrecognised lines are ignored.
// The only error it returns is a *LimitError, and even then the returned
// config is non-nil.
type Parser interface {
	Parse(content string) (*ParsedConfig, error)
}

// DefaultMaxXMLSize caps XML-based configurations when Options leaves it unset.
const DefaultMaxXMLSize int64 = 50 * 1024 * 1024

// Options carries the per-call settings handed to a parser factory.
type Options struct {
	// Platform is the concrete platform being parsed; aliases share a factory.
	Platform Platform
	// MaxXMLSize caps XML input in bytes. Zero means DefaultMaxXMLSize.
	MaxXMLSize int64
	// Logger receives security-limit violations. Nil discards them.
	Logger *logrus.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxXMLSize <= 0 {
		o.MaxXMLSize = DefaultMaxXMLSize
	}
	if o.Logger == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		o.Logger = l
	}
	return o
}

// Parse looks up the parser for platform and runs it. A panic inside a
// parser is converted to an error so that one bad input cannot take the
// caller down.
func Parse(content string, platform Platform, opts Options) (cfg *ParsedConfig, err error) {
	factory, err := Get(platform)
	if err != nil {
		return nil, err
	}
	opts.Platform = platform
	opts = opts.withDefaults()

	defer func() {
		if r := recover(); r != nil {
			cfg = NewParsedConfig(platform, content)
			err = fmt.Errorf("parsing %s configuration: %v", platform, r)
		}
	}()

	cfg, err = factory(opts).Parse(content)
	if cfg == nil {
		cfg = NewParsedConfig(platform, content)
	}
	cfg.Platform = platform
	return cfg, err
}

// Lines splits content into trimmed, non-empty lines.
func Lines(content string) []string {
	raw := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		if t := strings.TrimSpace(l); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// AppendUnique appends v to list unless it is empty or already present.
func AppendUnique(list []string, v string) []string {
	v = strings.TrimSpace(v)
	if v == "" {
		return list
	}
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

// Fields splits a line on whitespace.
func Fields(line string) []string {
	return strings.Fields(line)
}
