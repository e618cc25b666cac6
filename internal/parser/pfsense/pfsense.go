// Package pfsense parses pfSense config.xml backups.
package pfsense

import (
	"encoding/xml"
	"strconv"
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/internal/safexml"
	"github.com/sirupsen/logrus"
)

func init() {
	parser.Register(func(o parser.Options) parser.Parser {
		return &Parser{MaxSize: o.MaxXMLSize, Logger: o.Logger}
	}, parser.PfSense)
}

// Parser implements parser.Parser for pfSense.
type Parser struct {
	MaxSize int64
	Logger  *logrus.Logger
}

// element is a generic XML node used where pfSense nests arbitrary tags,
// such as <interfaces><wan>...</wan></interfaces>.
type element struct {
	XMLName  xml.Name
	Text     string    `xml:",chardata"`
	Children []element `xml:",any"`
}

func (e element) child(name string) (element, bool) {
	for _, c := range e.Children {
		if c.XMLName.Local == name {
			return c, true
		}
	}
	return element{}, false
}

type document struct {
	XMLName xml.Name `xml:"pfsense"`
	System  struct {
		Hostname    string    `xml:"hostname"`
		DNSServers  []string  `xml:"dnsserver"`
		Timeservers string    `xml:"timeservers"`
		SSH         *element  `xml:"ssh"`
		Users       []xmlUser `xml:"user"`
	} `xml:"system"`
	Interfaces element `xml:"interfaces"`
	Filter     struct {
		Rules []element `xml:"rule"`
	} `xml:"filter"`
	Syslog struct {
		Servers  []string `xml:"remoteserver"`
		Servers2 []string `xml:"remoteserver2"`
		Servers3 []string `xml:"remoteserver3"`
	} `xml:"syslog"`
	SNMPD *struct {
		ROCommunity string    `xml:"rocommunity"`
		Enable      *struct{} `xml:"enable"`
	} `xml:"snmpd"`
}

type xmlUser struct {
	Name string `xml:"name"`
}

// Parse decodes the backup through the hardened decoder. Oversize input is
// logged and rejected with a *parser.LimitError before any decoding; other
// decode failures yield an empty config.
func (p *Parser) Parse(content string) (*parser.ParsedConfig, error) {
	cfg := parser.NewParsedConfig(parser.PfSense, content)

	limit := p.MaxSize
	if limit <= 0 {
		limit = parser.DefaultMaxXMLSize
	}
	if size := int64(len(content)); size > limit {
		p.logger().WithFields(logrus.Fields{
			"size":  size,
			"limit": limit,
		}).Error("pfSense configuration exceeds maximum XML size")
		return cfg, &parser.LimitError{Platform: parser.PfSense, Limit: limit, Size: size}
	}

	var doc document
	if err := safexml.Decode([]byte(content), limit, &doc); err != nil {
		p.logger().WithError(err).Warn("pfSense XML could not be parsed")
		return cfg, nil
	}

	sys := doc.System
	cfg.Hostname = strings.TrimSpace(sys.Hostname)
	for _, d := range sys.DNSServers {
		cfg.DNSServers = parser.AppendUnique(cfg.DNSServers, d)
	}
	for _, ts := range strings.Fields(sys.Timeservers) {
		cfg.NTPServers = parser.AppendUnique(cfg.NTPServers, ts)
	}
	if sys.SSH != nil {
		cfg.SSH["enabled"] = "true"
		if port, ok := sys.SSH.child("port"); ok {
			cfg.SSH["port"] = strings.TrimSpace(port.Text)
		}
	}
	for _, u := range sys.Users {
		if name := strings.TrimSpace(u.Name); name != "" {
			cfg.Users = append(cfg.Users, parser.User{Name: name})
		}
	}

	for _, iface := range doc.Interfaces.Children {
		out := parser.Interface{Name: iface.XMLName.Local, Lines: []string{}}
		for _, c := range iface.Children {
			out.Lines = append(out.Lines, c.XMLName.Local+": "+strings.TrimSpace(c.Text))
		}
		cfg.Interfaces = append(cfg.Interfaces, out)
	}

	for i, rule := range doc.Filter.Rules {
		acl := parser.ACL{Attributes: map[string]string{}}
		for _, c := range rule.Children {
			acl.Attributes[c.XMLName.Local] = strings.TrimSpace(c.Text)
		}
		acl.ID = acl.Attributes["tracker"]
		if acl.ID == "" {
			acl.ID = "rule-" + strconv.Itoa(i+1)
		}
		cfg.ACLs = append(cfg.ACLs, acl)
	}

	for _, group := range [][]string{doc.Syslog.Servers, doc.Syslog.Servers2, doc.Syslog.Servers3} {
		for _, s := range group {
			cfg.SyslogServers = parser.AppendUnique(cfg.SyslogServers, s)
		}
	}

	if doc.SNMPD != nil {
		cfg.Services["snmpd"] = doc.SNMPD.Enable != nil
		cfg.SNMP.Communities = parser.AppendUnique(cfg.SNMP.Communities, doc.SNMPD.ROCommunity)
	}

	return cfg, nil
}

func (p *Parser) logger() *logrus.Logger {
	if p.Logger != nil {
		return p.Logger
	}
	return logrus.StandardLogger()
}
