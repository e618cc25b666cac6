package rules

import (
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/PiotrMackowski/ClosedSTIG/internal/parser"
	"github.com/PiotrMackowski/ClosedSTIG/policies"
	"gopkg.in/yaml.v3"
)

// Table is one built-in rule file: a versioned rule list shared by one or
// more platforms.
type Table struct {
	Name      string            `yaml:"name"`
	Version   string            `yaml:"version"`
	Platforms []parser.Platform `yaml:"platforms"`
	Rules     []Rule            `yaml:"rules"`
}

// Catalog holds the built-in rule tables indexed by platform.
type Catalog struct {
	tables     []Table
	byPlatform map[parser.Platform][]Rule
}

// ForPlatform returns a copy of the built-in rules for p, or nil.
func (c *Catalog) ForPlatform(p parser.Platform) []Rule {
	rs := c.byPlatform[p]
	if len(rs) == 0 {
		return nil
	}
	out := make([]Rule, len(rs))
	copy(out, rs)
	return out
}

// Platforms lists the platforms with a built-in table, sorted.
func (c *Catalog) Platforms() []parser.Platform {
	out := make([]parser.Platform, 0, len(c.byPlatform))
	for p := range c.byPlatform {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Tables returns the loaded tables in file order.
func (c *Catalog) Tables() []Table {
	return c.tables
}

// Builtin loads the rule tables embedded in the binary.
func Builtin() (*Catalog, error) {
	return LoadFS(policies.Embedded, "builtin")
}

// LoadDir loads every YAML rule table under dir.
func LoadDir(dir string) (*Catalog, error) {
	c, err := LoadFS(os.DirFS(dir), ".")
	if err != nil {
		return nil, fmt.Errorf("loading rules from %s: %w", dir, err)
	}
	return c, nil
}

// LoadFS loads every YAML rule table under root in fsys.
func LoadFS(fsys fs.FS, root string) (*Catalog, error) {
	c := &Catalog{byPlatform: map[parser.Platform][]Rule{}}

	err := fs.WalkDir(fsys, root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		ext := strings.ToLower(path.Ext(p))
		if ext != ".yaml" && ext != ".yml" {
			return nil
		}

		data, err := fs.ReadFile(fsys, p)
		if err != nil {
			return fmt.Errorf("reading rule table %s: %w", p, err)
		}

		var t Table
		if err := yaml.Unmarshal(data, &t); err != nil {
			return fmt.Errorf("parsing rule table %s: %w", p, err)
		}
		if err := t.validate(); err != nil {
			return fmt.Errorf("rule table %s: %w", p, err)
		}

		c.tables = append(c.tables, t)
		for _, platform := range t.Platforms {
			if _, dup := c.byPlatform[platform]; dup {
				return fmt.Errorf("rule table %s: platform %q already has a table", p, platform)
			}
			c.byPlatform[platform] = t.Rules
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return c, nil
}

func (t *Table) validate() error {
	if len(t.Platforms) == 0 {
		return fmt.Errorf("no platforms listed")
	}
	for _, p := range t.Platforms {
		if _, err := parser.ParsePlatform(string(p)); err != nil {
			return err
		}
	}

	seen := make(map[string]bool, len(t.Rules))
	for i := range t.Rules {
		r := &t.Rules[i]
		r.Normalize()
		r.Source = SourceBuiltin
		if r.ID == "" {
			return fmt.Errorf("rule %d has no ID", i+1)
		}
		if seen[r.ID] {
			return fmt.Errorf("duplicate rule %s", r.ID)
		}
		seen[r.ID] = true
		if r.Check == nil {
			return fmt.Errorf("rule %s has no check", r.ID)
		}
		if !r.Check.Type.Valid() {
			return fmt.Errorf("rule %s: unknown check type %q", r.ID, r.Check.Type)
		}
	}
	return nil
}
