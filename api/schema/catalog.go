package schema

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"

	"gopkg.in/yaml.v3"

	"ferry/api/model"
)

// Catalog is the ordered set of known migrations. Version 0 is the empty
// schema.
type Catalog struct {
	migrations []model.Migration
}

func NewCatalog(ms ...model.Migration) (*Catalog, error) {
	sorted := append([]model.Migration(nil), ms...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Version < sorted[j].Version })
	for i, m := range sorted {
		if m.Version <= 0 {
			return nil, fmt.Errorf("migration %q: version must be positive", m.Name)
		}
		if m.Up == "" {
			return nil, fmt.Errorf("migration %d: forward script is empty", m.Version)
		}
		if i > 0 && sorted[i-1].Version == m.Version {
			return nil, fmt.Errorf("migration %d: duplicate version", m.Version)
		}
	}
	return &Catalog{migrations: sorted}, nil
}

var fileRe = regexp.MustCompile(`^(\d+)_([A-Za-z0-9_\-]+)\.(up|down)\.sql$`)

// LoadDir reads NNNN_name.up.sql and NNNN_name.down.sql files. A version
// without a down file is irreversible.
func LoadDir(dir string) (*Catalog, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read migrations dir: %w", err)
	}

	byVersion := make(map[int64]*model.Migration)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		m := fileRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		version, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("migration %s: %w", e.Name(), err)
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", e.Name(), err)
		}

		mig, ok := byVersion[version]
		if !ok {
			mig = &model.Migration{Version: version, Name: m[2]}
			byVersion[version] = mig
		} else if mig.Name != m[2] {
			return nil, fmt.Errorf("migration %d: name mismatch %q vs %q", version, mig.Name, m[2])
		}
		if m[3] == "up" {
			mig.Up = string(data)
		} else {
			mig.Down = string(data)
		}
	}

	ms := make([]model.Migration, 0, len(byVersion))
	for _, m := range byVersion {
		ms = append(ms, *m)
	}
	return NewCatalog(ms...)
}

// LoadYAML reads a catalog of the form
//
//	migrations:
//	  - version: 1
//	    name: create_users
//	    up: CREATE TABLE users (id serial primary key);
//	    down: DROP TABLE users;
func LoadYAML(data []byte) (*Catalog, error) {
	var doc struct {
		Migrations []model.Migration `yaml:"migrations"`
	}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse migrations: %w", err)
	}
	return NewCatalog(doc.Migrations...)
}

func (c *Catalog) Latest() int64 {
	if len(c.migrations) == 0 {
		return 0
	}
	return c.migrations[len(c.migrations)-1].Version
}

// Known reports whether v names a migration or the empty schema.
func (c *Catalog) Known(v int64) bool {
	if v == 0 {
		return true
	}
	_, ok := c.Get(v)
	return ok
}

func (c *Catalog) Get(v int64) (model.Migration, bool) {
	i := sort.Search(len(c.migrations), func(i int) bool { return c.migrations[i].Version >= v })
	if i < len(c.migrations) && c.migrations[i].Version == v {
		return c.migrations[i], true
	}
	return model.Migration{}, false
}

// Between returns migrations with lo < version <= hi in ascending order.
func (c *Catalog) Between(lo, hi int64) []model.Migration {
	var out []model.Migration
	for _, m := range c.migrations {
		if m.Version > lo && m.Version <= hi {
			out = append(out, m)
		}
	}
	return out
}

func (c *Catalog) All() []model.Migration {
	return append([]model.Migration(nil), c.migrations...)
}

// String describes the catalog for logs.
func (c *Catalog) String() string {
	return fmt.Sprintf("%d migration(s), latest %d", len(c.migrations), c.Latest())
}
