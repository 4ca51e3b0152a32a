// Package catalog holds the ordered table of known module signatures.
//
// The built-in table lives in catalog.yaml and is embedded at build time; it is
// compiled once on first use and never changes afterwards.
package catalog

import (
	_ "embed"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/recallguard/patcher/internal/signature"
)

//go:embed catalog.yaml
var builtin []byte

// Entry is the textual form of one signature as it appears in catalog.yaml.
type Entry struct {
	Name    string `yaml:"name"`
	Search  string `yaml:"search"`
	Replace string `yaml:"replace"`
}

type document struct {
	Patterns []Entry `yaml:"patterns"`
}

// Pattern is a compiled catalog entry.
type Pattern struct {
	Name    string
	Search  signature.Compiled
	Replace signature.Compiled
}

// Catalog is an immutable, ordered list of patterns. Earlier entries take
// priority over later ones.
type Catalog struct {
	patterns []Pattern
}

var (
	defaultOnce    sync.Once
	defaultCatalog *Catalog
)

// Default returns the built-in catalog. A malformed built-in table is a
// programming error and panics.
func Default() *Catalog {
	defaultOnce.Do(func() {
		c, err := Parse(builtin)
		if err != nil {
			panic(fmt.Sprintf("built-in signature catalog: %v", err))
		}
		defaultCatalog = c
	})
	return defaultCatalog
}

// Parse decodes a YAML catalog document and compiles every entry.
func Parse(data []byte) (*Catalog, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("%w: decode catalog: %v", signature.ErrMalformedPattern, err)
	}
	return Compile(doc.Patterns)
}

// Compile validates and compiles entries in the order given.
func Compile(entries []Entry) (*Catalog, error) {
	if len(entries) == 0 {
		return nil, fmt.Errorf("%w: catalog has no entries", signature.ErrMalformedPattern)
	}

	seen := make(map[string]bool, len(entries))
	patterns := make([]Pattern, 0, len(entries))
	for i, e := range entries {
		if e.Name == "" {
			return nil, fmt.Errorf("%w: entry %d has no name", signature.ErrMalformedPattern, i)
		}
		if seen[e.Name] {
			return nil, fmt.Errorf("%w: duplicate entry name %q", signature.ErrMalformedPattern, e.Name)
		}
		seen[e.Name] = true

		search, err := signature.Compile(e.Search)
		if err != nil {
			return nil, fmt.Errorf("entry %q search: %w", e.Name, err)
		}
		replace, err := signature.Compile(e.Replace)
		if err != nil {
			return nil, fmt.Errorf("entry %q replace: %w", e.Name, err)
		}
		if search.Len() != replace.Len() {
			return nil, fmt.Errorf("%w: entry %q search is %d bytes but replace is %d",
				signature.ErrMalformedPattern, e.Name, search.Len(), replace.Len())
		}
		if !changesBytes(search, replace) {
			return nil, fmt.Errorf("%w: entry %q replace does not change any byte", signature.ErrMalformedPattern, e.Name)
		}

		patterns = append(patterns, Pattern{Name: e.Name, Search: search, Replace: replace})
	}

	return &Catalog{patterns: patterns}, nil
}

// changesBytes reports whether replace writes at least one byte that differs
// from (or is not pinned by) the search pattern.
func changesBytes(search, replace signature.Compiled) bool {
	for j := range replace.Bytes {
		if !replace.Mask[j] {
			continue
		}
		if !search.Mask[j] || search.Bytes[j] != replace.Bytes[j] {
			return true
		}
	}
	return false
}

// Len returns the number of patterns.
func (c *Catalog) Len() int {
	return len(c.patterns)
}

// Patterns returns the patterns in priority order. The slice is a copy.
func (c *Catalog) Patterns() []Pattern {
	out := make([]Pattern, len(c.patterns))
	copy(out, c.patterns)
	return out
}

// Match walks the catalog in order and returns the first pattern whose search
// template occurs in buf, with the offset of its first occurrence.
func (c *Catalog) Match(buf []byte) (Pattern, int, bool) {
	for _, p := range c.patterns {
		if off := signature.Find(buf, p.Search); off >= 0 {
			return p, off, true
		}
	}
	return Pattern{}, -1, false
}

// MatchPatched is the inverse walk: it returns the first pattern whose
// replacement template already occurs in buf.
func (c *Catalog) MatchPatched(buf []byte) (Pattern, int, bool) {
	for _, p := range c.patterns {
		if off := signature.Find(buf, p.Replace); off >= 0 {
			return p, off, true
		}
	}
	return Pattern{}, -1, false
}
