package catalog

import (
	"errors"
	"strings"
	"testing"

	"github.com/recallguard/patcher/internal/signature"
)

func TestDefaultCatalogCompiles(t *testing.T) {
	c := Default()
	if c.Len() != 4 {
		t.Fatalf("Len = %d, want 4 built-in patterns", c.Len())
	}
	patterns := c.Patterns()
	if patterns[0].Name != "WeChat 4.1.7.30" {
		t.Fatalf("first pattern = %q, want the newest build first", patterns[0].Name)
	}
	if patterns[len(patterns)-1].Name != "Legacy Pattern 1" {
		t.Fatalf("last pattern = %q, want the legacy pattern last", patterns[len(patterns)-1].Name)
	}
	for _, p := range patterns {
		if p.Search.Len() != p.Replace.Len() {
			t.Fatalf("%s: search/replace length mismatch", p.Name)
		}
	}
}

func TestDefaultIsShared(t *testing.T) {
	if Default() != Default() {
		t.Fatal("Default should compile once and return the same catalog")
	}
}

func TestPatternsReturnsCopy(t *testing.T) {
	c := Default()
	ps := c.Patterns()
	ps[0].Name = "mutated"
	if c.Patterns()[0].Name == "mutated" {
		t.Fatal("Patterns must not expose the internal slice")
	}
}

func TestCompileRejectsBadEntries(t *testing.T) {
	tests := []struct {
		name    string
		entries []Entry
		want    string
	}{
		{"empty catalog", nil, "no entries"},
		{"missing name", []Entry{{Search: "01", Replace: "02"}}, "no name"},
		{"duplicate name", []Entry{
			{Name: "a", Search: "01", Replace: "02"},
			{Name: "a", Search: "03", Replace: "04"},
		}, "duplicate"},
		{"bad search token", []Entry{{Name: "a", Search: "0G", Replace: "02"}}, "search"},
		{"length mismatch", []Entry{{Name: "a", Search: "01 02", Replace: "03"}}, "bytes but replace"},
		{"no-op replacement", []Entry{{Name: "a", Search: "01 ??", Replace: "01 ??"}}, "does not change"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.entries)
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, signature.ErrMalformedPattern) {
				t.Fatalf("error %v should wrap ErrMalformedPattern", err)
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("error %q should mention %q", err, tt.want)
			}
		})
	}
}

func TestCompileAllowsReplacePinningSearchWildcard(t *testing.T) {
	_, err := Compile([]Entry{{Name: "legacy", Search: "74 ?? 8B", Replace: "90 90 8B"}})
	if err != nil {
		t.Fatalf("replace may write a concrete byte where search had a wildcard: %v", err)
	}
}

func TestParseYAML(t *testing.T) {
	doc := []byte(`
patterns:
  - name: first
    search: "AA BB"
    replace: "90 BB"
  - name: second
    search: "CC ??"
    replace: "90 ??"
`)
	c, err := Parse(doc)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if c.Len() != 2 || c.Patterns()[1].Name != "second" {
		t.Fatalf("unexpected catalog: %+v", c.Patterns())
	}
}

func TestParseInvalidYAML(t *testing.T) {
	_, err := Parse([]byte("patterns: [unterminated"))
	if !errors.Is(err, signature.ErrMalformedPattern) {
		t.Fatalf("Parse error = %v, want ErrMalformedPattern", err)
	}
}

func TestMatchHonoursPriorityOrder(t *testing.T) {
	c, err := Compile([]Entry{
		{Name: "specific", Search: "AA BB CC", Replace: "90 BB CC"},
		{Name: "generic", Search: "BB", Replace: "90"},
	})
	if err != nil {
		t.Fatal(err)
	}

	// "generic" occurs earlier in the buffer, but "specific" has priority.
	buf := []byte{0x00, 0xBB, 0x00, 0xAA, 0xBB, 0xCC}
	p, off, ok := c.Match(buf)
	if !ok || p.Name != "specific" || off != 3 {
		t.Fatalf("Match = (%q, %d, %v), want (specific, 3, true)", p.Name, off, ok)
	}

	p, off, ok = c.Match([]byte{0x00, 0xBB})
	if !ok || p.Name != "generic" || off != 1 {
		t.Fatalf("Match = (%q, %d, %v), want (generic, 1, true)", p.Name, off, ok)
	}

	if _, _, ok := c.Match([]byte{0x01, 0x02}); ok {
		t.Fatal("Match should report no hit")
	}
}

func TestMatchPatched(t *testing.T) {
	c, err := Compile([]Entry{{Name: "jump", Search: "0F 84 ?? 48", Replace: "90 E9 ?? 48"}})
	if err != nil {
		t.Fatal(err)
	}
	buf := []byte{0x00, 0x90, 0xE9, 0x77, 0x48}
	p, off, ok := c.MatchPatched(buf)
	if !ok || p.Name != "jump" || off != 1 {
		t.Fatalf("MatchPatched = (%q, %d, %v), want (jump, 1, true)", p.Name, off, ok)
	}
	if _, _, ok := c.Match(buf); ok {
		t.Fatal("patched buffer should not match the search template")
	}
}
