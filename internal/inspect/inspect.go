// Package inspect compares a module with its backup and renders the changed
// regions as a unified diff of hex dump lines.
package inspect

import (
	"fmt"
	"os"
	"strings"

	difflib "github.com/pmezard/go-difflib/difflib"
)

const bytesPerLine = 16

// Range is a run of differing bytes.
type Range struct {
	Offset int
	Length int
}

func (r Range) End() int { return r.Offset + r.Length }

// Options controls diff rendering.
type Options struct {
	// Context is the number of unchanged hex lines shown around a change.
	// If 0, default to 2.
	Context int
	// MaxRanges bounds how many changed regions are rendered. 0 means 64.
	MaxRanges int
}

// ChangedRanges returns the maximal runs where a and b differ. Bytes past the
// end of the shorter slice count as changed.
func ChangedRanges(a, b []byte) []Range {
	n := max(len(a), len(b))
	var out []Range
	start := -1
	for i := 0; i < n; i++ {
		differs := i >= len(a) || i >= len(b) || a[i] != b[i]
		switch {
		case differs && start < 0:
			start = i
		case !differs && start >= 0:
			out = append(out, Range{Offset: start, Length: i - start})
			start = -1
		}
	}
	if start >= 0 {
		out = append(out, Range{Offset: start, Length: n - start})
	}
	return out
}

// HexDiff renders the changed regions of a→b as a unified diff. Only hex
// lines near a change are fed to the differ, so cost tracks the size of the
// patch rather than the module. Identical inputs yield "".
func HexDiff(aName, bName string, a, b []byte, opt Options) (string, []Range, error) {
	ranges := ChangedRanges(a, b)
	if len(ranges) == 0 {
		return "", nil, nil
	}

	ctx := opt.Context
	if ctx <= 0 {
		ctx = 2
	}
	limit := opt.MaxRanges
	if limit <= 0 {
		limit = 64
	}
	shown := ranges
	if len(shown) > limit {
		shown = shown[:limit]
	}

	var ua, ub []string
	for i, w := range windows(shown, ctx, max(len(a), len(b))) {
		if i > 0 {
			ua = append(ua, "...\n")
			ub = append(ub, "...\n")
		}
		for line := w.first; line <= w.last; line++ {
			if s, ok := hexLine(a, line); ok {
				ua = append(ua, s)
			}
			if s, ok := hexLine(b, line); ok {
				ub = append(ub, s)
			}
		}
	}

	s, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        ua,
		B:        ub,
		FromFile: aName,
		ToFile:   bName,
		Context:  ctx,
	})
	if err != nil {
		return "", ranges, fmt.Errorf("render diff: %w", err)
	}
	if len(ranges) > len(shown) {
		s += fmt.Sprintf("# %d more changed regions not shown\n", len(ranges)-len(shown))
	}
	return s, ranges, nil
}

// DiffFiles reads both files and runs HexDiff with their paths as names.
func DiffFiles(backupPath, targetPath string, opt Options) (string, []Range, error) {
	a, err := os.ReadFile(backupPath)
	if err != nil {
		return "", nil, err
	}
	b, err := os.ReadFile(targetPath)
	if err != nil {
		return "", nil, err
	}
	return HexDiff(backupPath, targetPath, a, b, opt)
}

type window struct{ first, last int }

// windows maps ranges to inclusive hex line spans padded by ctx lines,
// merging spans that touch.
func windows(ranges []Range, ctx, size int) []window {
	lastLine := (size - 1) / bytesPerLine
	var out []window
	for _, r := range ranges {
		w := window{
			first: max(r.Offset/bytesPerLine-ctx, 0),
			last:  min((r.End()-1)/bytesPerLine+ctx, lastLine),
		}
		if n := len(out); n > 0 && w.first <= out[n-1].last+1 {
			out[n-1].last = max(out[n-1].last, w.last)
			continue
		}
		out = append(out, w)
	}
	return out
}

// hexLine renders line (a 16-byte row) of buf in hexdump -C style.
func hexLine(buf []byte, line int) (string, bool) {
	off := line * bytesPerLine
	if off >= len(buf) {
		return "", false
	}
	row := buf[off:min(off+bytesPerLine, len(buf))]

	var sb strings.Builder
	fmt.Fprintf(&sb, "%08X ", off)
	for i := 0; i < bytesPerLine; i++ {
		if i == 8 {
			sb.WriteByte(' ')
		}
		if i < len(row) {
			fmt.Fprintf(&sb, " %02X", row[i])
		} else {
			sb.WriteString("   ")
		}
	}
	sb.WriteString("  |")
	for _, c := range row {
		if c >= 0x20 && c < 0x7F {
			sb.WriteByte(c)
		} else {
			sb.WriteByte('.')
		}
	}
	sb.WriteString("|\n")
	return sb.String(), true
}
