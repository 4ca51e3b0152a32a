// Package signature compiles masked hex templates and matches them against
// raw module bytes.
//
// A template is a whitespace separated list of tokens, each either two hex
// digits or the wildcard "??":
//
//	0F 84 ?? ?? ?? ?? 48 8B 03
//
// Wildcards in a search template match any byte. Wildcards in a replacement
// template leave the target byte untouched.
package signature

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Wildcard is the token that marks a don't-care position.
const Wildcard = "??"

// ErrMalformedPattern is returned when a template contains a token that is
// neither a hex byte nor a wildcard.
var ErrMalformedPattern = errors.New("malformed pattern")

// Compiled is the parsed form of a template. Mask[i] is true when Bytes[i]
// is significant.
type Compiled struct {
	Bytes []byte
	Mask  []bool
}

// Compile parses a template into its byte/mask form.
func Compile(template string) (Compiled, error) {
	tokens := strings.Fields(template)
	if len(tokens) == 0 {
		return Compiled{}, fmt.Errorf("%w: empty template", ErrMalformedPattern)
	}

	c := Compiled{
		Bytes: make([]byte, len(tokens)),
		Mask:  make([]bool, len(tokens)),
	}
	for i, tok := range tokens {
		if tok == Wildcard {
			continue
		}
		if len(tok) != 2 {
			return Compiled{}, fmt.Errorf("%w: token %d %q is not a hex byte", ErrMalformedPattern, i, tok)
		}
		v, err := strconv.ParseUint(tok, 16, 8)
		if err != nil {
			return Compiled{}, fmt.Errorf("%w: token %d %q is not a hex byte", ErrMalformedPattern, i, tok)
		}
		c.Bytes[i] = byte(v)
		c.Mask[i] = true
	}
	return c, nil
}

// MustCompile is like Compile but panics on a malformed template.
func MustCompile(template string) Compiled {
	c, err := Compile(template)
	if err != nil {
		panic(err)
	}
	return c
}

// Len returns the number of positions in the pattern.
func (c Compiled) Len() int {
	return len(c.Bytes)
}

// Significant returns how many positions are not wildcards.
func (c Compiled) Significant() int {
	n := 0
	for _, m := range c.Mask {
		if m {
			n++
		}
	}
	return n
}

// String renders the canonical template: upper-case hex pairs and "??".
func (c Compiled) String() string {
	var sb strings.Builder
	for i := range c.Bytes {
		if i > 0 {
			sb.WriteByte(' ')
		}
		if !c.Mask[i] {
			sb.WriteString(Wildcard)
			continue
		}
		fmt.Fprintf(&sb, "%02X", c.Bytes[i])
	}
	return sb.String()
}

// MatchAt reports whether the pattern matches buf starting at off.
func (c Compiled) MatchAt(buf []byte, off int) bool {
	if off < 0 || len(c.Bytes) == 0 || off+len(c.Bytes) > len(buf) {
		return false
	}
	for j, b := range c.Bytes {
		if c.Mask[j] && buf[off+j] != b {
			return false
		}
	}
	return true
}

// Find returns the lowest offset at which pat matches buf, or -1.
// The scan is a plain masked comparison at every offset.
func Find(buf []byte, pat Compiled) int {
	n := len(pat.Bytes)
	if n == 0 || n > len(buf) {
		return -1
	}
	for i := 0; i <= len(buf)-n; i++ {
		if pat.MatchAt(buf, i) {
			return i
		}
	}
	return -1
}

// Apply writes the significant bytes of repl into buf at off. Wildcard
// positions keep whatever byte buf already holds.
func Apply(buf []byte, off int, repl Compiled) error {
	if off < 0 || off+len(repl.Bytes) > len(buf) {
		return fmt.Errorf("replacement of %d bytes at offset %d exceeds buffer of %d bytes", len(repl.Bytes), off, len(buf))
	}
	for j, b := range repl.Bytes {
		if repl.Mask[j] {
			buf[off+j] = b
		}
	}
	return nil
}
