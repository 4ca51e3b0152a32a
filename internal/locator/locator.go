// Package locator finds the target module on disk: the install root from the
// registry, then the module file inside it or inside the newest version
// subdirectory.
package locator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/recallguard/patcher/internal/logging"
)

var log = logging.L("locator")

// ErrValueNotFound is returned by a RegistryReader when the key or value is absent.
var ErrValueNotFound = errors.New("registry value not found")

// RegistryKey names one registry string value holding an install directory.
type RegistryKey struct {
	Hive  string
	Path  string
	Value string
}

// RegistryReader reads a string value from the platform registry.
type RegistryReader interface {
	ReadString(hive, path, value string) (string, error)
}

// Locator resolves install directories and module paths.
type Locator struct {
	binary   string
	keys     []RegistryKey
	registry RegistryReader
}

// New returns a Locator looking for binary. keys are queried in order;
// reg defaults to SystemRegistry when nil.
func New(binary string, keys []RegistryKey, reg RegistryReader) *Locator {
	if reg == nil {
		reg = SystemRegistry()
	}
	return &Locator{binary: binary, keys: keys, registry: reg}
}

// Binary returns the module file name the locator searches for.
func (l *Locator) Binary() string {
	return l.binary
}

// LocateInstallRoot returns the first non-empty install path found in the
// registry keys. Absence is not an error; callers fall back to a manual path.
func (l *Locator) LocateInstallRoot(ctx context.Context) (string, bool) {
	for _, k := range l.keys {
		if ctx.Err() != nil {
			return "", false
		}
		v, err := l.registry.ReadString(k.Hive, k.Path, k.Value)
		if err != nil {
			log.Debug("registry lookup missed", "hive", k.Hive, "key", k.Path, "value", k.Value, logging.KeyError, err)
			continue
		}
		if v = strings.TrimSpace(v); v != "" {
			log.Debug("install root found in registry", "hive", k.Hive, "key", k.Path, logging.KeyPath, v)
			return v, true
		}
	}
	return "", false
}

// FindBinary returns root/<binary> if present, otherwise the module inside the
// highest-versioned subdirectory of root that actually contains it.
func (l *Locator) FindBinary(root string) (string, bool) {
	direct := filepath.Join(root, l.binary)
	if isFile(direct) {
		return direct, true
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		log.Warn("cannot list install root", logging.KeyPath, root, logging.KeyError, err)
		return "", false
	}

	type candidate struct {
		name    string
		version Version
	}
	var candidates []candidate
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if v, ok := ParseVersion(e.Name()); ok {
			candidates = append(candidates, candidate{name: e.Name(), version: v})
		}
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].version.Compare(candidates[j].version) > 0
	})

	for _, c := range candidates {
		p := filepath.Join(root, c.name, l.binary)
		if isFile(p) {
			return p, true
		}
		log.Debug("version directory has no module", "version", c.name)
	}
	return "", false
}

func isFile(p string) bool {
	info, err := os.Stat(p)
	return err == nil && info.Mode().IsRegular()
}

var versionDirRe = regexp.MustCompile(`^\d+\.\d+\.\d+\.\d+$`)

// Version is a four-component numeric version such as 3.9.12.51.
type Version [4]uint64

// ParseVersion parses a strict dotted four-component numeric version.
func ParseVersion(s string) (Version, bool) {
	var v Version
	if !versionDirRe.MatchString(s) {
		return v, false
	}
	for i, part := range strings.Split(s, ".") {
		n, err := strconv.ParseUint(part, 10, 64)
		if err != nil {
			return Version{}, false
		}
		v[i] = n
	}
	return v, true
}

// Compare returns -1, 0 or 1, comparing components most significant first.
func (v Version) Compare(o Version) int {
	for i := range v {
		switch {
		case v[i] > o[i]:
			return 1
		case v[i] < o[i]:
			return -1
		}
	}
	return 0
}

func (v Version) String() string {
	parts := make([]string, len(v))
	for i, n := range v {
		parts[i] = strconv.FormatUint(n, 10)
	}
	return strings.Join(parts, ".")
}
