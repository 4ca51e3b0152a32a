package preflight

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"
)

type systemProcesses struct{}

// SystemProcesses lists processes from the OS process table.
func SystemProcesses() ProcessLister { return systemProcesses{} }

func (systemProcesses) ProcessNames(ctx context.Context) ([]string, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(procs))
	skipped := 0
	for _, p := range procs {
		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			skipped++
			continue
		}
		names = append(names, name)
	}

	if skipped > 0 {
		log.Debug("process snapshot skipped processes", "skipped", skipped, "total", len(procs))
	}
	return names, nil
}

// processSnapshot caches process names for case-insensitive matching.
type processSnapshot struct {
	names map[string]bool
}

func newProcessSnapshot(names []string) *processSnapshot {
	s := &processSnapshot{names: make(map[string]bool, len(names))}
	for _, n := range names {
		s.names[strings.ToLower(n)] = true
	}
	return s
}

// isRunning matches the image name exactly, or without its extension since
// some platforms report "WeChat" for "WeChat.exe".
func (s *processSnapshot) isRunning(name string) bool {
	if name == "" {
		return false
	}
	name = strings.ToLower(name)
	if s.names[name] {
		return true
	}
	if ext := filepath.Ext(name); ext != "" {
		return s.names[strings.TrimSuffix(name, ext)]
	}
	return false
}

func (s *processSnapshot) count() int {
	return len(s.names)
}

type systemVolumes struct{}

// SystemVolumes reports free space from the OS volume stats.
func SystemVolumes() SpaceReporter { return systemVolumes{} }

func (systemVolumes) FreeBytes(ctx context.Context, path string) (uint64, error) {
	usage, err := disk.UsageWithContext(ctx, filepath.Dir(path))
	if err != nil {
		return 0, err
	}
	return usage.Free, nil
}
