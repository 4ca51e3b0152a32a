// Package preflight runs the safety checks that must pass before a module
// is backed up or rewritten.
package preflight

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/recallguard/patcher/internal/logging"
	"github.com/recallguard/patcher/internal/privilege"
)

var log = logging.L("preflight")

var (
	// ErrTargetRunning means the host process is alive and may have the module mapped.
	ErrTargetRunning = errors.New("target process is running")
	// ErrAccessDenied means the module cannot be opened for both reading and writing.
	ErrAccessDenied = errors.New("access denied")
	// ErrInsufficientSpace means the volume cannot hold the backup copy.
	ErrInsufficientSpace = errors.New("insufficient disk space")
)

// Check names as reported in Report.Checks.
const (
	CheckProcess   = "process"
	CheckAccess    = "access"
	CheckFreeSpace = "free_space"
)

// ErrPreflightFailed indicates a check failed before patching could proceed.
type ErrPreflightFailed struct {
	Check   string
	Message string
	Err     error
}

func (e *ErrPreflightFailed) Error() string {
	return fmt.Sprintf("preflight check %q failed: %s", e.Check, e.Message)
}

func (e *ErrPreflightFailed) Unwrap() error { return e.Err }

// Check is one individual check result.
type Check struct {
	Name    string
	Passed  bool
	Message string
	Err     error
}

// Report captures the outcome of every check.
type Report struct {
	OK     bool
	Checks []Check
}

// FirstError returns the first failed check as an *ErrPreflightFailed, or nil.
func (r Report) FirstError() error {
	for _, c := range r.Checks {
		if !c.Passed {
			return &ErrPreflightFailed{Check: c.Name, Message: c.Message, Err: c.Err}
		}
	}
	return nil
}

// ProcessLister enumerates the image names of running processes.
type ProcessLister interface {
	ProcessNames(ctx context.Context) ([]string, error)
}

// SpaceReporter reports free bytes on the volume holding path.
type SpaceReporter interface {
	FreeBytes(ctx context.Context, path string) (uint64, error)
}

// Options configures a Guard.
type Options struct {
	ProcessName string

	// CheckFreeSpace enables the volume check; BackupSuffix tells it whether
	// a backup still has to be written.
	CheckFreeSpace bool
	BackupSuffix   string

	Processes ProcessLister // nil uses the system process table
	Space     SpaceReporter // nil uses the system volume stats
}

// Guard gates mutations of a module on disk.
type Guard struct {
	opts   Options
	access func(path string) error
}

// New returns a Guard for opts.
func New(opts Options) *Guard {
	if opts.Processes == nil {
		opts.Processes = SystemProcesses()
	}
	if opts.Space == nil {
		opts.Space = SystemVolumes()
	}
	return &Guard{opts: opts, access: checkAccess}
}

type checkFunc func(ctx context.Context, path string) Check

func (g *Guard) checks() []checkFunc {
	fns := []checkFunc{g.checkProcess, g.checkAccess}
	if g.opts.CheckFreeSpace {
		fns = append(fns, g.checkFreeSpace)
	}
	return fns
}

// Check runs the checks in order and returns the first failure. The target
// file is never opened for content.
func (g *Guard) Check(ctx context.Context, path string) error {
	for _, fn := range g.checks() {
		c := fn(ctx, path)
		if !c.Passed {
			log.Warn("preflight check failed", "check", c.Name, logging.KeyPath, path, "reason", c.Message)
			return &ErrPreflightFailed{Check: c.Name, Message: c.Message, Err: c.Err}
		}
		log.Debug("preflight check passed", "check", c.Name, logging.KeyPath, path)
	}
	return nil
}

// Run executes every check regardless of earlier failures, for reporting.
func (g *Guard) Run(ctx context.Context, path string) Report {
	r := Report{OK: true}
	for _, fn := range g.checks() {
		c := fn(ctx, path)
		r.Checks = append(r.Checks, c)
		if !c.Passed {
			r.OK = false
		}
	}
	return r
}

func (g *Guard) checkProcess(ctx context.Context, _ string) Check {
	c := Check{Name: CheckProcess}
	names, err := g.opts.Processes.ProcessNames(ctx)
	if err != nil {
		c.Message = fmt.Sprintf("failed to enumerate processes: %v", err)
		c.Err = err
		return c
	}
	snap := newProcessSnapshot(names)
	if snap.isRunning(g.opts.ProcessName) {
		c.Message = fmt.Sprintf("%s is running; close it and try again", g.opts.ProcessName)
		c.Err = ErrTargetRunning
		return c
	}
	c.Passed = true
	c.Message = fmt.Sprintf("%s is not running (%d processes checked)", g.opts.ProcessName, snap.count())
	return c
}

func (g *Guard) checkAccess(_ context.Context, path string) Check {
	c := Check{Name: CheckAccess}
	info, err := os.Stat(path)
	if err != nil {
		c.Message = fmt.Sprintf("cannot stat target: %v", err)
		c.Err = err
		return c
	}
	if !info.Mode().IsRegular() {
		c.Message = "target is not a regular file"
		c.Err = ErrAccessDenied
		return c
	}
	if err := g.access(path); err != nil {
		c.Message = fmt.Sprintf("no read/write access to target: %v", err)
		if hint := privilege.Hint(); hint != "" {
			c.Message += "; " + hint
		}
		c.Err = fmt.Errorf("%w: %v", ErrAccessDenied, err)
		return c
	}
	c.Passed = true
	c.Message = "target is readable and writable"
	return c
}

func (g *Guard) checkFreeSpace(ctx context.Context, path string) Check {
	c := Check{Name: CheckFreeSpace}
	if _, err := os.Stat(path + g.opts.BackupSuffix); err == nil {
		c.Passed = true
		c.Message = "backup already present"
		return c
	}
	info, err := os.Stat(path)
	if err != nil {
		c.Message = fmt.Sprintf("cannot stat target: %v", err)
		c.Err = err
		return c
	}
	free, err := g.opts.Space.FreeBytes(ctx, path)
	if err != nil {
		c.Message = fmt.Sprintf("failed to read free space: %v", err)
		c.Err = err
		return c
	}
	need := uint64(info.Size())
	if free < need {
		c.Message = fmt.Sprintf("%d bytes free, backup needs %d", free, need)
		c.Err = ErrInsufficientSpace
		return c
	}
	c.Passed = true
	c.Message = fmt.Sprintf("%.1f MB free", float64(free)/(1024*1024))
	return c
}
