// Package patcher orchestrates a single patch or restore of a module on disk:
// locate, preflight, back up, scan the catalog, rewrite, write back.
package patcher

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"go.uber.org/multierr"

	"github.com/recallguard/patcher/internal/backup"
	"github.com/recallguard/patcher/internal/catalog"
	"github.com/recallguard/patcher/internal/journal"
	"github.com/recallguard/patcher/internal/locator"
	"github.com/recallguard/patcher/internal/logging"
	"github.com/recallguard/patcher/internal/preflight"
	"github.com/recallguard/patcher/internal/signature"
)

var log = logging.L("patcher")

var peHeader = []byte("MZ")

// State is a step of the apply state machine.
type State int

const (
	StateIdle State = iota
	StateLocating
	StatePreflighting
	StateBackingUp
	StateScanning
	StatePatching
	StateWriting
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateLocating:
		return "locating"
	case StatePreflighting:
		return "preflighting"
	case StateBackingUp:
		return "backing_up"
	case StateScanning:
		return "scanning"
	case StatePatching:
		return "patching"
	case StateWriting:
		return "writing"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Guard gates any mutation of a module.
type Guard interface {
	Check(ctx context.Context, path string) error
}

// Recorder receives journal events. *journal.Journal satisfies it.
type Recorder interface {
	Record(eventType, target string, details map[string]any)
}

// Options wires an Engine. Zero fields get defaults: the built-in catalog,
// ".bak" backups without a mirror, and no journal. Locator and Guard are
// required.
type Options struct {
	Catalog              *catalog.Catalog
	Locator              *locator.Locator
	Guard                Guard
	Backups              *backup.Manager
	Journal              Recorder
	DetectAlreadyPatched bool
}

// Engine runs patch and restore operations. It holds no per-call state and
// is safe for concurrent use on different paths; callers serialize calls on
// the same path with a PathLocker.
type Engine struct {
	catalog       *catalog.Catalog
	locator       *locator.Locator
	guard         Guard
	backups       *backup.Manager
	journal       Recorder
	detectPatched bool

	write func(path string, buf []byte) error
}

// New validates opts and returns an Engine.
func New(opts Options) (*Engine, error) {
	if opts.Locator == nil {
		return nil, fmt.Errorf("patcher: locator is required")
	}
	if opts.Guard == nil {
		return nil, fmt.Errorf("patcher: preflight guard is required")
	}
	if opts.Catalog == nil {
		opts.Catalog = catalog.Default()
	}
	if opts.Backups == nil {
		opts.Backups = backup.NewManager(backup.DefaultSuffix, nil)
	}
	return &Engine{
		catalog:       opts.Catalog,
		locator:       opts.Locator,
		guard:         opts.Guard,
		backups:       opts.Backups,
		journal:       opts.Journal,
		detectPatched: opts.DetectAlreadyPatched,
		write:         writeBack,
	}, nil
}

// Catalog returns the catalog the engine scans with.
func (e *Engine) Catalog() *catalog.Catalog { return e.catalog }

// Backups returns the engine's backup manager.
func (e *Engine) Backups() *backup.Manager { return e.backups }

// LocateInstallRoot returns the install directory recorded in the registry.
func (e *Engine) LocateInstallRoot(ctx context.Context) (string, bool) {
	return e.locator.LocateInstallRoot(ctx)
}

// FindBinary resolves the module file under root.
func (e *Engine) FindBinary(root string) (string, bool) {
	return e.locator.FindBinary(root)
}

// Resolve turns the caller's input into a module file path. An empty input
// asks the registry; a directory is searched with FindBinary; anything else
// must be an existing regular file.
func (e *Engine) Resolve(ctx context.Context, input string) (string, error) {
	if input == "" {
		root, ok := e.locator.LocateInstallRoot(ctx)
		if !ok {
			return "", fmt.Errorf("%w: install directory not found in registry, pass a path", ErrBinaryNotFound)
		}
		input = root
	}

	info, err := os.Stat(input)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrBinaryNotFound, err)
	}
	if info.IsDir() {
		p, ok := e.locator.FindBinary(input)
		if !ok {
			return "", fmt.Errorf("%w: no %s under %s", ErrBinaryNotFound, e.locator.Binary(), input)
		}
		return p, nil
	}
	if !info.Mode().IsRegular() {
		return "", fmt.Errorf("%w: %s is not a regular file", ErrBinaryNotFound, input)
	}
	return input, nil
}

// operation tracks the state machine of one call for logging.
type operation struct {
	log   *slog.Logger
	state State
	start time.Time
}

func (e *Engine) begin(ctx context.Context, op, input string) *operation {
	l := logging.FromContextOr(ctx, log)
	return &operation{log: l.With("op", op, "input", input), state: StateIdle, start: time.Now()}
}

func (o *operation) enter(s State) {
	o.log.Debug("state transition", "from", o.state.String(), logging.KeyState, s.String())
	o.state = s
}

func (o *operation) target(path string) {
	o.log = logging.WithTarget(o.log, path)
}

// ApplyPatch patches the module at path (a file, an install directory, or ""
// to consult the registry). Every failure is reported in the result; nothing
// is retried.
func (e *Engine) ApplyPatch(ctx context.Context, path string) PatchResult {
	op := e.begin(ctx, "apply", path)

	res, err := e.apply(ctx, op, path)
	if err != nil {
		op.enter(StateFailed)
		res = failed(err.Path, err)
		op.log.Warn("patch failed", "code", err.Kind.String(), logging.KeyError, err.Err)
		e.record(journal.EventPatchFailed, err.Path, map[string]any{
			"code":    err.Kind.String(),
			"message": res.Message,
		})
		return res
	}

	op.enter(StateDone)
	op.log.Info("patch applied",
		logging.KeyPattern, res.AppliedPattern,
		logging.KeyOffset, res.Offset,
		logging.KeyDurationMs, time.Since(op.start).Milliseconds())
	e.record(journal.EventPatchApplied, res.Target, map[string]any{
		"pattern": res.AppliedPattern,
		"offset":  res.Offset,
	})
	return res
}

func (e *Engine) apply(ctx context.Context, op *operation, input string) (PatchResult, *Error) {
	if err := ctx.Err(); err != nil {
		return PatchResult{}, &Error{Kind: IoError, Op: "apply", Path: input, Err: err}
	}

	op.enter(StateLocating)
	path, err := e.Resolve(ctx, input)
	if err != nil {
		return PatchResult{}, wrap("apply", input, err)
	}
	op.target(path)

	if err := ctx.Err(); err != nil {
		return PatchResult{}, &Error{Kind: IoError, Op: "apply", Path: path, Err: err}
	}

	op.enter(StatePreflighting)
	if err := e.guard.Check(ctx, path); err != nil {
		return PatchResult{}, wrap("apply", path, err)
	}

	if err := ctx.Err(); err != nil {
		return PatchResult{}, &Error{Kind: IoError, Op: "apply", Path: path, Err: err}
	}

	// From here on the call runs to completion.
	ctx = context.WithoutCancel(ctx)

	op.enter(StateBackingUp)
	rec, err := e.backups.Backup(ctx, path)
	if err != nil {
		return PatchResult{}, &Error{Kind: IoError, Op: "apply", Path: path, Err: err}
	}
	if rec.Created {
		e.record(journal.EventBackupCreated, path, map[string]any{
			"backup": rec.Path,
			"sha256": rec.SHA256,
			"bytes":  rec.Size,
		})
	}

	op.enter(StateScanning)
	buf, err := os.ReadFile(path)
	if err != nil {
		return PatchResult{}, wrap("apply", path, err)
	}
	if !bytes.HasPrefix(buf, peHeader) {
		op.log.Warn("module does not start with an MZ header", "bytes", len(buf))
	}

	pat, off, ok := e.catalog.Match(buf)
	if !ok {
		if e.detectPatched {
			if done, at, hit := e.catalog.MatchPatched(buf); hit {
				return PatchResult{}, &Error{Kind: AlreadyPatched, Op: "apply", Path: path,
					Err: fmt.Errorf("%w: %s signature found at 0x%X", ErrAlreadyPatched, done.Name, at)}
			}
		}
		return PatchResult{}, &Error{Kind: NoSignatureMatch, Op: "apply", Path: path, Err: ErrNoSignatureMatch}
	}
	op.log.Debug("signature matched", logging.KeyPattern, pat.Name, logging.KeyOffset, off)

	op.enter(StatePatching)
	original := bytes.Clone(buf)
	if err := signature.Apply(buf, off, pat.Replace); err != nil {
		return PatchResult{}, &Error{Kind: IoError, Op: "apply", Path: path, Err: err}
	}

	op.enter(StateWriting)
	if err := e.write(path, buf); err != nil {
		return PatchResult{}, e.recoverWrite(op, path, original, err)
	}

	return PatchResult{
		Success:        true,
		Message:        fmt.Sprintf("patched with %q at offset 0x%X", pat.Name, off),
		AppliedPattern: pat.Name,
		Target:         path,
		Offset:         off,
		Code:           OK,
	}, nil
}

// RestorePatch copies the backup over the module at path after the same
// preflight checks as ApplyPatch.
func (e *Engine) RestorePatch(ctx context.Context, path string) error {
	op := e.begin(ctx, "restore", path)

	op.enter(StateLocating)
	target, err := e.Resolve(ctx, path)
	if err != nil {
		return wrap("restore", path, err)
	}
	op.target(target)

	op.enter(StatePreflighting)
	if err := e.guard.Check(ctx, target); err != nil {
		return wrap("restore", target, err)
	}

	op.enter(StateWriting)
	if err := e.backups.Restore(target); err != nil {
		op.enter(StateFailed)
		return wrap("restore", target, err)
	}

	op.enter(StateDone)
	e.record(journal.EventPatchRestored, target, map[string]any{"backup": e.backups.PathFor(target)})
	return nil
}

// Condition describes what the catalog sees in a module.
type Condition string

const (
	ConditionUnpatched Condition = "unpatched"
	ConditionPatched   Condition = "patched"
	ConditionUnknown   Condition = "unknown"
)

// Status is a read-only inspection of a module.
type Status struct {
	Target     string    `json:"target"`
	BackupPath string    `json:"backupPath"`
	HasBackup  bool      `json:"hasBackup"`
	Condition  Condition `json:"condition"`
	Pattern    string    `json:"pattern,omitempty"`
	Offset     int       `json:"offset"`
	Size       int       `json:"size"`
	PEHeader   bool      `json:"peHeader"`
}

// Status reports backup presence and whether the module currently matches a
// search signature, a replacement signature, or neither. It never writes.
func (e *Engine) Status(ctx context.Context, path string) (Status, error) {
	target, err := e.Resolve(ctx, path)
	if err != nil {
		return Status{}, wrap("status", path, err)
	}
	st := Status{Target: target, BackupPath: e.backups.PathFor(target), Offset: -1}

	if st.HasBackup, err = e.backups.Exists(target); err != nil {
		return st, wrap("status", target, err)
	}

	buf, err := os.ReadFile(target)
	if err != nil {
		return st, wrap("status", target, err)
	}
	st.Size = len(buf)
	st.PEHeader = bytes.HasPrefix(buf, peHeader)

	if p, off, ok := e.catalog.Match(buf); ok {
		st.Condition, st.Pattern, st.Offset = ConditionUnpatched, p.Name, off
	} else if p, off, ok := e.catalog.MatchPatched(buf); ok {
		st.Condition, st.Pattern, st.Offset = ConditionPatched, p.Name, off
	} else {
		st.Condition = ConditionUnknown
	}
	return st, nil
}

func (e *Engine) record(event, target string, details map[string]any) {
	if e.journal != nil {
		e.journal.Record(event, target, details)
	}
}

// recoverWrite puts the pre-patch bytes back after a failed write-back. The
// original buffer is tried first; the backup covers the case where the disk
// refuses that too.
func (e *Engine) recoverWrite(op *operation, path string, original []byte, cause error) *Error {
	werr := &Error{Kind: classify(cause), Op: "apply", Path: path}
	rerr := e.write(path, original)
	if rerr != nil {
		rerr = e.backups.Restore(path)
	}
	if rerr != nil {
		op.log.Error("module left damaged after failed write", logging.KeyError, rerr)
		werr.Err = fmt.Errorf("%w; module could not be restored (%v), restore %s manually",
			cause, rerr, e.backups.PathFor(path))
		return werr
	}
	op.log.Warn("write failed, module restored to its original bytes", logging.KeyError, cause)
	werr.Err = fmt.Errorf("%w; module restored to its original bytes", cause)
	return werr
}

// writeBack overwrites path with buf in place, keeping the file's identity.
func writeBack(path string, buf []byte) (err error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(f))

	if _, err := f.Write(buf); err != nil {
		return err
	}
	return f.Sync()
}

var _ Guard = (*preflight.Guard)(nil)
