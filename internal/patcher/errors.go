package patcher

import (
	"errors"
	"fmt"
	"os"

	"github.com/recallguard/patcher/internal/backup"
	"github.com/recallguard/patcher/internal/preflight"
	"github.com/recallguard/patcher/internal/signature"
)

// Kind classifies why an operation failed.
type Kind int

const (
	OK Kind = iota
	MalformedPattern
	BinaryNotFound
	TargetRunning
	AccessDenied
	IoError
	BackupMissing
	NoSignatureMatch
	AlreadyPatched
)

var kindNames = map[Kind]string{
	OK:               "ok",
	MalformedPattern: "malformed_pattern",
	BinaryNotFound:   "binary_not_found",
	TargetRunning:    "target_running",
	AccessDenied:     "access_denied",
	IoError:          "io_error",
	BackupMissing:    "backup_missing",
	NoSignatureMatch: "no_signature_match",
	AlreadyPatched:   "already_patched",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// MarshalText renders the kind by name in JSON output.
func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

var (
	ErrBinaryNotFound   = errors.New("target module not found")
	ErrNoSignatureMatch = errors.New("no matching signature found; this build is not in the catalog")
	ErrAlreadyPatched   = errors.New("module is already patched")
)

// Error is the typed error surfaced by Engine operations.
type Error struct {
	Kind Kind
	Op   string // "apply", "restore", "status"
	Path string
	Err  error
}

func (e *Error) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error of the same Kind, so callers can write
// errors.Is(err, &patcher.Error{Kind: patcher.TargetRunning}).
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Kind == e.Kind && t.Op == "" && t.Path == "" && t.Err == nil
}

// KindOf reports the Kind carried by err, classifying leaf errors that were
// never wrapped in an *Error. nil is OK.
func KindOf(err error) Kind {
	if err == nil {
		return OK
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return classify(err)
}

func classify(err error) Kind {
	switch {
	case errors.Is(err, signature.ErrMalformedPattern):
		return MalformedPattern
	case errors.Is(err, preflight.ErrTargetRunning):
		return TargetRunning
	case errors.Is(err, preflight.ErrAccessDenied), errors.Is(err, os.ErrPermission):
		return AccessDenied
	case errors.Is(err, backup.ErrBackupMissing):
		return BackupMissing
	case errors.Is(err, ErrNoSignatureMatch):
		return NoSignatureMatch
	case errors.Is(err, ErrAlreadyPatched):
		return AlreadyPatched
	case errors.Is(err, ErrBinaryNotFound), errors.Is(err, os.ErrNotExist):
		return BinaryNotFound
	default:
		return IoError
	}
}

func wrap(op, path string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return pe
	}
	return &Error{Kind: classify(err), Op: op, Path: path, Err: err}
}
