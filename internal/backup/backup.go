// Package backup keeps a pristine sibling copy of a module before it is
// patched and restores it on request.
//
// The first backup of a path is canonical: later calls never overwrite it,
// so repeated patch attempts cannot lose the original bytes.
package backup

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"go.uber.org/multierr"

	"github.com/recallguard/patcher/internal/backup/providers"
	"github.com/recallguard/patcher/internal/logging"
)

var log = logging.L("backup")

// DefaultSuffix is appended to the module path to name its backup.
const DefaultSuffix = ".bak"

// ErrBackupMissing is returned by Restore when no backup exists.
var ErrBackupMissing = errors.New("backup missing")

// ErrBackupExists is returned by Fetch when a local backup is already present.
var ErrBackupExists = errors.New("backup already exists")

// Record describes the backup that guards a module.
type Record struct {
	Target  string
	Path    string
	Created bool   // false when an existing backup was reused
	SHA256  string // hex digest of the copied bytes, set when Created
	Size    int64
}

// Manager creates and restores sibling backups.
type Manager struct {
	suffix string
	mirror providers.Provider
}

// NewManager returns a Manager using suffix (DefaultSuffix when empty).
// mirror may be nil.
func NewManager(suffix string, mirror providers.Provider) *Manager {
	if suffix == "" {
		suffix = DefaultSuffix
	}
	return &Manager{suffix: suffix, mirror: mirror}
}

// PathFor returns the backup path for target.
func (m *Manager) PathFor(target string) string {
	return target + m.suffix
}

// Exists reports whether target already has a backup.
func (m *Manager) Exists(target string) (bool, error) {
	info, err := os.Stat(m.PathFor(target))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat backup: %w", err)
	}
	if !info.Mode().IsRegular() {
		return false, fmt.Errorf("backup path %s is not a regular file", m.PathFor(target))
	}
	return true, nil
}

// Backup copies target to its backup path unless a backup already exists,
// in which case the existing one is returned untouched.
func (m *Manager) Backup(ctx context.Context, target string) (Record, error) {
	rec := Record{Target: target, Path: m.PathFor(target)}

	exists, err := m.Exists(target)
	if err != nil {
		return rec, err
	}
	if exists {
		log.Debug("backup already present, keeping it", logging.KeyPath, rec.Path)
		return rec, nil
	}

	sum, size, err := copyAtomic(target, rec.Path)
	if err != nil {
		return rec, fmt.Errorf("create backup %s: %w", rec.Path, err)
	}
	rec.Created = true
	rec.SHA256 = sum
	rec.Size = size
	log.Info("backup created", logging.KeyPath, rec.Path, "bytes", size, "sha256", sum)

	m.mirrorBackup(ctx, rec)
	return rec, nil
}

// Restore copies the backup bytes over target.
func (m *Manager) Restore(target string) error {
	exists, err := m.Exists(target)
	if err != nil {
		return err
	}
	if !exists {
		return fmt.Errorf("%w: %s", ErrBackupMissing, m.PathFor(target))
	}

	if err := copyInPlace(m.PathFor(target), target); err != nil {
		return fmt.Errorf("restore %s: %w", target, err)
	}
	log.Info("module restored from backup", logging.KeyPath, target)
	return nil
}

// MirrorKey is the remote path a fresh backup is mirrored under.
func (m *Manager) MirrorKey(rec Record) string {
	key := filepath.Base(rec.Target) + "/" + rec.SHA256 + m.suffix
	if m.mirror != nil && m.mirror.Name() == "local" {
		key += ".gz"
	}
	return key
}

// ListMirrored returns the remote keys mirrored for target's file name.
func (m *Manager) ListMirrored(ctx context.Context, target string) ([]string, error) {
	if m.mirror == nil {
		return nil, errors.New("no backup mirror configured")
	}
	return m.mirror.List(ctx, filepath.Base(target)+"/")
}

// Fetch downloads a mirrored backup into target's backup path. It refuses
// to replace an existing local backup.
func (m *Manager) Fetch(ctx context.Context, target, remoteKey string) error {
	if m.mirror == nil {
		return errors.New("no backup mirror configured")
	}
	exists, err := m.Exists(target)
	if err != nil {
		return err
	}
	if exists {
		return fmt.Errorf("%w: %s", ErrBackupExists, m.PathFor(target))
	}

	tmp := m.PathFor(target) + ".download"
	if err := m.mirror.Download(ctx, remoteKey, tmp); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("fetch %s from %s mirror: %w", remoteKey, m.mirror.Name(), err)
	}
	if err := os.Rename(tmp, m.PathFor(target)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("install fetched backup: %w", err)
	}
	log.Info("backup fetched from mirror", logging.KeyPath, m.PathFor(target), "key", remoteKey)
	return nil
}

func (m *Manager) mirrorBackup(ctx context.Context, rec Record) {
	if m.mirror == nil {
		return
	}
	key := m.MirrorKey(rec)
	if err := m.mirror.Upload(ctx, rec.Path, key); err != nil {
		// The local backup is what restore relies on; a mirror miss is not fatal.
		log.Warn("backup mirror upload failed", logging.KeyPath, rec.Path, "provider", m.mirror.Name(), logging.KeyError, err)
		return
	}
	log.Info("backup mirrored", "provider", m.mirror.Name(), "key", key)
}

// copyAtomic copies src to dst through a temp file in dst's directory so a
// failed copy never leaves a truncated backup behind.
func copyAtomic(src, dst string) (sum string, size int64, err error) {
	in, err := os.Open(src)
	if err != nil {
		return "", 0, err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(in))

	info, err := in.Stat()
	if err != nil {
		return "", 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), filepath.Base(dst)+".*.tmp")
	if err != nil {
		return "", 0, err
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			os.Remove(tmpName)
		}
	}()

	hasher := sha256.New()
	size, err = io.Copy(io.MultiWriter(tmp, hasher), in)
	if err == nil {
		err = tmp.Sync()
	}
	err = multierr.Append(err, tmp.Close())
	if err != nil {
		return "", 0, err
	}

	if err := os.Chmod(tmpName, info.Mode().Perm()); err != nil {
		return "", 0, err
	}
	if err := os.Rename(tmpName, dst); err != nil {
		return "", 0, err
	}
	committed = true

	return hex.EncodeToString(hasher.Sum(nil)), size, nil
}

// copyInPlace overwrites dst with the contents of src, keeping dst's
// identity (permissions, ACLs, hard links).
func copyInPlace(src, dst string) (err error) {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(in))

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer multierr.AppendInvoke(&err, multierr.Close(out))

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
