package backup

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/recallguard/patcher/internal/backup/providers"
)

func writeModule(t *testing.T, data []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "WeChatWin.dll")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func readFile(t *testing.T, p string) []byte {
	t.Helper()
	data, err := os.ReadFile(p)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestBackupCreatesSibling(t *testing.T) {
	target := writeModule(t, []byte("MZ original"))
	m := NewManager("", nil)

	rec, err := m.Backup(context.Background(), target)
	if err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if !rec.Created {
		t.Fatal("first Backup should create the backup")
	}
	if rec.Path != target+".bak" {
		t.Fatalf("Path = %q, want %q", rec.Path, target+".bak")
	}
	if !bytes.Equal(readFile(t, rec.Path), []byte("MZ original")) {
		t.Fatal("backup bytes differ from original")
	}
	want := sha256.Sum256([]byte("MZ original"))
	if rec.SHA256 != hex.EncodeToString(want[:]) || rec.Size != int64(len("MZ original")) {
		t.Fatalf("unexpected digest/size: %+v", rec)
	}
}

func TestBackupIsIdempotent(t *testing.T) {
	target := writeModule(t, []byte("MZ first state"))
	m := NewManager(".bak", nil)
	ctx := context.Background()

	if _, err := m.Backup(ctx, target); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("MZ second state"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec, err := m.Backup(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if rec.Created {
		t.Fatal("second Backup must reuse the existing backup")
	}
	if got := readFile(t, rec.Path); !bytes.Equal(got, []byte("MZ first state")) {
		t.Fatalf("backup = %q, want bytes from the first call", got)
	}

	entries, err := os.ReadDir(filepath.Dir(target))
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected module and one backup, found %d entries", len(entries))
	}
}

func TestBackupMissingSource(t *testing.T) {
	m := NewManager("", nil)
	target := filepath.Join(t.TempDir(), "absent.dll")
	if _, err := m.Backup(context.Background(), target); err == nil {
		t.Fatal("Backup of a missing file should fail")
	}
	if _, err := os.Stat(target + ".bak"); !os.IsNotExist(err) {
		t.Fatal("failed Backup must not leave a backup file")
	}
	leftovers, _ := filepath.Glob(filepath.Join(filepath.Dir(target), "*.tmp"))
	if len(leftovers) != 0 {
		t.Fatalf("temp files left behind: %v", leftovers)
	}
}

func TestRestoreWithoutBackup(t *testing.T) {
	target := writeModule(t, []byte("MZ"))
	err := NewManager("", nil).Restore(target)
	if !errors.Is(err, ErrBackupMissing) {
		t.Fatalf("Restore error = %v, want ErrBackupMissing", err)
	}
}

func TestRestoreRoundTrip(t *testing.T) {
	original := []byte("MZ\x0F\x84\x12\x34 original code")
	target := writeModule(t, original)
	m := NewManager("", nil)

	if _, err := m.Backup(context.Background(), target); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(target, []byte("MZ\x90\xE9\x12\x34 patched"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := m.Restore(target); err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if got := readFile(t, target); !bytes.Equal(got, original) {
		t.Fatalf("restored = %q, want %q", got, original)
	}
	if _, err := os.Stat(m.PathFor(target)); err != nil {
		t.Fatal("Restore must keep the backup")
	}
}

func TestCustomSuffix(t *testing.T) {
	target := writeModule(t, []byte("MZ"))
	m := NewManager(".orig", nil)
	rec, err := m.Backup(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasSuffix(rec.Path, ".dll.orig") {
		t.Fatalf("Path = %q, want .orig suffix", rec.Path)
	}
}

type failingProvider struct{ uploads int }

func (f *failingProvider) Name() string { return "failing" }
func (f *failingProvider) Upload(context.Context, string, string) error {
	f.uploads++
	return errors.New("network down")
}
func (f *failingProvider) Download(context.Context, string, string) error {
	return errors.New("network down")
}
func (f *failingProvider) List(context.Context, string) ([]string, error) {
	return nil, errors.New("network down")
}

func TestMirrorFailureDoesNotFailBackup(t *testing.T) {
	target := writeModule(t, []byte("MZ"))
	fp := &failingProvider{}
	m := NewManager("", fp)

	rec, err := m.Backup(context.Background(), target)
	if err != nil {
		t.Fatalf("Backup should succeed despite mirror failure: %v", err)
	}
	if !rec.Created || fp.uploads != 1 {
		t.Fatalf("expected one upload attempt for a fresh backup, got %d", fp.uploads)
	}

	if _, err := m.Backup(context.Background(), target); err != nil {
		t.Fatal(err)
	}
	if fp.uploads != 1 {
		t.Fatal("reused backups must not be mirrored again")
	}
}

func TestMirrorAndFetchWithLocalProvider(t *testing.T) {
	ctx := context.Background()
	original := []byte("MZ pristine module")
	target := writeModule(t, original)
	mirror := providers.NewLocalProvider(t.TempDir())
	m := NewManager("", mirror)

	rec, err := m.Backup(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	keys, err := m.ListMirrored(ctx, target)
	if err != nil {
		t.Fatalf("ListMirrored: %v", err)
	}
	wantKey := "WeChatWin.dll/" + rec.SHA256 + ".bak.gz"
	if len(keys) != 1 || keys[0] != wantKey {
		t.Fatalf("mirrored keys = %v, want [%s]", keys, wantKey)
	}

	if err := m.Fetch(ctx, target, wantKey); !errors.Is(err, ErrBackupExists) {
		t.Fatalf("Fetch over an existing backup = %v, want ErrBackupExists", err)
	}

	if err := os.Remove(m.PathFor(target)); err != nil {
		t.Fatal(err)
	}
	if err := m.Fetch(ctx, target, wantKey); err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if got := readFile(t, m.PathFor(target)); !bytes.Equal(got, original) {
		t.Fatalf("fetched backup = %q, want %q", got, original)
	}
}

func TestFetchWithoutMirror(t *testing.T) {
	m := NewManager("", nil)
	if err := m.Fetch(context.Background(), "x", "y"); err == nil {
		t.Fatal("Fetch without a mirror should fail")
	}
	if _, err := m.ListMirrored(context.Background(), "x"); err == nil {
		t.Fatal("ListMirrored without a mirror should fail")
	}
}
