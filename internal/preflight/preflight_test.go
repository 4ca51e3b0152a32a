package preflight

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

type fakeProcesses struct {
	names []string
	err   error
	calls int
}

func (f *fakeProcesses) ProcessNames(context.Context) ([]string, error) {
	f.calls++
	return f.names, f.err
}

type fakeSpace uint64

func (f fakeSpace) FreeBytes(context.Context, string) (uint64, error) { return uint64(f), nil }

func writeTarget(t *testing.T, size int) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "WeChatWin.dll")
	if err := os.WriteFile(p, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func newGuard(procs ProcessLister, space SpaceReporter, freeCheck bool) *Guard {
	return New(Options{
		ProcessName:    "WeChat.exe",
		CheckFreeSpace: freeCheck,
		BackupSuffix:   ".bak",
		Processes:      procs,
		Space:          space,
	})
}

func TestCheckPasses(t *testing.T) {
	target := writeTarget(t, 128)
	g := newGuard(&fakeProcesses{names: []string{"explorer.exe", "svchost.exe"}}, fakeSpace(1<<20), true)
	if err := g.Check(context.Background(), target); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestCheckTargetRunning(t *testing.T) {
	tests := []string{"WeChat.exe", "wechat.EXE", "WeChat"}
	for _, running := range tests {
		t.Run(running, func(t *testing.T) {
			target := writeTarget(t, 16)
			g := newGuard(&fakeProcesses{names: []string{"init", running}}, fakeSpace(1<<20), false)
			err := g.Check(context.Background(), target)
			if !errors.Is(err, ErrTargetRunning) {
				t.Fatalf("Check = %v, want ErrTargetRunning", err)
			}
			var pf *ErrPreflightFailed
			if !errors.As(err, &pf) || pf.Check != CheckProcess {
				t.Fatalf("want *ErrPreflightFailed for %q, got %#v", CheckProcess, err)
			}
		})
	}
}

func TestCheckSimilarNameIsNotRunning(t *testing.T) {
	target := writeTarget(t, 16)
	g := newGuard(&fakeProcesses{names: []string{"WeChatAppEx.exe", "WeChatUpdate.exe"}}, fakeSpace(1<<20), false)
	if err := g.Check(context.Background(), target); err != nil {
		t.Fatalf("Check: %v", err)
	}
}

func TestCheckProcessEnumerationError(t *testing.T) {
	target := writeTarget(t, 16)
	g := newGuard(&fakeProcesses{err: errors.New("snapshot failed")}, fakeSpace(1<<20), false)
	if err := g.Check(context.Background(), target); err == nil {
		t.Fatal("enumeration failure must fail the guard")
	}
}

func TestCheckAccessDenied(t *testing.T) {
	target := writeTarget(t, 16)
	g := newGuard(&fakeProcesses{}, fakeSpace(1<<20), false)
	g.access = func(string) error { return errors.New("permission denied") }

	err := g.Check(context.Background(), target)
	if !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("Check = %v, want ErrAccessDenied", err)
	}
}

func TestCheckAccessReadOnlyFile(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root bypasses file permission bits")
	}
	target := writeTarget(t, 16)
	if err := os.Chmod(target, 0o444); err != nil {
		t.Fatal(err)
	}
	g := newGuard(&fakeProcesses{}, fakeSpace(1<<20), false)
	if err := g.Check(context.Background(), target); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("Check = %v, want ErrAccessDenied", err)
	}
}

func TestCheckMissingTarget(t *testing.T) {
	g := newGuard(&fakeProcesses{}, fakeSpace(1<<20), false)
	err := g.Check(context.Background(), filepath.Join(t.TempDir(), "absent.dll"))
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Check = %v, want os.ErrNotExist", err)
	}
}

func TestCheckDirectoryTarget(t *testing.T) {
	g := newGuard(&fakeProcesses{}, fakeSpace(1<<20), false)
	if err := g.Check(context.Background(), t.TempDir()); !errors.Is(err, ErrAccessDenied) {
		t.Fatalf("Check = %v, want ErrAccessDenied", err)
	}
}

func TestCheckFreeSpace(t *testing.T) {
	target := writeTarget(t, 4096)
	g := newGuard(&fakeProcesses{}, fakeSpace(100), true)
	if err := g.Check(context.Background(), target); !errors.Is(err, ErrInsufficientSpace) {
		t.Fatalf("Check = %v, want ErrInsufficientSpace", err)
	}

	// With a backup already present nothing new is written.
	if err := os.WriteFile(target+".bak", []byte("MZ"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := g.Check(context.Background(), target); err != nil {
		t.Fatalf("Check with existing backup: %v", err)
	}
}

func TestCheckStopsAtFirstFailure(t *testing.T) {
	accessCalled := false
	g := newGuard(&fakeProcesses{names: []string{"WeChat.exe"}}, fakeSpace(0), true)
	g.access = func(string) error {
		accessCalled = true
		return nil
	}
	if err := g.Check(context.Background(), writeTarget(t, 16)); err == nil {
		t.Fatal("expected failure")
	}
	if accessCalled {
		t.Fatal("access check must not run once the process check failed")
	}
}

func TestRunReportsEveryCheck(t *testing.T) {
	target := writeTarget(t, 4096)
	g := newGuard(&fakeProcesses{names: []string{"WeChat.exe"}}, fakeSpace(1), true)

	r := g.Run(context.Background(), target)
	if r.OK {
		t.Fatal("report should not be OK")
	}
	if len(r.Checks) != 3 {
		t.Fatalf("got %d checks, want 3", len(r.Checks))
	}
	want := map[string]bool{CheckProcess: false, CheckAccess: true, CheckFreeSpace: false}
	for _, c := range r.Checks {
		if c.Passed != want[c.Name] {
			t.Errorf("check %s passed=%v, want %v (%s)", c.Name, c.Passed, want[c.Name], c.Message)
		}
	}
	if !errors.Is(r.FirstError(), ErrTargetRunning) {
		t.Fatalf("FirstError = %v", r.FirstError())
	}
}

func TestSystemProcessesIncludesSelf(t *testing.T) {
	names, err := SystemProcesses().ProcessNames(context.Background())
	if err != nil {
		t.Fatalf("ProcessNames: %v", err)
	}
	if len(names) == 0 {
		t.Fatal("snapshot should contain at least one process")
	}
	if newProcessSnapshot(names).isRunning("definitely_not_a_real_process_12345.exe") {
		t.Error("should not find nonexistent process")
	}
}
