package batch

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/recallguard/patcher/internal/backup"
	"github.com/recallguard/patcher/internal/catalog"
	"github.com/recallguard/patcher/internal/locator"
	"github.com/recallguard/patcher/internal/patcher"
	"github.com/recallguard/patcher/internal/preflight"
)

func TestRunPreservesOrder(t *testing.T) {
	paths := []string{"a", "b", "c", "d", "e"}
	r := NewRunner(3, nil)

	results := r.Run(context.Background(), paths, func(_ context.Context, p string) Result {
		if p == "c" {
			return Result{Err: errors.New("boom")}
		}
		return Result{}
	})

	if len(results) != len(paths) {
		t.Fatalf("got %d results, want %d", len(results), len(paths))
	}
	for i, res := range results {
		if res.Path != paths[i] {
			t.Fatalf("results[%d].Path = %q, want %q", i, res.Path, paths[i])
		}
		if res.OK() == (paths[i] == "c") {
			t.Fatalf("results[%d].OK() = %v", i, res.OK())
		}
	}
}

func TestRunBoundsConcurrency(t *testing.T) {
	var inside, peak atomic.Int32
	paths := make([]string, 12)
	for i := range paths {
		paths[i] = filepath.Join("dir", string(rune('a'+i))+".dll")
	}

	NewRunner(2, nil).Run(context.Background(), paths, func(context.Context, string) Result {
		n := inside.Add(1)
		for {
			m := peak.Load()
			if n <= m || peak.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(2 * time.Millisecond)
		inside.Add(-1)
		return Result{}
	})

	if peak.Load() > 2 {
		t.Fatalf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestRunSerializesDuplicatePaths(t *testing.T) {
	var mu sync.Mutex
	active := map[string]int{}
	overlap := false

	paths := []string{"x.dll", "x.dll", "x.dll", "y.dll"}
	NewRunner(4, nil).Run(context.Background(), paths, func(_ context.Context, p string) Result {
		mu.Lock()
		active[p]++
		if active[p] > 1 {
			overlap = true
		}
		mu.Unlock()

		time.Sleep(3 * time.Millisecond)

		mu.Lock()
		active[p]--
		mu.Unlock()
		return Result{}
	})

	if overlap {
		t.Fatal("two operations ran on the same path at once")
	}
}

func TestRunRecoversPanics(t *testing.T) {
	results := NewRunner(1, nil).Run(context.Background(), []string{"bad", "good"}, func(_ context.Context, p string) Result {
		if p == "bad" {
			panic("corrupt state")
		}
		return Result{}
	})

	if results[0].Err == nil || results[0].Path != "bad" {
		t.Fatalf("panicking job result = %+v", results[0])
	}
	if !results[1].OK() {
		t.Fatalf("job after panic = %+v", results[1])
	}
}

func TestRunEmpty(t *testing.T) {
	if got := NewRunner(2, nil).Run(context.Background(), nil, nil); len(got) != 0 {
		t.Fatalf("Run(nil) = %v", got)
	}
}

type noProcs struct{}

func (noProcs) ProcessNames(context.Context) ([]string, error) { return []string{"init"}, nil }

type noRegistry struct{}

func (noRegistry) ReadString(string, string, string) (string, error) {
	return "", locator.ErrValueNotFound
}

func TestApplyAndRestoreOps(t *testing.T) {
	site := []byte{0x0F, 0x84, 0x12, 0x34, 0x56, 0x78, 0x48, 0x8B, 0x03, 0x48, 0x8B, 0xCB, 0xFF, 0x50, 0x20}
	var paths []string
	for _, name := range []string{"one", "two"} {
		dir := filepath.Join(t.TempDir(), name)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 4096)
		copy(buf, "MZ")
		copy(buf[512:], site)
		p := filepath.Join(dir, "WeChatWin.dll")
		if err := os.WriteFile(p, buf, 0o644); err != nil {
			t.Fatal(err)
		}
		paths = append(paths, p)
	}
	empty := filepath.Join(t.TempDir(), "WeChatWin.dll")
	if err := os.WriteFile(empty, []byte("MZ"), 0o644); err != nil {
		t.Fatal(err)
	}
	paths = append(paths, empty)

	e, err := patcher.New(patcher.Options{
		Catalog: catalog.Default(),
		Locator: locator.New("WeChatWin.dll", nil, noRegistry{}),
		Guard:   preflight.New(preflight.Options{ProcessName: "WeChat.exe", Processes: noProcs{}}),
		Backups: backup.NewManager(".bak", nil),
	})
	if err != nil {
		t.Fatal(err)
	}

	r := NewRunner(2, nil)
	results := r.Run(context.Background(), paths, Apply(e))
	if !results[0].OK() || !results[1].OK() {
		t.Fatalf("apply results: %+v", results)
	}
	if results[2].OK() || results[2].Patch.Code != patcher.NoSignatureMatch {
		t.Fatalf("module without a signature: %+v", results[2])
	}

	for i, res := range r.Run(context.Background(), paths[:2], Restore(e)) {
		if !res.OK() {
			t.Fatalf("restore %d: %v", i, res.Err)
		}
	}
}

func TestResultJSON(t *testing.T) {
	data, err := json.Marshal(Result{Path: "a.dll", Err: errors.New("locked")})
	if err != nil {
		t.Fatal(err)
	}
	if got := string(data); got != `{"path":"a.dll","ok":false,"error":"locked","code":"io_error"}` {
		t.Fatalf("json = %s", got)
	}
}
