package patcher

import (
	"errors"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPathLockerSerializesSamePath(t *testing.T) {
	var l PathLocker
	dir := t.TempDir()
	a := filepath.Join(dir, "WeChatWin.dll")
	aliased := filepath.Join(dir, ".", "sub", "..", "WeChatWin.dll")

	var inside, maxInside atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		p := a
		if i%2 == 1 {
			p = aliased
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock := l.Lock(p)
			defer unlock()
			n := inside.Add(1)
			for {
				m := maxInside.Load()
				if n <= m || maxInside.CompareAndSwap(m, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			inside.Add(-1)
		}()
	}
	wg.Wait()

	if maxInside.Load() != 1 {
		t.Fatalf("max concurrent holders = %d, want 1", maxInside.Load())
	}
	if len(l.locks) != 0 {
		t.Fatalf("lock table should be empty after release, has %d entries", len(l.locks))
	}
}

func TestPathLockerDifferentPathsDoNotBlock(t *testing.T) {
	var l PathLocker
	dir := t.TempDir()
	unlockA := l.Lock(filepath.Join(dir, "a.dll"))
	defer unlockA()

	done := make(chan struct{})
	go func() {
		unlock := l.Lock(filepath.Join(dir, "b.dll"))
		unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("lock on a different path blocked")
	}
}

func TestUnlockIsIdempotent(t *testing.T) {
	var l PathLocker
	unlock := l.Lock("x.dll")
	unlock()
	unlock()
	unlock = l.Lock("x.dll")
	unlock()
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want Kind
	}{
		{nil, OK},
		{ErrNoSignatureMatch, NoSignatureMatch},
		{&Error{Kind: AccessDenied, Op: "apply", Err: errors.New("x")}, AccessDenied},
		{errors.New("disk full"), IoError},
	}
	for _, tt := range tests {
		if got := KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
	if AlreadyPatched.String() != "already_patched" {
		t.Fatalf("String = %q", AlreadyPatched.String())
	}
}
