package patcher

import (
	"path/filepath"
	"runtime"
	"strings"
	"sync"
)

// PathLocker serializes operations on the same module path. Different paths
// never block each other.
type PathLocker struct {
	mu    sync.Mutex
	locks map[string]*pathLock
}

type pathLock struct {
	mu   sync.Mutex
	refs int
}

// Lock blocks until path is free and returns the function that releases it.
func (l *PathLocker) Lock(path string) (unlock func()) {
	key := lockKey(path)

	l.mu.Lock()
	if l.locks == nil {
		l.locks = make(map[string]*pathLock)
	}
	pl, ok := l.locks[key]
	if !ok {
		pl = &pathLock{}
		l.locks[key] = pl
	}
	pl.refs++
	l.mu.Unlock()

	pl.mu.Lock()

	var once sync.Once
	return func() {
		once.Do(func() {
			pl.mu.Unlock()
			l.mu.Lock()
			pl.refs--
			if pl.refs == 0 {
				delete(l.locks, key)
			}
			l.mu.Unlock()
		})
	}
}

func lockKey(path string) string {
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	path = filepath.Clean(path)
	if runtime.GOOS == "windows" {
		path = strings.ToLower(path)
	}
	return path
}
