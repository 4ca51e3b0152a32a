// Package batch runs one engine operation over several module paths with
// bounded concurrency. Calls on the same path are serialized.
package batch

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"

	"github.com/recallguard/patcher/internal/logging"
	"github.com/recallguard/patcher/internal/patcher"
)

var log = logging.L("batch")

// Result is the outcome for one input path, in input order.
type Result struct {
	Path  string
	Patch patcher.PatchResult // set by apply operations
	Err   error
}

// OK reports whether the operation succeeded for this path.
func (r Result) OK() bool {
	if r.Err != nil {
		return false
	}
	return r.Patch.Success || r.Patch == (patcher.PatchResult{})
}

// MarshalJSON flattens the error to its message and kind.
func (r Result) MarshalJSON() ([]byte, error) {
	out := struct {
		Path  string               `json:"path"`
		OK    bool                 `json:"ok"`
		Patch *patcher.PatchResult `json:"patch,omitempty"`
		Error string               `json:"error,omitempty"`
		Code  patcher.Kind         `json:"code"`
	}{Path: r.Path, OK: r.OK(), Code: patcher.KindOf(r.Err)}
	if r.Patch != (patcher.PatchResult{}) {
		out.Patch = &r.Patch
		out.Code = r.Patch.Code
	}
	if r.Err != nil {
		out.Error = r.Err.Error()
	}
	return json.Marshal(out)
}

// Op is the per-path operation.
type Op func(ctx context.Context, path string) Result

// Runner executes an Op over many paths.
type Runner struct {
	workers int
	locker  *patcher.PathLocker
}

// NewRunner returns a Runner with at most workers concurrent operations.
// locker may be shared with other runners; nil allocates a private one.
func NewRunner(workers int, locker *patcher.PathLocker) *Runner {
	if workers < 1 {
		workers = 1
	}
	if locker == nil {
		locker = &patcher.PathLocker{}
	}
	return &Runner{workers: workers, locker: locker}
}

// Run applies op to every path and waits for all of them. A panicking op
// yields a Result carrying the panic as its error.
func (r *Runner) Run(ctx context.Context, paths []string, op Op) []Result {
	results := make([]Result, len(paths))
	if len(paths) == 0 {
		return results
	}

	pool := NewPool(min(r.workers, len(paths)), len(paths))
	for i, p := range paths {
		jobCtx := logging.NewContext(ctx, log.With("job", i, logging.KeyPath, p))
		submitted := pool.Submit(func() {
			results[i] = r.runOne(jobCtx, p, op)
		})
		if !submitted {
			results[i] = Result{Path: p, Err: fmt.Errorf("batch: job for %s was not accepted", p)}
		}
	}
	pool.Drain(context.WithoutCancel(ctx))

	failed := 0
	for _, res := range results {
		if !res.OK() {
			failed++
		}
	}
	log.Info("batch finished", "targets", len(paths), "failed", failed)
	return results
}

func (r *Runner) runOne(ctx context.Context, path string, op Op) (res Result) {
	unlock := r.locker.Lock(path)
	defer unlock()
	defer func() {
		if v := recover(); v != nil {
			log.Error("batch job panicked", logging.KeyPath, path, "panic", v, "stack", string(debug.Stack()))
			res = Result{Path: path, Err: fmt.Errorf("panic while processing %s: %v", path, v)}
		}
	}()

	res = op(ctx, path)
	res.Path = path
	return res
}

// Apply is an Op that runs ApplyPatch.
func Apply(e *patcher.Engine) Op {
	return func(ctx context.Context, path string) Result {
		return Result{Patch: e.ApplyPatch(ctx, path)}
	}
}

// Restore is an Op that runs RestorePatch.
func Restore(e *patcher.Engine) Op {
	return func(ctx context.Context, path string) Result {
		return Result{Err: e.RestorePatch(ctx, path)}
	}
}
