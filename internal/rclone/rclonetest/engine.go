// Package rclonetest provides an in-memory rclone.Engine for tests.
package rclonetest

import (
	"context"
	"path"
	"sync"
	"time"

	"github.com/openmined/rcsync/internal/rclone"
)

type Op string

const (
	OpList   Op = "list"
	OpCopy   Op = "copy"
	OpSync   Op = "sync"
	OpDedupe Op = "dedupe"
)

// Call is a single recorded engine invocation
type Call struct {
	Op  Op
	Src string
	Dst string
}

// File is the content of a file in one of the in-memory trees
type File struct {
	Data    string
	ModTime time.Time
}

// Engine keeps one file map per root and applies update-only copy and
// mirror semantics to them, recording every call.
type Engine struct {
	mu        sync.Mutex
	window    time.Duration
	trees     map[string]map[string]File
	calls     []Call
	transfers int
	deletes   int
	failures  map[Op][]error
	onCall    func(Call)
}

var _ rclone.Engine = (*Engine)(nil)

func NewEngine(modifyWindow time.Duration) *Engine {
	return &Engine{
		window:   modifyWindow,
		trees:    make(map[string]map[string]File),
		failures: make(map[Op][]error),
	}
}

// Put writes a file into the tree rooted at root
func (e *Engine) Put(root, p, data string, modTime time.Time) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tree(root)[p] = File{Data: data, ModTime: modTime}
}

// Remove deletes a file from the tree rooted at root
func (e *Engine) Remove(root, p string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.tree(root), p)
}

// Tree returns a copy of the files under root
func (e *Engine) Tree(root string) map[string]File {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make(map[string]File, len(e.trees[root]))
	for p, f := range e.trees[root] {
		out[p] = f
	}
	return out
}

// FailNext queues errors returned by the next calls of op, one per call
func (e *Engine) FailNext(op Op, errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.failures[op] = append(e.failures[op], errs...)
}

// OnCall registers a hook run after every recorded call, outside the engine lock
func (e *Engine) OnCall(fn func(Call)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.onCall = fn
}

// Calls returns the recorded calls, optionally filtered to the given ops
func (e *Engine) Calls(ops ...Op) []Call {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Call, 0, len(e.calls))
	for _, c := range e.calls {
		if len(ops) == 0 || containsOp(ops, c.Op) {
			out = append(out, c)
		}
	}
	return out
}

// ResetCalls forgets the recorded calls and transfer counters
func (e *Engine) ResetCalls() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls = nil
	e.transfers = 0
	e.deletes = 0
}

// Transfers returns how many files were written by copy and sync calls
func (e *Engine) Transfers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.transfers
}

// Deletes returns how many files were removed by sync calls
func (e *Engine) Deletes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deletes
}

func (e *Engine) List(ctx context.Context, root string) (rclone.Listing, error) {
	if err := e.record(ctx, Call{Op: OpList, Src: root}); err != nil {
		return nil, err
	}

	e.mu.Lock()
	listing := rclone.Listing{}
	for p, f := range e.trees[root] {
		listing = append(listing, rclone.Entry{
			Path:    p,
			Name:    path.Base(p),
			Size:    int64(len(f.Data)),
			ModTime: f.ModTime,
		})
	}
	e.mu.Unlock()

	listing.Sort()
	return listing, nil
}

func (e *Engine) Copy(ctx context.Context, src, dst string) (*rclone.Result, error) {
	if err := e.record(ctx, Call{Op: OpCopy, Src: src, Dst: dst}); err != nil {
		return &rclone.Result{ExitCode: exitCode(err)}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.copyLocked(src, dst)
	return &rclone.Result{}, nil
}

func (e *Engine) Sync(ctx context.Context, src, dst string) (*rclone.Result, error) {
	if err := e.record(ctx, Call{Op: OpSync, Src: src, Dst: dst}); err != nil {
		return &rclone.Result{ExitCode: exitCode(err)}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.copyLocked(src, dst)
	from, to := e.tree(src), e.tree(dst)
	for p := range to {
		if _, ok := from[p]; !ok {
			delete(to, p)
			e.deletes++
		}
	}
	return &rclone.Result{}, nil
}

func (e *Engine) Dedupe(ctx context.Context, root string) (*rclone.Result, error) {
	if err := e.record(ctx, Call{Op: OpDedupe, Src: root}); err != nil {
		return &rclone.Result{ExitCode: exitCode(err)}, err
	}
	return &rclone.Result{}, nil
}

// copyLocked transfers every src file unless dst holds a newer copy or the
// same file within the modify window.
func (e *Engine) copyLocked(src, dst string) {
	from, to := e.tree(src), e.tree(dst)
	for p, f := range from {
		if existing, ok := to[p]; ok {
			if existing.ModTime.After(f.ModTime.Add(e.window)) {
				continue
			}
			if withinWindow(existing.ModTime, f.ModTime, e.window) && len(existing.Data) == len(f.Data) {
				continue
			}
		}
		to[p] = f
		e.transfers++
	}
}

func (e *Engine) record(ctx context.Context, c Call) error {
	e.mu.Lock()
	e.calls = append(e.calls, c)
	var err error
	if queued := e.failures[c.Op]; len(queued) > 0 {
		err = queued[0]
		e.failures[c.Op] = queued[1:]
	}
	hook := e.onCall
	e.mu.Unlock()

	if hook != nil {
		hook(c)
	}
	if err == nil {
		err = ctx.Err()
	}
	return err
}

func (e *Engine) tree(root string) map[string]File {
	t, ok := e.trees[root]
	if !ok {
		t = make(map[string]File)
		e.trees[root] = t
	}
	return t
}

func withinWindow(a, b time.Time, window time.Duration) bool {
	d := a.Sub(b)
	if d < 0 {
		d = -d
	}
	return d <= window
}

func containsOp(ops []Op, op Op) bool {
	for _, o := range ops {
		if o == op {
			return true
		}
	}
	return false
}

func exitCode(err error) int {
	if exitErr, ok := err.(*rclone.ExitError); ok {
		return exitErr.ExitCode
	}
	return -1
}
