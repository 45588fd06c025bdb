// Package journal runs custody operations inside call frames that commit or
// revert as a unit.
//
// A top-level frame is opened by the first Run on a context without one.
// Components register an undo for every state mutation (OnRevert), queue
// their audit records (Emit), take their write locks through the frame
// (Hold), and publish committed views from OnCommit hooks.
//
// A Run on a context that already carries a frame is a nested call. It takes
// a snapshot and, if its function fails, undoes only what happened since that
// snapshot. This is how a re-entrant call made from inside a value transfer
// fails without disturbing the enclosing operation.
//
// Locks taken through Hold are released only when the top-level frame ends,
// so no other goroutine can observe or interleave with an uncommitted
// operation. Two frames that take the same pair of locks in opposite orders
// deadlock; re-entrant callers must pass on the context they were given.
package journal

import (
	"context"
	"sync"

	"github.com/roach88/custody/internal/ir"
)

// Sink receives the events of a top-level frame when it commits.
// An error from Commit reverts the whole frame.
type Sink interface {
	Commit(ctx context.Context, events []ir.Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, events []ir.Event) error

// Commit calls f.
func (f SinkFunc) Commit(ctx context.Context, events []ir.Event) error {
	return f(ctx, events)
}

// Discard accepts and drops every batch.
var Discard Sink = SinkFunc(func(context.Context, []ir.Event) error { return nil })

// Revert undoes one state mutation.
type Revert func()

type snapshot struct {
	reverts, events, commits int
}

// Frame is the journal of one top-level operation and its nested calls.
// A frame belongs to the goroutine running the operation.
type Frame struct {
	sink    Sink
	reverts []Revert
	events  []ir.Event
	commits []func()
	held    map[any]struct{}
	unlocks []func()
	depth   int
}

type frameKey struct{}

// FromContext returns the frame carried by ctx, or nil.
func FromContext(ctx context.Context) *Frame {
	f, _ := ctx.Value(frameKey{}).(*Frame)
	return f
}

// Run executes fn inside a frame. See the package documentation for the
// top-level and nested semantics. sink is used only when Run opens a new
// top-level frame; nil means Discard.
func Run(ctx context.Context, sink Sink, fn func(ctx context.Context) error) error {
	if f := FromContext(ctx); f != nil {
		return f.runNested(ctx, fn)
	}

	if sink == nil {
		sink = Discard
	}
	f := &Frame{sink: sink, held: make(map[any]struct{})}
	ctx = context.WithValue(ctx, frameKey{}, f)

	committed := false
	defer func() {
		if !committed {
			f.revertTo(snapshot{})
		}
		f.release()
	}()

	if err := fn(ctx); err != nil {
		return err
	}
	if len(f.events) > 0 {
		batch := make([]ir.Event, len(f.events))
		copy(batch, f.events)
		if err := f.sink.Commit(ctx, batch); err != nil {
			return err
		}
	}
	for _, hook := range f.commits {
		hook()
	}
	committed = true
	return nil
}

func (f *Frame) runNested(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	snap := f.snapshot()
	f.depth++
	defer func() {
		f.depth--
		if err != nil {
			f.revertTo(snap)
		}
	}()
	return fn(ctx)
}

func (f *Frame) snapshot() snapshot {
	return snapshot{reverts: len(f.reverts), events: len(f.events), commits: len(f.commits)}
}

// revertTo runs the undos recorded since snap in reverse order and drops the
// events and commit hooks queued since then.
func (f *Frame) revertTo(snap snapshot) {
	for i := len(f.reverts) - 1; i >= snap.reverts; i-- {
		f.reverts[i]()
	}
	f.reverts = f.reverts[:snap.reverts]
	f.events = f.events[:snap.events]
	f.commits = f.commits[:snap.commits]
}

func (f *Frame) release() {
	for i := len(f.unlocks) - 1; i >= 0; i-- {
		f.unlocks[i]()
	}
	f.unlocks = nil
	f.held = nil
}

func mustFrame(ctx context.Context) *Frame {
	f := FromContext(ctx)
	if f == nil {
		panic("journal: no frame in context (call inside journal.Run)")
	}
	return f
}

// Hold locks l once per top-level frame. Later Holds with the same key in the
// same frame, including from nested calls, are no-ops. The lock is released
// when the top-level frame ends.
func Hold(ctx context.Context, key any, l sync.Locker) {
	f := mustFrame(ctx)
	if _, ok := f.held[key]; ok {
		return
	}
	l.Lock()
	f.held[key] = struct{}{}
	f.unlocks = append(f.unlocks, l.Unlock)
}

// Holds reports whether the frame carried by ctx has taken the lock for key.
// Code running inside that frame may read state the lock guards.
func Holds(ctx context.Context, key any) bool {
	f := FromContext(ctx)
	if f == nil {
		return false
	}
	_, ok := f.held[key]
	return ok
}

// OnRevert registers an undo for a mutation that was just applied.
func OnRevert(ctx context.Context, undo Revert) {
	f := mustFrame(ctx)
	f.reverts = append(f.reverts, undo)
}

// OnCommit registers a hook that runs after the top-level frame's events are
// accepted by its sink and before its locks are released.
func OnCommit(ctx context.Context, hook func()) {
	f := mustFrame(ctx)
	f.commits = append(f.commits, hook)
}

// Emit queues an audit record for the top-level frame's commit.
func Emit(ctx context.Context, ev ir.Event) {
	f := mustFrame(ctx)
	f.events = append(f.events, ev)
}

// Depth returns how many nested calls deep ctx is. It is 0 for a top-level
// frame and -1 when ctx carries no frame.
func Depth(ctx context.Context) int {
	f := FromContext(ctx)
	if f == nil {
		return -1
	}
	return f.depth
}
