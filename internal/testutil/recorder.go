package testutil

import (
	"context"
	"sync"

	"github.com/roach88/custody/internal/eventlog"
	"github.com/roach88/custody/internal/ir"
)

// Recorder is an in-memory event sink for component tests. It stamps each
// committed batch with an operation id and consecutive seq numbers.
type Recorder struct {
	mu      sync.Mutex
	clock   *eventlog.Clock
	ids     *SequentialIDs
	batches [][]ir.Event
	err     error
}

// NewRecorder creates an empty recorder.
func NewRecorder() *Recorder {
	return &Recorder{clock: eventlog.NewClock(), ids: NewSequentialIDs("op")}
}

// FailWith makes every later Commit return err. Pass nil to recover.
func (r *Recorder) FailWith(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.err = err
}

// Commit implements journal.Sink.
func (r *Recorder) Commit(_ context.Context, events []ir.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	op := r.ids.Generate()
	batch := make([]ir.Event, len(events))
	for i, ev := range events {
		ev.OperationID = op
		ev.Seq = r.clock.Next()
		batch[i] = ev
	}
	r.batches = append(r.batches, batch)
	return nil
}

// Events returns every recorded event in commit order.
func (r *Recorder) Events() []ir.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []ir.Event
	for _, b := range r.batches {
		out = append(out, b...)
	}
	return out
}

// Kinds returns the kinds of every recorded event in commit order.
func (r *Recorder) Kinds() []ir.Kind {
	events := r.Events()
	kinds := make([]ir.Kind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// Batches returns how many operations committed.
func (r *Recorder) Batches() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}
