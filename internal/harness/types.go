package harness

import "github.com/roach88/custody/internal/ir"

// TraceEvent is one committed audit record as it appears in a trace.
type TraceEvent struct {
	Kind        ir.Kind   `json:"kind"`
	Seq         int64     `json:"seq"`
	OperationID string    `json:"operation_id"`
	Fields      ir.Object `json:"fields"`
}

// Result is the outcome of a test scenario execution.
type Result struct {
	// Pass is true when every step outcome, assertion and invariant held.
	Pass bool `json:"pass"`

	// Trace contains every committed event in seq order.
	Trace []TraceEvent `json:"trace"`

	// Errors contains validation error messages.
	// Empty if Pass is true.
	Errors []string `json:"errors,omitempty"`
}

// NewResult creates a new passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError adds a validation error and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}

// AddEvent appends a committed event to the trace.
func (r *Result) AddEvent(ev ir.Event) {
	r.Trace = append(r.Trace, TraceEvent{
		Kind:        ev.Kind,
		Seq:         ev.Seq,
		OperationID: ev.OperationID,
		Fields:      ev.Fields,
	})
}
