package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/roach88/custody/internal/engine"
	"github.com/roach88/custody/internal/ir"
)

// EventsOptions holds flags for the events command.
type EventsOptions struct {
	*RootOptions
	OperationID string   // optional - one operation only
	Kinds       []string // optional - filter to these kinds
}

// EventView is one event in the events timeline.
type EventView struct {
	Seq         int64           `json:"seq"`
	ID          string          `json:"id"`
	OperationID string          `json:"operation_id"`
	Kind        string          `json:"kind"`
	Fields      json.RawMessage `json:"fields"`
}

// EventsResult holds the events output.
type EventsResult struct {
	Events []EventView `json:"events"`
	Stats  EventStats  `json:"stats"`
}

// EventStats holds summary statistics for the listed events.
type EventStats struct {
	TotalEvents int            `json:"total_events"`
	Operations  int            `json:"operations"`
	ByKind      map[string]int `json:"by_kind"`
}

// NewEventsCommand creates the events command.
func NewEventsCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &EventsOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "events",
		Short: "List the committed audit log",
		Long: `List committed events in seq order.

Every deposit, withdrawal attempt and authorization consumption is
recorded. Events of one operation share an operation id.

Examples:
  custody events --config vault.yaml
  custody events --config vault.yaml --op 0192f0c4-...
  custody events --config vault.yaml --kind withdrawal_failed --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runEvents(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.OperationID, "op", "", "show one operation only")
	cmd.Flags().StringSliceVar(&opts.Kinds, "kind", nil, "filter by event kind (repeatable)")

	return cmd
}

func runEvents(opts *EventsOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	filter := engine.EventFilter{OperationID: opts.OperationID}
	for _, k := range opts.Kinds {
		kind := ir.Kind(k)
		if !kind.Valid() {
			return NewExitError(ExitCommandError, fmt.Sprintf("--kind: unknown event kind %q (valid: %v)", k, ir.Kinds))
		}
		filter.Kinds = append(filter.Kinds, kind)
	}

	eng, err := openEngine(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer eng.Close()

	events, err := eng.Events(ctx, filter)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to read events", err)
	}

	result, err := buildEventsResult(events)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to render events", err)
	}

	if opts.Format == "json" {
		return newFormatter(opts.RootOptions, cmd).Success(result)
	}
	outputEventsText(cmd, result, opts.Verbose)
	return nil
}

func buildEventsResult(events []ir.Event) (EventsResult, error) {
	result := EventsResult{
		Events: make([]EventView, 0, len(events)),
		Stats:  EventStats{ByKind: make(map[string]int)},
	}
	ops := make(map[string]struct{})
	for _, ev := range events {
		fields := ev.Fields
		if fields == nil {
			fields = ir.Object{}
		}
		data, err := ir.MarshalCanonical(fields)
		if err != nil {
			return EventsResult{}, fmt.Errorf("event %d: %w", ev.Seq, err)
		}
		result.Events = append(result.Events, EventView{
			Seq:         ev.Seq,
			ID:          ev.ID,
			OperationID: ev.OperationID,
			Kind:        string(ev.Kind),
			Fields:      data,
		})
		result.Stats.ByKind[string(ev.Kind)]++
		ops[ev.OperationID] = struct{}{}
	}
	result.Stats.TotalEvents = len(events)
	result.Stats.Operations = len(ops)
	return result, nil
}

func outputEventsText(cmd *cobra.Command, result EventsResult, verbose bool) {
	w := cmd.OutOrStdout()

	if len(result.Events) == 0 {
		fmt.Fprintln(w, "No events found.")
		return
	}

	fmt.Fprintf(w, "Events: %d in %d operation(s)\n\n", result.Stats.TotalEvents, result.Stats.Operations)

	lastOp := ""
	for _, ev := range result.Events {
		if ev.OperationID != lastOp {
			fmt.Fprintf(w, "Operation %s\n", ev.OperationID)
			lastOp = ev.OperationID
		}
		fmt.Fprintf(w, "  [%d] %s %s\n", ev.Seq, ev.Kind, summarizeFields(ev.Fields))
		if verbose {
			fmt.Fprintf(w, "       id: %s\n", ev.ID)
		}
	}
}

// summarizeFields renders canonical fields as key=value pairs in key order.
func summarizeFields(data json.RawMessage) string {
	var fields ir.Object
	if err := json.Unmarshal(data, &fields); err != nil {
		return string(data)
	}
	parts := make([]string, 0, len(fields))
	for _, k := range fields.SortedKeys() {
		parts = append(parts, k+"="+fields.Str(k))
	}
	return strings.Join(parts, " ")
}
