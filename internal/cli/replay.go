package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/roach88/custody/internal/engine"
)

// ReplayOperation is one replayed operation.
type ReplayOperation struct {
	OperationID string `json:"operation_id"`
	FirstSeq    int64  `json:"first_seq"`
	Events      int    `json:"events"`
	Digest      string `json:"digest"`
}

// ReplayResult holds the overall replay result.
type ReplayResult struct {
	Operations     []ReplayOperation `json:"operations"`
	TotalEvents    int               `json:"total_events"`
	LastSeq        int64             `json:"last_seq"`
	PooledBalance  string            `json:"pooled_balance"`
	TotalDeposited string            `json:"total_deposited"`
	Deposited      string            `json:"deposited"`
	Withdrawn      string            `json:"withdrawn"`
	Consumed       int               `json:"consumed"`
	Failed         int               `json:"failed"`
	Violations     []CLIError        `json:"violations"`
	Consistent     bool              `json:"consistent"`
}

// NewReplayCommand creates the replay command.
func NewReplayCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Rebuild state from the event log and verify invariants",
		Long: `Fold the committed event log from the genesis balances, then check:

  - the vault's pooled balance equals the value the bank holds for it
  - total deposited equals deposits minus withdrawals
  - every executed withdrawal consumed its authorization
  - the rebuilt state equals the state the engine loaded

Exit codes:
  0 - The log is consistent
  1 - An invariant is violated
  2 - Command error (database not found, log cannot be folded, etc.)

Examples:
  custody replay --config vault.yaml
  custody replay --config vault.yaml --db ./custody.db --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(rootOpts, cmd)
		},
	}
	return cmd
}

func runReplay(opts *RootOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	eng, err := openEngine(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer eng.Close()

	replay, err := eng.Replay(ctx)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to replay event log", err)
	}
	result := buildReplayResult(replay, eng.Config().Decimals)

	out := newFormatter(opts, cmd)
	if opts.Format == "json" {
		if result.Consistent {
			return out.Success(result)
		}
		if err := out.encode(CLIResponse{
			Status: "error",
			Data:   result,
			Error:  &CLIError{Code: "E_INVARIANT", Message: "invariant verification failed"},
		}); err != nil {
			return err
		}
		return NewExitError(ExitFailure, "invariant verification failed")
	}

	return outputReplayText(cmd, result, opts.Verbose)
}

func buildReplayResult(r *engine.ReplayResult, decimals uint8) ReplayResult {
	st := r.State
	result := ReplayResult{
		Operations:     make([]ReplayOperation, 0, len(r.Operations)),
		LastSeq:        st.LastSeq,
		PooledBalance:  units(st.Vault.PooledBalance, decimals),
		TotalDeposited: units(st.Vault.TotalDeposited, decimals),
		Deposited:      units(st.Deposited, decimals),
		Withdrawn:      units(st.Withdrawn, decimals),
		Consumed:       len(st.Consumed),
		Failed:         st.Failed,
		Violations:     make([]CLIError, 0, len(r.Violations)),
		Consistent:     r.OK(),
	}
	for _, op := range r.Operations {
		result.Operations = append(result.Operations, ReplayOperation{
			OperationID: op.ID,
			FirstSeq:    op.FirstSeq,
			Events:      op.Events,
			Digest:      op.Digest,
		})
		result.TotalEvents += op.Events
	}
	for _, v := range r.Violations {
		result.Violations = append(result.Violations, CLIError{
			Code:    string(v.Code),
			Message: v.Message,
			Details: v.Details,
		})
	}
	return result
}

// outputReplayText outputs the replay result as text.
func outputReplayText(cmd *cobra.Command, result ReplayResult, verbose bool) error {
	w := cmd.OutOrStdout()

	if len(result.Operations) == 0 {
		fmt.Fprintln(w, "No operations found in the event log.")
	} else {
		fmt.Fprintf(w, "Replay Summary: %d operation(s), %d event(s), last seq %d\n",
			len(result.Operations), result.TotalEvents, result.LastSeq)
	}
	fmt.Fprintln(w)

	if verbose {
		for _, op := range result.Operations {
			fmt.Fprintf(w, "  %s  seq %d  %d event(s)  %s\n", op.OperationID, op.FirstSeq, op.Events, op.Digest)
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Pooled balance:  %s\n", result.PooledBalance)
	fmt.Fprintf(w, "Total deposited: %s (in %s, out %s)\n", result.TotalDeposited, result.Deposited, result.Withdrawn)
	fmt.Fprintf(w, "Consumed auths:  %d\n", result.Consumed)
	fmt.Fprintf(w, "Failed attempts: %d\n", result.Failed)
	fmt.Fprintln(w)

	if result.Consistent {
		fmt.Fprintln(w, "✓ All invariants hold")
		return nil
	}

	for _, v := range result.Violations {
		fmt.Fprintf(w, "✗ [%s] %s\n", v.Code, v.Message)
	}
	return NewExitError(ExitFailure, "invariant verification failed")
}
