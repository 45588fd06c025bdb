package engine

import (
	"context"
	"fmt"
	"slices"

	"github.com/ethereum/go-ethereum/common"

	"github.com/roach88/custody/internal/ir"
)

// OperationSummary identifies one committed operation.
type OperationSummary struct {
	ID       string
	FirstSeq int64
	Events   int
	Digest   string
}

// ReplayResult is the outcome of Replay.
type ReplayResult struct {
	State      State
	Operations []OperationSummary
	// Violations is nil when every invariant holds.
	Violations []*InvariantError
}

// OK reports whether the replay found no violations.
func (r *ReplayResult) OK() bool {
	return len(r.Violations) == 0
}

// Replay folds the committed log from genesis, verifies the custody
// invariants and compares the result with the engine's live state.
//
// An error means the log itself could not be folded. Broken invariants are
// reported in the result.
func (e *Engine) Replay(ctx context.Context) (*ReplayResult, error) {
	events, err := e.Events(ctx, EventFilter{})
	if err != nil {
		return nil, err
	}
	genesis, err := e.cfg.GenesisBalances()
	if err != nil {
		return nil, err
	}
	st, err := Fold(e.vault.Address(), genesis, events)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	ops, err := summarize(events)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}

	result := &ReplayResult{State: st, Operations: ops}
	result.Violations = append(result.Violations, InvariantErrors(Verify(st))...)
	result.Violations = append(result.Violations, e.compareLive(ctx, st)...)

	e.logger.Info("replay finished",
		"events", len(events),
		"operations", len(ops),
		"violations", len(result.Violations))
	return result, nil
}

func (e *Engine) compareLive(ctx context.Context, st State) []*InvariantError {
	var out []*InvariantError
	vs := e.vault.State(ctx)
	if !vs.PooledBalance.Eq(st.Vault.PooledBalance) || !vs.TotalDeposited.Eq(st.Vault.TotalDeposited) {
		out = append(out, newInvariantError(ErrCodeLiveMismatch,
			"live vault accounting differs from the replayed log",
			map[string]string{
				"live_pooled":     vs.PooledBalance.Dec(),
				"replayed_pooled": st.Vault.PooledBalance.Dec(),
				"live_total":      vs.TotalDeposited.Dec(),
				"replayed_total":  st.Vault.TotalDeposited.Dec(),
			}))
	}
	live := e.bank.Balances()
	addrs := make([]common.Address, 0, len(live)+len(st.Balances))
	for addr := range live {
		addrs = append(addrs, addr)
	}
	for addr := range st.Balances {
		if _, ok := live[addr]; !ok {
			addrs = append(addrs, addr)
		}
	}
	slices.SortFunc(addrs, func(a, b common.Address) int { return a.Cmp(b) })
	for _, addr := range addrs {
		held, replayed := orZero(live[addr]), orZero(st.Balances[addr])
		if !held.Eq(replayed) {
			out = append(out, newInvariantError(ErrCodeLiveMismatch,
				"live bank balance differs from the replayed log",
				map[string]string{"address": addr.Hex(), "live": held.Dec(), "replayed": replayed.Dec()}))
		}
	}
	for _, id := range st.Consumed {
		if !e.ledger.IsConsumed(ctx, id) {
			out = append(out, newInvariantError(ErrCodeLiveMismatch,
				"authorization consumed in the log is not consumed in the ledger",
				map[string]string{"auth_id": id.Hex()}))
		}
	}
	return out
}

// summarize groups events by operation in commit order and digests each
// operation's ordered event ids.
func summarize(events []ir.Event) ([]OperationSummary, error) {
	ops := []OperationSummary{}
	ids := map[string][]string{}
	index := map[string]int{}
	for _, ev := range events {
		i, ok := index[ev.OperationID]
		if !ok {
			i = len(ops)
			index[ev.OperationID] = i
			ops = append(ops, OperationSummary{ID: ev.OperationID, FirstSeq: ev.Seq})
		}
		ops[i].Events++
		ids[ev.OperationID] = append(ids[ev.OperationID], ev.ID)
	}
	for i := range ops {
		digest, err := ir.OperationDigest(ids[ops[i].ID])
		if err != nil {
			return nil, err
		}
		ops[i].Digest = digest
	}
	return ops, nil
}

// ConsumedIDs returns the consumed authIds recorded in the log, in order.
func (e *Engine) ConsumedIDs(ctx context.Context) ([]common.Hash, error) {
	if e.store == nil {
		out := []common.Hash{}
		for _, ev := range e.log.Events() {
			if ev.Kind != ir.KindAuthorizationConsumed {
				continue
			}
			id, err := ev.Hash(ir.FieldAuthID)
			if err != nil {
				return nil, err
			}
			out = append(out, id)
		}
		return out, nil
	}
	hexes, err := e.store.ConsumedAuthIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]common.Hash, len(hexes))
	for i, h := range hexes {
		out[i] = common.HexToHash(h)
	}
	return out, nil
}
