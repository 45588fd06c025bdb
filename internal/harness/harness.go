package harness

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"

	"github.com/roach88/custody/internal/bank"
	"github.com/roach88/custody/internal/config"
	"github.com/roach88/custody/internal/engine"
	"github.com/roach88/custody/internal/ir"
	"github.com/roach88/custody/internal/testutil"
)

// Harness executes one scenario.
type Harness struct {
	scenario   *Scenario
	engine     *engine.Engine
	result     *Result
	auths      map[string]common.Hash
	reentering bool
	logger     *slog.Logger
}

// Run executes a test scenario and returns the result.
//
// Execution flow:
//  1. Open a fresh engine on an in-memory store
//  2. Install receive hooks
//  3. Execute steps, comparing each outcome with its expect_error
//  4. Replay the log and verify invariants
//  5. Evaluate assertions
//
// An error means the scenario could not be run at all. Failed expectations
// are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	return RunWithLogger(scenario, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// RunWithLogger is Run with engine logs sent to logger.
func RunWithLogger(scenario *Scenario, logger *slog.Logger) (*Result, error) {
	ctx := context.Background()

	cfg, err := scenarioConfig(scenario)
	if err != nil {
		return nil, err
	}
	eng, err := engine.Open(ctx, cfg,
		engine.WithGenerator(testutil.NewSequentialIDs("op")),
		engine.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("failed to open engine: %w", err)
	}
	defer eng.Close()

	h := &Harness{
		scenario: scenario,
		engine:   eng,
		result:   NewResult(),
		auths:    make(map[string]common.Hash),
		logger:   logger,
	}
	for name, r := range scenario.Receivers {
		addr, _ := scenario.address(name)
		eng.Bank().SetReceiver(addr, h.receiver(name, r))
	}

	for i, step := range scenario.Steps {
		err := h.execute(ctx, step)
		if isScenarioError(err) {
			return nil, fmt.Errorf("steps[%d]: %w", i, err)
		}
		h.check(fmt.Sprintf("steps[%d] %s", i, step.Action), step.ExpectError, err)
	}

	events, err := eng.Events(ctx, engine.EventFilter{})
	if err != nil {
		return nil, err
	}
	for _, ev := range events {
		h.result.AddEvent(ev)
	}

	replay, err := eng.Replay(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay: %w", err)
	}
	for _, v := range replay.Violations {
		h.result.AddError("invariant violated: " + v.Error())
	}

	for _, msg := range EvaluateAssertions(h, scenario.Assertions) {
		h.result.AddError(msg)
	}

	return h.result, nil
}

func scenarioConfig(s *Scenario) (config.Config, error) {
	cfg := config.Default()
	cfg.Vault = DefaultAccounts["vault"].Hex()
	cfg.Issuer = DefaultAccounts["issuer"].Hex()
	cfg.Database = ":memory:"
	cfg.Decimals = s.decimals()
	if s.NetworkID != 0 {
		cfg.NetworkID = s.NetworkID
	}
	cfg.Genesis = make(map[string]string, len(s.Genesis))
	for name, amount := range s.Genesis {
		addr, ok := s.address(name)
		if !ok {
			return config.Config{}, fmt.Errorf("genesis: unknown account %q", name)
		}
		cfg.Genesis[addr.Hex()] = amount
	}
	return cfg, nil
}

// scenarioError marks a malformed step, as opposed to an operation the
// engine rejected.
type scenarioError struct{ err error }

func (e *scenarioError) Error() string { return e.err.Error() }
func (e *scenarioError) Unwrap() error { return e.err }

func isScenarioError(err error) bool {
	var se *scenarioError
	return errors.As(err, &se)
}

func (h *Harness) execute(ctx context.Context, step Step) error {
	amount, err := ir.ParseUnits(step.Amount, h.scenario.decimals())
	if err != nil {
		return &scenarioError{fmt.Errorf("amount: %w", err)}
	}

	switch step.Action {
	case ActionDeposit:
		from, _ := h.scenario.address(step.From)
		return h.engine.Deposit(ctx, from, amount)
	case ActionWithdraw:
		to, _ := h.scenario.address(step.To)
		auth, err := h.authID(step.Auth, to, amount)
		if err != nil {
			return &scenarioError{err}
		}
		return h.engine.Withdraw(ctx, to, amount, auth)
	default:
		return &scenarioError{fmt.Errorf("unknown action %q", step.Action)}
	}
}

// check records a mismatch between the expected error code and err.
func (h *Harness) check(what, expect string, err error) {
	got := string(ir.CodeOf(err))
	if err != nil && got == "" {
		got = "UNCODED(" + err.Error() + ")"
	}
	if got == expect {
		h.logger.Debug("step outcome matched", "step", what, "code", got)
		return
	}
	want := expect
	if want == "" {
		want = "success"
	}
	if got == "" {
		got = "success"
	}
	h.result.AddError(fmt.Sprintf("%s: expected %s, got %s", what, want, got))
}

// authID resolves an auth reference. Labels become the digest of the first
// withdrawal that uses them, with a nonce derived from the label.
func (h *Harness) authID(ref string, to common.Address, amount *uint256.Int) (common.Hash, error) {
	if strings.HasPrefix(ref, "0x") {
		b := common.FromHex(ref)
		if len(b) != common.HashLength {
			return common.Hash{}, fmt.Errorf("auth %q is not 32 bytes", ref)
		}
		return common.BytesToHash(b), nil
	}
	if id, ok := h.auths[ref]; ok {
		return id, nil
	}
	id := h.engine.Digest(to, amount, labelNonce(ref))
	h.auths[ref] = id
	return id, nil
}

// lookupAuth resolves an auth reference for an assertion.
func (h *Harness) lookupAuth(ref string) (common.Hash, error) {
	if id, ok := h.auths[ref]; ok {
		return id, nil
	}
	if strings.HasPrefix(ref, "0x") {
		return h.authID(ref, common.Address{}, nil)
	}
	return common.Hash{}, fmt.Errorf("auth label %q is not used by any withdrawal", ref)
}

func labelNonce(label string) uint64 {
	k := sha3.NewLegacyKeccak256()
	k.Write([]byte(label))
	return binary.BigEndian.Uint64(k.Sum(nil)[:8])
}

// receiver builds the bank hook for one scenario receiver.
func (h *Harness) receiver(name string, r Receiver) bank.Receiver {
	return func(ctx context.Context, from common.Address, amount *uint256.Int) error {
		if r.Reject != "" {
			return errors.New(r.Reject)
		}
		if r.Reenter == nil || h.reentering {
			return nil
		}
		h.reentering = true
		defer func() { h.reentering = false }()

		err := h.execute(ctx, *r.Reenter)
		h.check(fmt.Sprintf("receivers.%s.reenter", name), r.Reenter.ExpectError, err)
		if r.Propagate {
			return err
		}
		return nil
	}
}
