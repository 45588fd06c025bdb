package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/holiman/uint256"

	"github.com/roach88/custody/internal/ir"
)

// AssertionError is returned when an assertion fails.
// It includes the trace to help debug the failure.
type AssertionError struct {
	Type     string       // Assertion type for categorization
	Expected string       // Human-readable expected outcome
	Actual   string       // Human-readable actual outcome
	Trace    []TraceEvent // Full trace for debugging context
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "Assertion failed: %s\n", e.Type)
	fmt.Fprintf(&buf, "  Expected: %s\n", e.Expected)
	fmt.Fprintf(&buf, "  Actual: %s\n", e.Actual)

	fmt.Fprintf(&buf, "\nFull trace:\n")
	for _, ev := range e.Trace {
		fmt.Fprintf(&buf, "  [%d] %s %s\n", ev.Seq, ev.Kind, ev.Fields.Str(ir.FieldAuthID))
	}

	return buf.String()
}

// EvaluateAssertions checks every assertion and returns one message per
// failure.
func EvaluateAssertions(h *Harness, assertions []Assertion) []string {
	var errs []string
	for i, a := range assertions {
		if err := h.evaluate(a); err != nil {
			errs = append(errs, fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}
	return errs
}

func (h *Harness) evaluate(a Assertion) error {
	ctx := context.Background()
	v := h.engine.Vault()

	switch a.Type {
	case AssertTotalDeposited:
		return h.assertAmount(a, v.TotalDeposited(ctx))
	case AssertPooledBalance:
		return h.assertAmount(a, v.PooledBalance(ctx))
	case AssertDepositedBy:
		addr, _ := h.scenario.address(a.Account)
		return h.assertAmount(a, v.DepositedBy(ctx, addr))
	case AssertBalance:
		addr, _ := h.scenario.address(a.Account)
		return h.assertAmount(a, h.engine.BalanceOf(addr))
	case AssertConsumed, AssertUnconsumed:
		return h.assertConsumption(ctx, a)
	case AssertEventCount:
		return h.assertEventCount(a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func (h *Harness) assertAmount(a Assertion, actual *uint256.Int) error {
	decimals := h.scenario.decimals()
	want, err := ir.ParseUnits(a.Expect, decimals)
	if err != nil {
		return fmt.Errorf("%s: expect: %w", a.Type, err)
	}
	if actual.Eq(want) {
		return nil
	}
	subject := a.Type
	if a.Account != "" {
		subject += " " + a.Account
	}
	return &AssertionError{
		Type:     subject,
		Expected: ir.FormatUnits(want, decimals),
		Actual:   ir.FormatUnits(actual, decimals),
		Trace:    h.result.Trace,
	}
}

func (h *Harness) assertConsumption(ctx context.Context, a Assertion) error {
	id, err := h.lookupAuth(a.Auth)
	if err != nil {
		return err
	}
	consumed, err := h.engine.IsConsumed(ctx, id)
	if err != nil {
		return err
	}
	want := a.Type == AssertConsumed
	if consumed == want {
		return nil
	}
	return &AssertionError{
		Type:     a.Type,
		Expected: fmt.Sprintf("%s consumed=%t", a.Auth, want),
		Actual:   fmt.Sprintf("consumed=%t", consumed),
		Trace:    h.result.Trace,
	}
}

func (h *Harness) assertEventCount(a Assertion) error {
	count := 0
	for _, ev := range h.result.Trace {
		if ev.Kind == ir.Kind(a.Kind) {
			count++
		}
	}
	if count == a.Count {
		return nil
	}
	return &AssertionError{
		Type:     "event_count " + a.Kind,
		Expected: fmt.Sprintf("%d events", a.Count),
		Actual:   fmt.Sprintf("%d events", count),
		Trace:    h.result.Trace,
	}
}
