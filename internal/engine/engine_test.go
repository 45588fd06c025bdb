package engine

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/custody/internal/authledger"
	"github.com/roach88/custody/internal/config"
	"github.com/roach88/custody/internal/ir"
	"github.com/roach88/custody/internal/store"
	"github.com/roach88/custody/internal/testutil"
)

var (
	vaultAddr  = testutil.Addr(0xfe)
	issuerAddr = testutil.Addr(0xaa)
	alice      = testutil.Addr(1)
	bob        = testutil.Addr(2)
)

func testConfig(db string) config.Config {
	cfg := config.Default()
	cfg.Vault = vaultAddr.Hex()
	cfg.Issuer = issuerAddr.Hex()
	cfg.Database = db
	cfg.Genesis = map[string]string{
		alice.Hex(): "1000",
		bob.Hex():   "10",
	}
	return cfg
}

func openEngine(t *testing.T, cfg config.Config) *Engine {
	t.Helper()
	e, err := Open(context.Background(), cfg, WithGenerator(testutil.NewSequentialIDs("op")))
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

func newMemoryEngine(t *testing.T) *Engine {
	return openEngine(t, testConfig(""))
}

func newDurableEngine(t *testing.T) (*Engine, string) {
	path := filepath.Join(t.TempDir(), "custody.db")
	return openEngine(t, testConfig(path)), path
}

func TestOpenRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("")
	cfg.Vault = "not-an-address"

	_, err := Open(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ir.ErrInvalidConfiguration))
}

func TestDepositMovesBankFunds(t *testing.T) {
	e := newMemoryEngine(t)
	ctx := context.Background()

	require.NoError(t, e.Deposit(ctx, alice, testutil.Units("100")))

	assert.Equal(t, testutil.Units("900"), e.BalanceOf(alice))
	assert.Equal(t, testutil.Units("100"), e.BalanceOf(vaultAddr))
	st := e.Status(ctx)
	assert.Equal(t, testutil.Units("100"), st.PooledBalance)
	assert.Equal(t, testutil.Units("100"), st.TotalDeposited)
	assert.Equal(t, st.PooledBalance, st.VaultBalance)
	assert.Equal(t, testutil.Units("100"), st.Depositors[alice])
}

func TestDepositBeyondBankBalanceChangesNothing(t *testing.T) {
	e := newMemoryEngine(t)
	ctx := context.Background()

	err := e.Deposit(ctx, bob, testutil.Units("11"))
	require.Error(t, err)
	assert.Equal(t, ir.CodeInsufficientBalance, ir.CodeOf(err))

	assert.Equal(t, testutil.Units("10"), e.BalanceOf(bob))
	assert.True(t, e.Status(ctx).PooledBalance.IsZero())
	events, err := e.Events(ctx, EventFilter{})
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDepositZeroRejected(t *testing.T) {
	e := newMemoryEngine(t)

	err := e.Deposit(context.Background(), alice, new(uint256.Int))
	assert.Equal(t, ir.CodeInvalidAmount, ir.CodeOf(err))
}

func TestWithdrawPaysRecipientOnce(t *testing.T) {
	e := newMemoryEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Deposit(ctx, alice, testutil.Units("100")))

	auth := e.Digest(bob, testutil.Units("40"), 1)
	require.NoError(t, e.Withdraw(ctx, bob, testutil.Units("40"), auth))

	assert.Equal(t, testutil.Units("50"), e.BalanceOf(bob))
	assert.Equal(t, testutil.Units("60"), e.Status(ctx).PooledBalance)
	consumed, err := e.IsConsumed(ctx, auth)
	require.NoError(t, err)
	assert.True(t, consumed)

	err = e.Withdraw(ctx, bob, testutil.Units("40"), auth)
	assert.True(t, ir.IsReplay(err), "got %v", err)
	assert.Equal(t, testutil.Units("50"), e.BalanceOf(bob))
}

func TestDigestMatchesLedgerEncoding(t *testing.T) {
	e := newMemoryEngine(t)
	want := authledger.Digest(vaultAddr, 1, bob, testutil.Units("1"), 9)
	assert.Equal(t, want, e.Digest(bob, testutil.Units("1"), 9))
}

func TestReopenRestoresState(t *testing.T) {
	ctx := context.Background()
	e, path := newDurableEngine(t)
	auth := testutil.AuthID("a1")

	require.NoError(t, e.Deposit(ctx, alice, testutil.Units("100")))
	require.NoError(t, e.Withdraw(ctx, bob, testutil.Units("30"), auth))
	before := e.Status(ctx)
	require.NoError(t, e.Close())

	reopened := openEngine(t, testConfig(path))
	after := reopened.Status(ctx)

	assert.Equal(t, before.PooledBalance, after.PooledBalance)
	assert.Equal(t, before.TotalDeposited, after.TotalDeposited)
	assert.Equal(t, before.VaultBalance, after.VaultBalance)
	assert.Equal(t, before.LastSeq, after.LastSeq)
	assert.Equal(t, testutil.Units("40"), reopened.BalanceOf(bob))

	err := reopened.Withdraw(ctx, bob, testutil.Units("30"), auth)
	assert.True(t, ir.IsReplay(err), "consumption must survive restart, got %v", err)

	require.NoError(t, reopened.Deposit(ctx, alice, testutil.Units("1")))
	events, err := reopened.Events(ctx, EventFilter{Kinds: []ir.Kind{ir.KindDepositRecorded}})
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Greater(t, events[1].Seq, before.LastSeq)
}

func TestStoreGuardRejectsOutOfBandConsumption(t *testing.T) {
	ctx := context.Background()
	e, path := newDurableEngine(t)
	require.NoError(t, e.Deposit(ctx, alice, testutil.Units("100")))
	auth := testutil.AuthID("elsewhere")

	// Another writer consumes auth directly in the database.
	other, err := store.Open(path)
	require.NoError(t, err)
	defer other.Close()
	fields := ir.Object{ir.FieldAuthID: ir.HashValue(auth)}
	ev := ir.NewEvent(ir.KindAuthorizationConsumed, fields)
	ev.OperationID, ev.Seq = "external", 1000
	ev.ID, err = ir.EventID(ev.Kind, ev.OperationID, ev.Seq, fields)
	require.NoError(t, err)
	require.NoError(t, other.AppendEvents(ctx, []ir.Event{ev}))

	consumed, err := e.IsConsumed(ctx, auth)
	require.NoError(t, err)
	assert.True(t, consumed, "store is consulted when the ledger does not know the id")

	err = e.Withdraw(ctx, bob, testutil.Units("10"), auth)
	require.Error(t, err)
	assert.Equal(t, ir.CodeAlreadyConsumed, ir.CodeOf(err))
	assert.Equal(t, testutil.Units("10"), e.BalanceOf(bob))
	assert.Equal(t, testutil.Units("100"), e.Status(ctx).PooledBalance)
	assert.False(t, e.Ledger().IsConsumed(ctx, auth), "rejected commit rolls back the ledger")

	failed, err := e.Events(ctx, EventFilter{Kinds: []ir.Kind{ir.KindWithdrawalFailed}})
	require.NoError(t, err)
	require.Len(t, failed, 1)
	assert.Equal(t, string(ir.CodeAlreadyConsumed), failed[0].Fields.Str(ir.FieldReason))
}

func TestReentrantWithdrawThroughReceiver(t *testing.T) {
	e := newMemoryEngine(t)
	ctx := context.Background()
	require.NoError(t, e.Deposit(ctx, alice, testutil.Units("100")))
	auth := testutil.AuthID("once")

	var inner error
	e.Bank().SetReceiver(bob, func(ctx context.Context, from common.Address, amount *uint256.Int) error {
		inner = e.Withdraw(ctx, bob, testutil.Units("10"), auth)
		return nil
	})

	require.NoError(t, e.Withdraw(ctx, bob, testutil.Units("10"), auth))
	assert.True(t, ir.IsReplay(inner), "re-entrant call must see the consumed id, got %v", inner)
	assert.Equal(t, testutil.Units("20"), e.BalanceOf(bob))
	assert.Equal(t, testutil.Units("90"), e.Status(ctx).PooledBalance)

	result, err := e.Replay(ctx)
	require.NoError(t, err)
	assert.True(t, result.OK(), "violations: %v", result.Violations)
}

func TestSubscribeReceivesCommittedEvents(t *testing.T) {
	e := newMemoryEngine(t)
	ch := make(chan ir.Event, 16)
	sub := e.Subscribe(ch)
	defer sub.Unsubscribe()

	require.NoError(t, e.Deposit(context.Background(), alice, testutil.Units("5")))

	moved := <-ch
	assert.Equal(t, ir.KindValueTransferred, moved.Kind)
	assert.Equal(t, int64(1), moved.Seq)
	assert.Equal(t, "op-1", moved.OperationID)
	assert.NotEmpty(t, moved.ID)

	recorded := <-ch
	assert.Equal(t, ir.KindDepositRecorded, recorded.Kind)
	assert.Equal(t, "op-1", recorded.OperationID)
}

func TestEventsFilter(t *testing.T) {
	for _, durable := range []bool{false, true} {
		name := "memory"
		if durable {
			name = "durable"
		}
		t.Run(name, func(t *testing.T) {
			var e *Engine
			if durable {
				e, _ = newDurableEngine(t)
			} else {
				e = newMemoryEngine(t)
			}
			ctx := context.Background()
			require.NoError(t, e.Deposit(ctx, alice, testutil.Units("50")))
			require.NoError(t, e.Withdraw(ctx, bob, testutil.Units("5"), testutil.AuthID("f")))

			all, err := e.Events(ctx, EventFilter{})
			require.NoError(t, err)
			assert.Len(t, all, 7)

			op2, err := e.Events(ctx, EventFilter{OperationID: "op-2"})
			require.NoError(t, err)
			assert.Len(t, op2, 5)

			consumed, err := e.Events(ctx, EventFilter{Kinds: []ir.Kind{ir.KindAuthorizationConsumed}})
			require.NoError(t, err)
			require.Len(t, consumed, 1)
			assert.Equal(t, ir.HashValue(testutil.AuthID("f")), consumed[0].Fields[ir.FieldAuthID])

			ids, err := e.ConsumedIDs(ctx)
			require.NoError(t, err)
			assert.Equal(t, []common.Hash{testutil.AuthID("f")}, ids)
		})
	}
}

func TestReopenAfterReentrantDeposit(t *testing.T) {
	ctx := context.Background()
	e, path := newDurableEngine(t)
	carol := testutil.Addr(3)
	require.NoError(t, e.Deposit(ctx, alice, testutil.Units("5")))

	// carol starts with nothing and deposits what she is paid before the
	// withdrawal that pays her has finished.
	var inner error
	e.Bank().SetReceiver(carol, func(ctx context.Context, _ common.Address, amount *uint256.Int) error {
		inner = e.Deposit(ctx, carol, amount)
		return nil
	})
	require.NoError(t, e.Withdraw(ctx, carol, testutil.Units("1"), testutil.AuthID("pay-carol")))
	require.NoError(t, inner)
	before := e.Status(ctx)
	require.NoError(t, e.Close())

	reopened := openEngine(t, testConfig(path))
	after := reopened.Status(ctx)
	assert.Equal(t, testutil.Units("5"), after.PooledBalance)
	assert.Equal(t, before.PooledBalance, after.PooledBalance)
	assert.Equal(t, before.TotalDeposited, after.TotalDeposited)
	assert.Equal(t, after.PooledBalance, after.VaultBalance)
	assert.True(t, reopened.BalanceOf(carol).IsZero())

	result, err := reopened.Replay(ctx)
	require.NoError(t, err)
	assert.True(t, result.OK(), "violations: %v", result.Violations)
}

func TestDepositWaitsForWithdrawalInFlight(t *testing.T) {
	e := newMemoryEngine(t)
	ctx := context.Background()
	carol := testutil.Addr(3)
	require.NoError(t, e.Deposit(ctx, alice, testutil.Units("5")))
	supply := e.Bank().Total()

	entered := make(chan struct{})
	release := make(chan struct{})
	e.Bank().SetReceiver(carol, func(context.Context, common.Address, *uint256.Int) error {
		close(entered)
		<-release
		return errors.New("carol rejects the payment")
	})

	withdrawn := make(chan error, 1)
	go func() {
		withdrawn <- e.Withdraw(ctx, carol, testutil.Units("1"), testutil.AuthID("w"))
	}()
	<-entered

	deposited := make(chan error, 1)
	go func() {
		deposited <- e.Deposit(ctx, alice, testutil.Units("2"))
	}()
	select {
	case err := <-deposited:
		t.Fatalf("deposit finished while a withdrawal was in flight: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	assert.ErrorIs(t, <-withdrawn, ir.ErrTransferFailed)
	require.NoError(t, <-deposited)

	st := e.Status(ctx)
	assert.Equal(t, testutil.Units("7"), st.PooledBalance)
	assert.Equal(t, st.PooledBalance, st.VaultBalance)
	assert.Equal(t, supply, e.Bank().Total(), "no value created or destroyed")
	assert.True(t, e.BalanceOf(carol).IsZero())

	result, err := e.Replay(ctx)
	require.NoError(t, err)
	assert.True(t, result.OK(), "violations: %v", result.Violations)
}
