package vault

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/custody/internal/authledger"
	"github.com/roach88/custody/internal/bank"
	"github.com/roach88/custody/internal/ir"
	"github.com/roach88/custody/internal/journal"
	"github.com/roach88/custody/internal/testutil"
)

var (
	self    = testutil.Addr(0xfe)
	issuer  = testutil.Addr(0x1001)
	alice   = testutil.Addr(0xa)
	bob     = testutil.Addr(0xb)
	carol   = testutil.Addr(0xc)
	units   = testutil.Units
	authID  = testutil.AuthID
	nothing = new(uint256.Int)
)

type fixture struct {
	vault  *Vault
	ledger *authledger.Ledger
	rec    *testutil.Recorder
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	rec := testutil.NewRecorder()
	ledger := authledger.New(issuer, authledger.WithSink(rec))
	v, err := New(self, ledger, append([]Option{WithSink(rec)}, opts...)...)
	require.NoError(t, err)
	return &fixture{vault: v, ledger: ledger, rec: rec}
}

// spyGate records calls and answers with a fixed result.
type spyGate struct {
	calls int
	ok    bool
	err   error
	last  ir.AuthorizationRequest
}

func (g *spyGate) Consume(_ context.Context, _ common.Address, req ir.AuthorizationRequest) (bool, error) {
	g.calls++
	g.last = req
	return g.ok, g.err
}

type transferFunc func(ctx context.Context, from, to common.Address, amount *uint256.Int) error

func (f transferFunc) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	return f(ctx, from, to, amount)
}

func TestNewRequiresGate(t *testing.T) {
	v, err := New(self, nil)
	assert.Nil(t, v)
	assert.Equal(t, ir.CodeInvalidConfiguration, ir.CodeOf(err))
}

func TestDeposit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.vault.Deposit(ctx, alice, units("2")))
	require.NoError(t, f.vault.Deposit(ctx, alice, units("0.5")))

	assert.Equal(t, units("2.5"), f.vault.PooledBalance(ctx))
	assert.Equal(t, units("2.5"), f.vault.TotalDeposited(ctx))
	assert.Equal(t, units("2.5"), f.vault.DepositedBy(ctx, alice))
	assert.Equal(t, nothing, f.vault.DepositedBy(ctx, bob))

	events := f.rec.Events()
	require.Len(t, events, 2)
	assert.Equal(t, ir.KindDepositRecorded, events[1].Kind)
	assert.Equal(t, "500000000000000000", events[1].Fields.Str(ir.FieldAmount))
	assert.Equal(t, "2500000000000000000", events[1].Fields.Str(ir.FieldPooledBalance))
}

func TestDepositRejectsZero(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.vault.Deposit(ctx, alice, nothing), ir.ErrInvalidAmount)
	assert.ErrorIs(t, f.vault.Deposit(ctx, alice, nil), ir.ErrInvalidAmount)
	assert.True(t, f.vault.PooledBalance(ctx).IsZero())
	assert.Empty(t, f.rec.Events())
}

func TestDepositOverflowFailsLoudly(t *testing.T) {
	full := new(uint256.Int).SetAllOne()
	f := newFixture(t, WithState(State{PooledBalance: full, TotalDeposited: full}))
	ctx := context.Background()

	err := f.vault.Deposit(ctx, alice, uint256.NewInt(1))

	assert.Equal(t, ir.CodeArithmeticOverflow, ir.CodeOf(err))
	assert.Equal(t, full, f.vault.PooledBalance(ctx), "never wraps")
}

// Deposit 2.0 from A, withdraw 1.0 to B with X, then replay X.
func TestScenarioDepositWithdrawReplay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.vault.Deposit(ctx, alice, units("2.0")))
	require.NoError(t, f.vault.Withdraw(ctx, bob, units("1.0"), authID("X")))
	assert.Equal(t, units("1.0"), f.vault.TotalDeposited(ctx))

	err := f.vault.Withdraw(ctx, bob, units("1.0"), authID("X"))
	assert.True(t, ir.IsReplay(err), "got %v", err)
	assert.Equal(t, units("1.0"), f.vault.TotalDeposited(ctx))
	assert.Equal(t, units("1.0"), f.vault.PooledBalance(ctx))

	assert.Equal(t, []ir.Kind{
		ir.KindDepositRecorded,
		ir.KindWithdrawalRequested,
		ir.KindAuthorizationVerified,
		ir.KindAuthorizationConsumed,
		ir.KindWithdrawalExecuted,
		ir.KindWithdrawalFailed,
	}, f.rec.Kinds())
	failed := f.rec.Events()[5]
	assert.Equal(t, string(ir.CodeAlreadyConsumed), failed.Fields.Str(ir.FieldReason))
}

// Deposit 1.0, withdraw 2.0 with Y: insufficient balance, Y untouched.
func TestScenarioOverWithdraw(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.vault.Deposit(ctx, alice, units("1.0")))
	err := f.vault.Withdraw(ctx, bob, units("2.0"), authID("Y"))

	assert.ErrorIs(t, err, ir.ErrInsufficientBalance)
	assert.Equal(t, units("1.0"), f.vault.TotalDeposited(ctx))
	assert.False(t, f.ledger.IsConsumed(ctx, authID("Y")))
}

// Deposits from A and C, two withdrawals with M1 and M2.
func TestScenarioMultiParty(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.vault.Deposit(ctx, alice, units("1.0")))
	require.NoError(t, f.vault.Deposit(ctx, carol, units("2.0")))
	assert.Equal(t, units("3.0"), f.vault.TotalDeposited(ctx))

	require.NoError(t, f.vault.Withdraw(ctx, bob, units("0.5"), authID("M1")))
	require.NoError(t, f.vault.Withdraw(ctx, bob, units("1.5"), authID("M2")))

	assert.Equal(t, units("1.0"), f.vault.TotalDeposited(ctx))
	assert.True(t, f.ledger.IsConsumed(ctx, authID("M1")))
	assert.True(t, f.ledger.IsConsumed(ctx, authID("M2")))
	for _, id := range []string{"M1", "M2"} {
		err := f.vault.Withdraw(ctx, bob, units("0.1"), authID(id))
		assert.True(t, ir.IsReplay(err), id)
	}
	assert.Equal(t, units("1.0"), f.vault.DepositedBy(ctx, alice), "depositor ledger never decremented")
	assert.Equal(t, units("2.0"), f.vault.DepositedBy(ctx, carol))
}

func TestWithdrawValidationOrder(t *testing.T) {
	tests := []struct {
		name      string
		recipient common.Address
		amount    *uint256.Int
		code      ir.ErrorCode
	}{
		{"zero recipient beats zero amount", common.Address{}, nothing, ir.CodeInvalidRecipient},
		{"zero amount beats balance", bob, nothing, ir.CodeInvalidAmount},
		{"balance checked before gate", bob, units("5"), ir.CodeInsufficientBalance},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gate := &spyGate{ok: true}
			v, err := New(self, gate)
			require.NoError(t, err)
			ctx := context.Background()
			require.NoError(t, v.Deposit(ctx, alice, units("1")))

			err = v.Withdraw(ctx, tt.recipient, tt.amount, authID("Z"))

			assert.Equal(t, tt.code, ir.CodeOf(err))
			assert.Zero(t, gate.calls, "gate never reached")
			assert.Equal(t, units("1"), v.TotalDeposited(ctx))
		})
	}
}

func TestWithdrawPresentsSelfToGate(t *testing.T) {
	gate := &spyGate{ok: true}
	v, err := New(self, gate, WithNetworkID(42))
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, v.Deposit(ctx, alice, units("1")))

	require.NoError(t, v.Withdraw(ctx, bob, units("1"), authID("Z")))

	assert.Equal(t, 1, gate.calls)
	assert.Equal(t, ir.AuthorizationRequest{
		Vault:     self,
		NetworkID: 42,
		Recipient: bob,
		Amount:    units("1"),
		AuthID:    authID("Z"),
	}, gate.last)
}

func TestWithdrawGateAnswers(t *testing.T) {
	tests := []struct {
		name string
		gate *spyGate
		code ir.ErrorCode
	}{
		{"false without reason", &spyGate{ok: false}, ir.CodeAuthorizationRejected},
		{"plain error", &spyGate{err: errors.New("policy engine down")}, ir.CodeAuthorizationRejected},
		{"coded error propagates", &spyGate{err: ir.Errorf(ir.CodeCallerMismatch, "nope")}, ir.CodeCallerMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v, err := New(self, tt.gate)
			require.NoError(t, err)
			ctx := context.Background()
			require.NoError(t, v.Deposit(ctx, alice, units("1")))

			err = v.Withdraw(ctx, bob, units("1"), authID("Z"))

			assert.Equal(t, tt.code, ir.CodeOf(err))
			assert.Equal(t, units("1"), v.PooledBalance(ctx))
		})
	}
}

func TestWithdrawTransferFailureRollsBackEverything(t *testing.T) {
	boom := errors.New("recipient cannot accept value")
	f := newFixture(t, WithTransferer(transferFunc(func(context.Context, common.Address, common.Address, *uint256.Int) error {
		return boom
	})))
	ctx := context.Background()
	require.NoError(t, f.vault.Deposit(ctx, alice, units("2")))

	err := f.vault.Withdraw(ctx, bob, units("1"), authID("T"))

	assert.ErrorIs(t, err, ir.ErrTransferFailed)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, units("2"), f.vault.PooledBalance(ctx))
	assert.Equal(t, units("2"), f.vault.TotalDeposited(ctx))
	assert.False(t, f.ledger.IsConsumed(ctx, authID("T")), "consumption rolled back too")
	assert.Equal(t, []ir.Kind{ir.KindDepositRecorded, ir.KindWithdrawalFailed}, f.rec.Kinds())
}

func TestAccountingUpdatedBeforeTransfer(t *testing.T) {
	var f *fixture
	var seenPooled, seenTotal, seenOutside *uint256.Int
	var seenConsumed, seenConsumedOutside bool
	f = newFixture(t, WithTransferer(transferFunc(func(ctx context.Context, _, _ common.Address, _ *uint256.Int) error {
		seenPooled = f.vault.PooledBalance(ctx)
		seenTotal = f.vault.TotalDeposited(ctx)
		seenConsumed = f.ledger.IsConsumed(ctx, authID("R"))
		seenConsumedOutside = f.ledger.IsConsumed(context.Background(), authID("R"))
		seenOutside = f.vault.PooledBalance(context.Background())
		return nil
	})))
	ctx := context.Background()
	require.NoError(t, f.vault.Deposit(ctx, alice, units("3")))

	require.NoError(t, f.vault.Withdraw(ctx, bob, units("1"), authID("R")))

	assert.Equal(t, units("2"), seenPooled)
	assert.Equal(t, units("2"), seenTotal)
	assert.True(t, seenConsumed)
	assert.False(t, seenConsumedOutside, "consumption in flight is hidden from other callers")
	assert.Equal(t, units("3"), seenOutside, "outsiders see only committed state")
}

func TestReentrantWithdrawSameAuthFails(t *testing.T) {
	var f *fixture
	var reentryErr error
	f = newFixture(t, WithTransferer(transferFunc(func(ctx context.Context, _, to common.Address, amount *uint256.Int) error {
		reentryErr = f.vault.Withdraw(ctx, to, amount, authID("R"))
		return nil // swallow, as a malicious receiver would
	})))
	ctx := context.Background()
	require.NoError(t, f.vault.Deposit(ctx, alice, units("3")))

	require.NoError(t, f.vault.Withdraw(ctx, bob, units("1"), authID("R")))

	assert.True(t, ir.IsReplay(reentryErr), "got %v", reentryErr)
	assert.Equal(t, units("2"), f.vault.PooledBalance(ctx), "paid exactly once")
	assert.Equal(t, units("2"), f.vault.TotalDeposited(ctx))
	assert.Equal(t, []ir.Kind{
		ir.KindDepositRecorded,
		ir.KindWithdrawalRequested,
		ir.KindAuthorizationVerified,
		ir.KindAuthorizationConsumed,
		ir.KindWithdrawalFailed, // the re-entrant attempt
		ir.KindWithdrawalExecuted,
	}, f.rec.Kinds())
}

func TestReentrantWithdrawDifferentAuthSeesReducedBalance(t *testing.T) {
	var f *fixture
	var reentryErr error
	depth := 0
	f = newFixture(t, WithTransferer(transferFunc(func(ctx context.Context, _, to common.Address, _ *uint256.Int) error {
		depth++
		if depth == 1 {
			reentryErr = f.vault.Withdraw(ctx, to, units("1.5"), authID("R2"))
		}
		return nil
	})))
	ctx := context.Background()
	require.NoError(t, f.vault.Deposit(ctx, alice, units("2")))

	require.NoError(t, f.vault.Withdraw(ctx, bob, units("1"), authID("R1")))

	assert.ErrorIs(t, reentryErr, ir.ErrInsufficientBalance)
	assert.False(t, f.ledger.IsConsumed(ctx, authID("R2")))
	assert.Equal(t, units("1"), f.vault.PooledBalance(ctx))
}

func TestReentrantFailurePropagatedRevertsOuter(t *testing.T) {
	var f *fixture
	f = newFixture(t, WithTransferer(transferFunc(func(ctx context.Context, _, to common.Address, amount *uint256.Int) error {
		return f.vault.Withdraw(ctx, to, amount, authID("P"))
	})))
	ctx := context.Background()
	require.NoError(t, f.vault.Deposit(ctx, alice, units("2")))

	err := f.vault.Withdraw(ctx, bob, units("1"), authID("P"))

	assert.ErrorIs(t, err, ir.ErrTransferFailed)
	assert.Equal(t, units("2"), f.vault.PooledBalance(ctx))
	assert.False(t, f.ledger.IsConsumed(ctx, authID("P")))
}

func TestSinkFailureRevertsWithdrawal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.vault.Deposit(ctx, alice, units("2")))

	f.rec.FailWith(errors.New("log unavailable"))
	err := f.vault.Withdraw(ctx, bob, units("1"), authID("S"))
	f.rec.FailWith(nil)

	assert.Error(t, err)
	assert.Equal(t, units("2"), f.vault.TotalDeposited(ctx))
	assert.False(t, f.ledger.IsConsumed(ctx, authID("S")))
}

func TestWithBankPooledMatchesPhysicalBalance(t *testing.T) {
	bk := bank.New(map[common.Address]*uint256.Int{self: units("3")})
	f := newFixture(t, WithTransferer(bk), WithState(State{
		PooledBalance:  units("3"),
		TotalDeposited: units("3"),
	}))
	ctx := context.Background()

	require.NoError(t, f.vault.Withdraw(ctx, bob, units("1"), authID("B1")))
	assert.Equal(t, bk.BalanceOf(self), f.vault.PooledBalance(ctx))
	assert.Equal(t, units("1"), bk.BalanceOf(bob))

	bk.SetReceiver(carol, func(context.Context, common.Address, *uint256.Int) error {
		return errors.New("reject")
	})
	err := f.vault.Withdraw(ctx, carol, units("1"), authID("B2"))
	assert.ErrorIs(t, err, ir.ErrTransferFailed)
	assert.Equal(t, bk.BalanceOf(self), f.vault.PooledBalance(ctx))
}

func TestTotalDepositedCannotGoNegative(t *testing.T) {
	// Value that reached the vault outside Deposit raises pooled balance only.
	f := newFixture(t, WithState(State{PooledBalance: units("2"), TotalDeposited: units("1")}))
	ctx := context.Background()

	err := f.vault.Withdraw(ctx, bob, units("2"), authID("N"))

	assert.Equal(t, ir.CodeArithmeticOverflow, ir.CodeOf(err))
	assert.Equal(t, units("1"), f.vault.TotalDeposited(ctx))
	assert.False(t, f.ledger.IsConsumed(ctx, authID("N")))
}

func TestConcurrentWithdrawalsSameAuthPayOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.vault.Deposit(ctx, alice, units("10")))

	var wg sync.WaitGroup
	var mu sync.Mutex
	successes := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.vault.Withdraw(ctx, bob, units("1"), authID("C")) == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, successes)
	assert.Equal(t, units("9"), f.vault.TotalDeposited(ctx))
}

func TestStateSnapshotIsCopy(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	require.NoError(t, f.vault.Deposit(ctx, alice, units("1")))

	st := f.vault.State(ctx)
	st.PooledBalance.SetUint64(0)
	st.Depositors[alice].SetUint64(0)

	assert.Equal(t, units("1"), f.vault.PooledBalance(ctx))
	assert.Equal(t, units("1"), f.vault.DepositedBy(ctx, alice))
}

// custody wires a vault to a bank the way a deployment does: deposits move
// bank funds in the same operation that credits the vault.
type custody struct {
	vault *Vault
	bank  *bank.Bank
	rec   *testutil.Recorder
}

func newCustody(t *testing.T, genesis map[common.Address]*uint256.Int) *custody {
	t.Helper()
	rec := testutil.NewRecorder()
	bk := bank.New(genesis)
	ledger := authledger.New(issuer, authledger.WithSink(rec))
	v, err := New(self, ledger, WithSink(rec), WithTransferer(bk))
	require.NoError(t, err)
	return &custody{vault: v, bank: bk, rec: rec}
}

func (c *custody) deposit(ctx context.Context, from common.Address, amount *uint256.Int) error {
	return journal.Run(ctx, c.rec, func(ctx context.Context) error {
		c.vault.Hold(ctx)
		if err := c.bank.Transfer(ctx, from, self, amount); err != nil {
			return err
		}
		return c.vault.Deposit(ctx, from, amount)
	})
}

func (c *custody) checkInvariants(t *testing.T, deposited, withdrawn, supply *uint256.Int) {
	t.Helper()
	ctx := context.Background()
	require.False(t, deposited.Lt(withdrawn), "withdrawn %s exceeds deposited %s", withdrawn.Dec(), deposited.Dec())
	net := new(uint256.Int).Sub(deposited, withdrawn)
	require.Equal(t, net, c.vault.TotalDeposited(ctx), "totalDeposited is deposits minus withdrawals")
	require.Equal(t, c.bank.BalanceOf(self), c.vault.PooledBalance(ctx), "pooled balance matches the bank")
	require.Equal(t, supply, c.bank.Total(), "supply conserved")
}

func TestAccountingInvariantOverRandomSequences(t *testing.T) {
	parties := []common.Address{alice, bob, carol}
	for seed := int64(1); seed <= 25; seed++ {
		t.Run(fmt.Sprintf("seed=%d", seed), func(t *testing.T) {
			rng := rand.New(rand.NewSource(seed))
			genesis := map[common.Address]*uint256.Int{}
			for _, p := range parties {
				genesis[p] = units("100")
			}
			c := newCustody(t, genesis)
			supply := c.bank.Total()

			rejecting := false
			c.bank.SetReceiver(carol, func(context.Context, common.Address, *uint256.Int) error {
				if rejecting {
					return errors.New("carol is not accepting")
				}
				return nil
			})

			ctx := context.Background()
			deposited, withdrawn := new(uint256.Int), new(uint256.Int)
			var used []common.Hash
			for step := 0; step < 60; step++ {
				party := parties[rng.Intn(len(parties))]
				amount := units(strconv.Itoa(1 + rng.Intn(30)))
				rejecting = rng.Intn(4) == 0

				if rng.Intn(2) == 0 {
					if c.deposit(ctx, party, amount) == nil {
						deposited.Add(deposited, amount)
					}
				} else {
					auth := authID(fmt.Sprintf("seed-%d-step-%d", seed, step))
					if len(used) > 0 && rng.Intn(5) == 0 {
						auth = used[rng.Intn(len(used))]
					}
					err := c.vault.Withdraw(ctx, party, amount, auth)
					if err == nil {
						withdrawn.Add(withdrawn, amount)
						used = append(used, auth)
					} else {
						assert.NotEmpty(t, ir.CodeOf(err), "every failure is coded: %v", err)
					}
				}
				c.checkInvariants(t, deposited, withdrawn, supply)
			}
		})
	}
}

func TestInterleavedOperationsKeepAccounting(t *testing.T) {
	genesis := map[common.Address]*uint256.Int{alice: units("1000"), bob: units("1000")}
	c := newCustody(t, genesis)
	supply := c.bank.Total()
	ctx := context.Background()
	require.NoError(t, c.deposit(ctx, alice, units("100")))

	var calls atomic.Int64
	c.bank.SetReceiver(carol, func(context.Context, common.Address, *uint256.Int) error {
		if calls.Add(1)%2 == 0 {
			return errors.New("every other payment bounces")
		}
		return nil
	})

	var deposits, withdrawals atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if c.deposit(ctx, bob, units("1")) == nil {
					deposits.Add(1)
				}
			}
		}()
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				auth := authID(fmt.Sprintf("g%d-%d", i, j))
				if c.vault.Withdraw(ctx, carol, units("1"), auth) == nil {
					withdrawals.Add(1)
				}
			}
		}(i)
	}
	wg.Wait()

	deposited := new(uint256.Int).Add(units("100"), units(strconv.FormatInt(deposits.Load(), 10)))
	withdrawn := units(strconv.FormatInt(withdrawals.Load(), 10))
	assert.Equal(t, int64(160), deposits.Load())
	c.checkInvariants(t, deposited, withdrawn, supply)
	assert.Equal(t, withdrawn, c.bank.BalanceOf(carol))
}
