// Package vault implements the Custody Vault: pooled value released only
// against a one-time authorization.
//
// # Ordering
//
// Withdraw runs checks, effects, then the interaction:
//
//  1. recipient, amount and pooled balance are validated (no external call)
//  2. the authorization gate consumes the authId
//  3. totalDeposited and pooledBalance are decremented
//  4. value is transferred to the recipient
//
// Step 4 is the only suspension point. By the time it runs, the authId is
// consumed and the accounting already reflects the withdrawal, so a
// re-entrant Withdraw with the same authId fails with ALREADY_CONSUMED and
// one with a different authId sees the reduced balance.
//
// # Atomicity
//
// Every operation runs in a journal frame. If any step fails, including the
// transfer, every mutation made by the operation is undone, the gate's
// consumption included, and a withdrawal_failed record is written in place of
// the operation's other records.
//
// # Concurrency
//
// Mutations are serialized by a per-vault lock held for the whole top-level
// operation, transfer included. Re-entrant calls made with the context handed
// to the transfer share that lock and observe the operation's working state.
// Every other query reads the view published when an operation commits and
// never blocks on an operation in flight.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/custody/internal/ir"
	"github.com/roach88/custody/internal/journal"
)

// Gate decides whether a withdrawal is authorized. The Vault trusts only the
// success or failure of the answer.
type Gate interface {
	Consume(ctx context.Context, caller common.Address, req ir.AuthorizationRequest) (bool, error)
}

// Transferer moves value out of the vault. Transfer may run arbitrary code,
// including calls back into the vault with ctx.
type Transferer interface {
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error
}

// State is the vault's accounting.
type State struct {
	PooledBalance  *uint256.Int
	TotalDeposited *uint256.Int
	Depositors     map[common.Address]*uint256.Int
}

type view struct {
	pooled     *uint256.Int
	total      *uint256.Int
	depositors map[common.Address]*uint256.Int
}

// Vault holds pooled value. Amount values stored in its fields are never
// mutated in place; updates replace them.
type Vault struct {
	mu        sync.Mutex
	self      common.Address
	networkID uint64
	gate      Gate
	transfer  Transferer
	sink      journal.Sink
	logger    *slog.Logger

	// Working state. Guarded by mu through the journal frame.
	pooled     *uint256.Int
	total      *uint256.Int
	depositors map[common.Address]*uint256.Int

	committed atomic.Pointer[view]
}

// Option configures a Vault.
type Option func(*Vault)

// WithNetworkID sets the network id presented to the gate. Default 1.
func WithNetworkID(id uint64) Option {
	return func(v *Vault) { v.networkID = id }
}

// WithTransferer sets how withdrawn value leaves the vault. Without one the
// vault keeps accounting only and every transfer succeeds.
func WithTransferer(t Transferer) Option {
	return func(v *Vault) { v.transfer = t }
}

// WithSink sets where audit records go. Default journal.Discard.
func WithSink(s journal.Sink) Option {
	return func(v *Vault) { v.sink = s }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(v *Vault) { v.logger = l }
}

// WithState starts the vault from previously committed accounting.
func WithState(s State) Option {
	return func(v *Vault) {
		if s.PooledBalance != nil {
			v.pooled = s.PooledBalance.Clone()
		}
		if s.TotalDeposited != nil {
			v.total = s.TotalDeposited.Clone()
		}
		for addr, amt := range s.Depositors {
			v.depositors[addr] = amt.Clone()
		}
	}
}

// New creates a vault at address self that authorizes withdrawals through
// gate. A nil gate is rejected with INVALID_CONFIGURATION.
func New(self common.Address, gate Gate, opts ...Option) (*Vault, error) {
	if gate == nil {
		return nil, ir.Errorf(ir.CodeInvalidConfiguration, "vault requires an authorization gate")
	}
	v := &Vault{
		self:       self,
		networkID:  1,
		gate:       gate,
		transfer:   noTransfer{},
		sink:       journal.Discard,
		logger:     slog.Default(),
		pooled:     new(uint256.Int),
		total:      new(uint256.Int),
		depositors: make(map[common.Address]*uint256.Int),
	}
	for _, opt := range opts {
		opt(v)
	}
	v.publish(true)
	return v, nil
}

// Address returns the vault's own identity.
func (v *Vault) Address() common.Address {
	return v.self
}

// NetworkID returns the network id the vault presents to its gate.
func (v *Vault) NetworkID() uint64 {
	return v.networkID
}

// Hold takes the vault lock for the operation ctx belongs to, until that
// operation ends. A caller that moves value into the vault before Deposit
// holds it first, so the movement joins the vault's serialized order. ctx
// must carry a journal frame.
func (v *Vault) Hold(ctx context.Context) {
	journal.Hold(ctx, v, &v.mu)
}

// Deposit credits amount from depositor. The value itself is assumed to have
// arrived with the call. A zero amount is rejected.
func (v *Vault) Deposit(ctx context.Context, depositor common.Address, amount *uint256.Int) error {
	err := journal.Run(ctx, v.sink, func(ctx context.Context) error {
		return v.deposit(ctx, depositor, amount)
	})
	if err != nil {
		v.logger.Debug("deposit rejected", "depositor", depositor.Hex(), "code", ir.CodeOf(err), "error", err)
		return err
	}
	v.logger.Info("deposit recorded", "vault", v.self.Hex(), "depositor", depositor.Hex(), "amount", amount.Dec())
	return nil
}

func (v *Vault) deposit(ctx context.Context, depositor common.Address, amount *uint256.Int) error {
	if amount == nil || amount.IsZero() {
		return ir.Errorf(ir.CodeInvalidAmount, "deposit amount must be positive")
	}
	v.Hold(ctx)

	pooled, overflowPooled := new(uint256.Int).AddOverflow(v.pooled, amount)
	total, overflowTotal := new(uint256.Int).AddOverflow(v.total, amount)
	prevDeposited := v.depositors[depositor]
	deposited, overflowDeposited := new(uint256.Int).AddOverflow(orZero(prevDeposited), amount)
	if overflowPooled || overflowTotal || overflowDeposited {
		return ir.Errorf(ir.CodeArithmeticOverflow, "deposit of %s overflows vault accounting", amount.Dec())
	}

	prevPooled, prevTotal := v.pooled, v.total
	v.pooled, v.total = pooled, total
	v.depositors[depositor] = deposited
	journal.OnRevert(ctx, func() {
		v.pooled, v.total = prevPooled, prevTotal
		if prevDeposited == nil {
			delete(v.depositors, depositor)
		} else {
			v.depositors[depositor] = prevDeposited
		}
	})
	journal.OnCommit(ctx, func() { v.publish(true) })

	journal.Emit(ctx, ir.NewEvent(ir.KindDepositRecorded, ir.Object{
		ir.FieldDepositor:     ir.AddressValue(depositor),
		ir.FieldAmount:        ir.AmountValue(amount),
		ir.FieldPooledBalance: ir.AmountValue(pooled),
	}))
	return nil
}

// Withdraw releases amount to recipient against authID. See the package
// documentation for the order of checks and effects. On failure nothing
// changes and the returned *ir.Error names the reason.
func (v *Vault) Withdraw(ctx context.Context, recipient common.Address, amount *uint256.Int, authID common.Hash) error {
	err := journal.Run(ctx, v.sink, func(ctx context.Context) error {
		return v.withdraw(ctx, recipient, amount, authID)
	})
	if err != nil {
		v.recordFailure(ctx, recipient, amount, authID, err)
		v.logger.Info("withdrawal failed",
			"vault", v.self.Hex(),
			"recipient", recipient.Hex(),
			"auth_id", authID.Hex(),
			"code", ir.CodeOf(err),
			"reentrant", journal.Depth(ctx) >= 0)
		return err
	}
	v.logger.Info("withdrawal executed",
		"vault", v.self.Hex(),
		"recipient", recipient.Hex(),
		"amount", amount.Dec(),
		"auth_id", authID.Hex())
	return nil
}

func (v *Vault) withdraw(ctx context.Context, recipient common.Address, amount *uint256.Int, authID common.Hash) error {
	if recipient == (common.Address{}) {
		return ir.Errorf(ir.CodeInvalidRecipient, "recipient is the zero address")
	}
	if amount == nil || amount.IsZero() {
		return ir.Errorf(ir.CodeInvalidAmount, "withdrawal amount must be positive")
	}
	v.Hold(ctx)
	if v.pooled.Lt(amount) {
		return ir.Errorf(ir.CodeInsufficientBalance, "pooled balance %s is below %s", v.pooled.Dec(), amount.Dec())
	}

	req := ir.AuthorizationRequest{
		Vault:     v.self,
		NetworkID: v.networkID,
		Recipient: recipient,
		Amount:    amount,
		AuthID:    authID,
	}
	journal.Emit(ctx, ir.NewEvent(ir.KindWithdrawalRequested, withdrawalFields(recipient, amount, authID)))

	ok, err := v.gate.Consume(ctx, v.self, req)
	if err != nil {
		if ir.CodeOf(err) != "" {
			return err
		}
		return ir.WrapError(ir.CodeAuthorizationRejected, err, "authorization gate failed")
	}
	if !ok {
		return ir.Errorf(ir.CodeAuthorizationRejected, "authorization %s rejected", authID.Hex())
	}

	// Effects. totalDeposited is a net figure and may be below pooled balance
	// if value reached the vault outside Deposit; it must never go negative.
	if v.total.Lt(amount) {
		return ir.Errorf(ir.CodeArithmeticOverflow, "total deposited %s would go below zero", v.total.Dec())
	}
	prevPooled, prevTotal := v.pooled, v.total
	v.total = new(uint256.Int).Sub(prevTotal, amount)
	v.pooled = new(uint256.Int).Sub(prevPooled, amount)
	journal.OnRevert(ctx, func() { v.pooled, v.total = prevPooled, prevTotal })
	journal.OnCommit(ctx, func() { v.publish(false) })

	// Interaction.
	if err := v.transfer.Transfer(ctx, v.self, recipient, amount); err != nil {
		return ir.WrapError(ir.CodeTransferFailed, err, fmt.Sprintf("transfer of %s to %s", amount.Dec(), recipient.Hex()))
	}

	journal.Emit(ctx, ir.NewEvent(ir.KindWithdrawalExecuted, withdrawalFields(recipient, amount, authID)))
	return nil
}

// recordFailure writes a withdrawal_failed record after the failed operation
// was rolled back. Inside an enclosing operation the record joins that
// operation's batch.
func (v *Vault) recordFailure(ctx context.Context, recipient common.Address, amount *uint256.Int, authID common.Hash, cause error) {
	reason := string(ir.CodeOf(cause))
	if reason == "" {
		reason = "UNKNOWN"
	}
	fields := withdrawalFields(recipient, amount, authID)
	fields[ir.FieldReason] = ir.String(reason)

	err := journal.Run(ctx, v.sink, func(ctx context.Context) error {
		journal.Emit(ctx, ir.NewEvent(ir.KindWithdrawalFailed, fields))
		return nil
	})
	if err != nil {
		v.logger.Warn("could not record withdrawal failure", "auth_id", authID.Hex(), "error", err)
	}
}

func withdrawalFields(recipient common.Address, amount *uint256.Int, authID common.Hash) ir.Object {
	return ir.Object{
		ir.FieldRecipient: ir.AddressValue(recipient),
		ir.FieldAmount:    ir.AmountValue(orZero(amount)),
		ir.FieldAuthID:    ir.HashValue(authID),
	}
}

// publish makes the working state visible to queries. Called with mu held.
func (v *Vault) publish(depositorsChanged bool) {
	next := &view{pooled: v.pooled, total: v.total}
	if prev := v.committed.Load(); prev != nil && !depositorsChanged {
		next.depositors = prev.depositors
	} else {
		next.depositors = maps.Clone(v.depositors)
	}
	v.committed.Store(next)
}

// current returns the state a caller with ctx may observe: the working state
// when ctx belongs to the operation holding the vault lock (a re-entrant
// call), the last committed view otherwise.
func (v *Vault) current(ctx context.Context) *view {
	if journal.Holds(ctx, v) {
		return &view{pooled: v.pooled, total: v.total, depositors: v.depositors}
	}
	return v.committed.Load()
}

// PooledBalance returns the pooled balance.
func (v *Vault) PooledBalance(ctx context.Context) *uint256.Int {
	return v.current(ctx).pooled.Clone()
}

// TotalDeposited returns the net accounting figure.
func (v *Vault) TotalDeposited(ctx context.Context) *uint256.Int {
	return v.current(ctx).total.Clone()
}

// DepositedBy returns the cumulative amount depositor has deposited.
func (v *Vault) DepositedBy(ctx context.Context, depositor common.Address) *uint256.Int {
	return orZero(v.current(ctx).depositors[depositor]).Clone()
}

// State returns a consistent copy of the accounting.
func (v *Vault) State(ctx context.Context) State {
	cur := v.current(ctx)
	deps := make(map[common.Address]*uint256.Int, len(cur.depositors))
	for addr, amt := range cur.depositors {
		deps[addr] = amt.Clone()
	}
	return State{
		PooledBalance:  cur.pooled.Clone(),
		TotalDeposited: cur.total.Clone(),
		Depositors:     deps,
	}
}

type noTransfer struct{}

func (noTransfer) Transfer(context.Context, common.Address, common.Address, *uint256.Int) error {
	return nil
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
