// Package bank holds native asset balances: the externally observable
// custody that a vault's accounting must match.
//
// Transfers are journaled, so a transfer made inside an operation that later
// fails is undone with it. Each movement also emits a value_transferred
// record at the moment it happens, which is what replay folds balances from. A transfer ends by handing control to the
// recipient's Receiver, if one is registered. That hand-off is the
// suspension point where arbitrary code, including re-entrant calls, runs.
package bank

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/custody/internal/ir"
	"github.com/roach88/custody/internal/journal"
)

// Receiver runs when value arrives at an address. Returning an error rejects
// the transfer.
type Receiver func(ctx context.Context, from common.Address, amount *uint256.Int) error

// Bank is an in-memory balance sheet.
type Bank struct {
	mu        sync.RWMutex
	balances  map[common.Address]*uint256.Int
	receivers map[common.Address]Receiver
	logger    *slog.Logger
}

// Option configures a Bank.
type Option func(*Bank)

// WithLogger sets the logger. Default slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(b *Bank) { b.logger = l }
}

// New creates a bank seeded with genesis balances.
func New(genesis map[common.Address]*uint256.Int, opts ...Option) *Bank {
	b := &Bank{
		balances:  make(map[common.Address]*uint256.Int, len(genesis)),
		receivers: make(map[common.Address]Receiver),
		logger:    slog.Default(),
	}
	for addr, bal := range genesis {
		if bal != nil && !bal.IsZero() {
			b.balances[addr] = bal.Clone()
		}
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// BalanceOf returns a copy of addr's balance.
func (b *Bank) BalanceOf(addr common.Address) *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if bal, ok := b.balances[addr]; ok {
		return bal.Clone()
	}
	return new(uint256.Int)
}

// Total returns the sum of all balances.
func (b *Bank) Total() *uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := new(uint256.Int)
	for _, bal := range b.balances {
		total.Add(total, bal)
	}
	return total
}

// Balances returns a copy of every non-zero balance.
func (b *Bank) Balances() map[common.Address]*uint256.Int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[common.Address]*uint256.Int, len(b.balances))
	for addr, bal := range b.balances {
		out[addr] = bal.Clone()
	}
	return out
}

// SetReceiver registers r to run whenever addr receives value. A nil r
// removes the registration.
func (b *Bank) SetReceiver(addr common.Address, r Receiver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if r == nil {
		delete(b.receivers, addr)
		return
	}
	b.receivers[addr] = r
}

// Transfer moves amount from one address to another and then runs the
// recipient's Receiver with ctx. If the Receiver fails, the movement is
// undone and the error returned.
func (b *Bank) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	return journal.Run(ctx, nil, func(ctx context.Context) error {
		if err := b.move(ctx, from, to, amount); err != nil {
			return err
		}

		b.mu.RLock()
		recv := b.receivers[to]
		b.mu.RUnlock()
		if recv == nil {
			return nil
		}
		if err := recv(ctx, from, amount); err != nil {
			b.logger.Debug("transfer rejected by receiver", "from", from.Hex(), "to", to.Hex(), "amount", amount.Dec(), "error", err)
			return fmt.Errorf("receiver %s rejected transfer: %w", to.Hex(), err)
		}
		return nil
	})
}

// move debits from and credits to, then journals the movement. The undo is
// relative, so movements made meanwhile by other operations survive it.
func (b *Bank) move(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	prevFrom := b.balanceLocked(from)
	if prevFrom.Lt(amount) {
		return ir.Errorf(ir.CodeInsufficientBalance, "%s holds %s, needs %s", from.Hex(), prevFrom.Dec(), amount.Dec())
	}
	if from != to {
		nextTo, overflow := new(uint256.Int).AddOverflow(b.balanceLocked(to), amount)
		if overflow {
			return ir.Errorf(ir.CodeArithmeticOverflow, "balance of %s overflows", to.Hex())
		}
		b.setLocked(from, new(uint256.Int).Sub(prevFrom, amount))
		b.setLocked(to, nextTo)
	}

	journal.OnRevert(ctx, func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		b.unmoveLocked(from, to, amount)
	})
	journal.Emit(ctx, ir.NewEvent(ir.KindValueTransferred, ir.Object{
		ir.FieldFrom:   ir.AddressValue(from),
		ir.FieldTo:     ir.AddressValue(to),
		ir.FieldAmount: ir.AmountValue(amount),
	}))
	return nil
}

func (b *Bank) unmoveLocked(from, to common.Address, amount *uint256.Int) {
	if from == to {
		return
	}
	held := b.balanceLocked(to)
	back, underflow := new(uint256.Int).SubOverflow(held, amount)
	if underflow {
		// The recipient spent the value outside any vault operation before
		// the revert. Take back what is left.
		b.logger.Error("transfer revert short of funds", "from", from.Hex(), "to", to.Hex(), "amount", amount.Dec(), "held", held.Dec())
		back, amount = new(uint256.Int), held
	}
	b.setLocked(to, back)
	b.setLocked(from, new(uint256.Int).Add(b.balanceLocked(from), amount))
}

func (b *Bank) balanceLocked(addr common.Address) *uint256.Int {
	if bal, ok := b.balances[addr]; ok {
		return bal
	}
	return new(uint256.Int)
}

func (b *Bank) setLocked(addr common.Address, bal *uint256.Int) {
	if bal.IsZero() {
		delete(b.balances, addr)
		return
	}
	b.balances[addr] = bal
}
