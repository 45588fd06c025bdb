package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/roach88/custody/internal/bank"
	"github.com/roach88/custody/internal/ir"
	"github.com/roach88/custody/internal/journal"
	"github.com/roach88/custody/internal/vault"
)

// State is what a log of committed events adds up to.
type State struct {
	VaultAddress common.Address
	Balances     map[common.Address]*uint256.Int
	Vault        vault.State

	// Consumed lists consumed authIds in consumption order.
	Consumed []common.Hash
	// Executed lists the authIds of executed withdrawals in log order.
	Executed []common.Hash

	Deposited *uint256.Int // sum of deposit_recorded amounts
	Withdrawn *uint256.Int // sum of withdrawal_executed amounts
	Failed    int

	LastSeq int64
}

// Fold replays events over the genesis balances. It is pure: the same
// inputs always produce the same State.
//
// Balances are folded from value_transferred records only, in log order,
// which is the order the movements happened in. Vault accounting is folded
// from deposit_recorded and withdrawal_executed.
//
// Fold rejects a log whose seq numbers are not strictly increasing, whose
// stored ids do not match their content, or whose value movements are not
// possible from genesis.
func Fold(self common.Address, genesis map[common.Address]*uint256.Int, events []ir.Event) (State, error) {
	b := bank.New(genesis)
	st := State{
		VaultAddress: self,
		Vault: vault.State{
			PooledBalance:  new(uint256.Int),
			TotalDeposited: new(uint256.Int),
			Depositors:     make(map[common.Address]*uint256.Int),
		},
		Consumed:  []common.Hash{},
		Executed:  []common.Hash{},
		Deposited: new(uint256.Int),
		Withdrawn: new(uint256.Int),
	}
	consumed := make(map[common.Hash]struct{})

	for _, ev := range events {
		if ev.Seq <= st.LastSeq {
			return State{}, fmt.Errorf("seq %d after %d: log out of order", ev.Seq, st.LastSeq)
		}
		st.LastSeq = ev.Seq

		id, err := ir.EventID(ev.Kind, ev.OperationID, ev.Seq, ev.Fields)
		if err != nil {
			return State{}, fmt.Errorf("seq %d: %w", ev.Seq, err)
		}
		if id != ev.ID {
			return State{}, fmt.Errorf("seq %d: stored id %s does not match content (%s)", ev.Seq, ev.ID, id)
		}

		if err := st.apply(b, consumed, ev); err != nil {
			return State{}, fmt.Errorf("seq %d (%s): %w", ev.Seq, ev.Kind, err)
		}
	}

	st.Balances = b.Balances()
	return st, nil
}

func (st *State) apply(b *bank.Bank, consumed map[common.Hash]struct{}, ev ir.Event) error {
	switch ev.Kind {
	case ir.KindDepositRecorded:
		depositor, err := ev.Address(ir.FieldDepositor)
		if err != nil {
			return err
		}
		amount, err := ev.Amount(ir.FieldAmount)
		if err != nil {
			return err
		}
		st.Vault.PooledBalance = new(uint256.Int).Add(st.Vault.PooledBalance, amount)
		st.Vault.TotalDeposited = new(uint256.Int).Add(st.Vault.TotalDeposited, amount)
		st.Vault.Depositors[depositor] = new(uint256.Int).Add(orZero(st.Vault.Depositors[depositor]), amount)
		st.Deposited = new(uint256.Int).Add(st.Deposited, amount)

	case ir.KindWithdrawalExecuted:
		if _, err := ev.Address(ir.FieldRecipient); err != nil {
			return err
		}
		amount, err := ev.Amount(ir.FieldAmount)
		if err != nil {
			return err
		}
		authID, err := ev.Hash(ir.FieldAuthID)
		if err != nil {
			return err
		}
		if st.Vault.PooledBalance.Lt(amount) || st.Vault.TotalDeposited.Lt(amount) {
			return fmt.Errorf("withdrawal of %s exceeds vault accounting", amount.Dec())
		}
		st.Vault.PooledBalance = new(uint256.Int).Sub(st.Vault.PooledBalance, amount)
		st.Vault.TotalDeposited = new(uint256.Int).Sub(st.Vault.TotalDeposited, amount)
		st.Withdrawn = new(uint256.Int).Add(st.Withdrawn, amount)
		st.Executed = append(st.Executed, authID)

	case ir.KindAuthorizationConsumed:
		authID, err := ev.Hash(ir.FieldAuthID)
		if err != nil {
			return err
		}
		if _, dup := consumed[authID]; dup {
			return ir.Errorf(ir.CodeAlreadyConsumed, "authorization %s consumed twice", authID.Hex())
		}
		consumed[authID] = struct{}{}
		st.Consumed = append(st.Consumed, authID)

	case ir.KindValueTransferred:
		from, err := ev.Address(ir.FieldFrom)
		if err != nil {
			return err
		}
		to, err := ev.Address(ir.FieldTo)
		if err != nil {
			return err
		}
		amount, err := ev.Amount(ir.FieldAmount)
		if err != nil {
			return err
		}
		if err := move(b, from, to, amount); err != nil {
			return err
		}

	case ir.KindWithdrawalFailed:
		st.Failed++

	case ir.KindWithdrawalRequested, ir.KindAuthorizationVerified:
		// Audit only.

	default:
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return nil
}

func move(b *bank.Bank, from, to common.Address, amount *uint256.Int) error {
	return journal.Run(context.Background(), nil, func(ctx context.Context) error {
		return b.Transfer(ctx, from, to, amount)
	})
}

func orZero(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return v
}
