package engine

import (
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Verify checks the custody invariants of a folded state:
//   - the pooled balance equals the bank balance held by the vault
//   - totalDeposited equals deposits minus withdrawals
//   - every executed withdrawal consumed its authId
//
// It returns nil or the violations joined with errors.Join.
func Verify(st State) error {
	var errs []error

	held := orZero(st.Balances[st.VaultAddress])
	if !st.Vault.PooledBalance.Eq(held) {
		errs = append(errs, newInvariantError(ErrCodePooledMismatch,
			"pooled balance differs from the vault's bank balance",
			map[string]string{"pooled": st.Vault.PooledBalance.Dec(), "held": held.Dec()}))
	}

	net, underflow := new(uint256.Int).SubOverflow(st.Deposited, st.Withdrawn)
	if underflow || !st.Vault.TotalDeposited.Eq(net) {
		errs = append(errs, newInvariantError(ErrCodeTotalMismatch,
			"total deposited differs from deposits minus withdrawals",
			map[string]string{
				"total":     st.Vault.TotalDeposited.Dec(),
				"deposited": st.Deposited.Dec(),
				"withdrawn": st.Withdrawn.Dec(),
			}))
	}

	consumed := make(map[common.Hash]struct{}, len(st.Consumed))
	for _, id := range st.Consumed {
		consumed[id] = struct{}{}
	}
	for _, id := range st.Executed {
		if _, ok := consumed[id]; !ok {
			errs = append(errs, newInvariantError(ErrCodeUnconsumedWithdrawal,
				"withdrawal executed without consuming its authorization",
				map[string]string{"auth_id": id.Hex()}))
		}
	}

	return errors.Join(errs...)
}
