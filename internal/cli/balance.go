package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// BalanceResult is the balance command's output.
type BalanceResult struct {
	Address   string `json:"address"`
	Balance   string `json:"balance"`
	Deposited string `json:"deposited"`
}

func (r BalanceResult) String() string {
	return fmt.Sprintf("%s: balance %s, deposited %s", r.Address, r.Balance, r.Deposited)
}

// NewBalanceCommand creates the balance command.
func NewBalanceCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balance <address>",
		Short: "Show an account's balance and its deposits into the vault",
		Long: `Show the value an account holds and the cumulative amount it has
deposited into the vault. Withdrawals do not reduce the deposited figure.

Examples:
  custody balance --config vault.yaml 0x0000000000000000000000000000000000000001`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBalance(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runBalance(opts *RootOptions, arg string, cmd *cobra.Command) error {
	ctx := context.Background()

	addr, err := parseAddress("address", arg)
	if err != nil {
		return err
	}
	eng, err := openEngine(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer eng.Close()

	decimals := eng.Config().Decimals
	return newFormatter(opts, cmd).Success(BalanceResult{
		Address:   addr.Hex(),
		Balance:   units(eng.BalanceOf(addr), decimals),
		Deposited: units(eng.Vault().DepositedBy(ctx, addr), decimals),
	})
}
