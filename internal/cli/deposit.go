package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// DepositOptions holds flags for the deposit command.
type DepositOptions struct {
	*RootOptions
	From   string
	Amount string
}

// DepositResult is the deposit command's output.
type DepositResult struct {
	Depositor      string `json:"depositor"`
	Amount         string `json:"amount"`
	PooledBalance  string `json:"pooled_balance"`
	TotalDeposited string `json:"total_deposited"`
	DepositedBy    string `json:"deposited_by"`
}

func (r DepositResult) String() string {
	return fmt.Sprintf("✓ Deposited %s from %s (pooled %s, total %s)",
		r.Amount, r.Depositor, r.PooledBalance, r.TotalDeposited)
}

// NewDepositCommand creates the deposit command.
func NewDepositCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DepositOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Move value from an account into the vault",
		Long: `Transfer --amount from --from into the vault and credit the depositor.

Amounts are decimal numbers in the deployment's units.

Exit codes:
  0 - Deposit recorded
  1 - Deposit rejected (INVALID_AMOUNT, INSUFFICIENT_BALANCE, ...)
  2 - Command error

Examples:
  custody deposit --config vault.yaml --from 0x...01 --amount 1.5
  custody deposit --config vault.yaml --from 0x...01 --amount 2 --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDeposit(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.From, "from", "", "depositor address (required)")
	cmd.Flags().StringVar(&opts.Amount, "amount", "", "amount to deposit (required)")
	_ = cmd.MarkFlagRequired("from")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func runDeposit(opts *DepositOptions, cmd *cobra.Command) error {
	ctx := context.Background()
	out := newFormatter(opts.RootOptions, cmd)

	from, err := parseAddress("--from", opts.From)
	if err != nil {
		return err
	}
	eng, err := openEngine(ctx, opts.RootOptions, cmd)
	if err != nil {
		return err
	}
	defer eng.Close()

	decimals := eng.Config().Decimals
	amount, err := parseAmount("--amount", opts.Amount, decimals)
	if err != nil {
		return err
	}

	if err := eng.Deposit(ctx, from, amount); err != nil {
		return out.Reject("deposit", err)
	}

	v := eng.Vault()
	return out.Success(DepositResult{
		Depositor:      from.Hex(),
		Amount:         units(amount, decimals),
		PooledBalance:  units(v.PooledBalance(ctx), decimals),
		TotalDeposited: units(v.TotalDeposited(ctx), decimals),
		DepositedBy:    units(v.DepositedBy(ctx, from), decimals),
	})
}
