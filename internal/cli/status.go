package cli

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"
)

// StatusResult is the status command's output.
type StatusResult struct {
	Vault          string            `json:"vault"`
	Issuer         string            `json:"issuer"`
	NetworkID      uint64            `json:"network_id"`
	PooledBalance  string            `json:"pooled_balance"`
	TotalDeposited string            `json:"total_deposited"`
	VaultBalance   string            `json:"vault_balance"`
	Consumed       int               `json:"consumed"`
	LastSeq        int64             `json:"last_seq"`
	Depositors     map[string]string `json:"depositors"`
}

func (r StatusResult) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Vault:           %s (network %d)\n", r.Vault, r.NetworkID)
	fmt.Fprintf(&b, "Issuer:          %s\n", r.Issuer)
	fmt.Fprintf(&b, "Pooled balance:  %s\n", r.PooledBalance)
	fmt.Fprintf(&b, "Total deposited: %s\n", r.TotalDeposited)
	fmt.Fprintf(&b, "Vault holds:     %s\n", r.VaultBalance)
	fmt.Fprintf(&b, "Consumed auths:  %d\n", r.Consumed)
	fmt.Fprintf(&b, "Last seq:        %d", r.LastSeq)

	addrs := make([]string, 0, len(r.Depositors))
	for a := range r.Depositors {
		addrs = append(addrs, a)
	}
	sort.Strings(addrs)
	for _, a := range addrs {
		fmt.Fprintf(&b, "\n  %s deposited %s", a, r.Depositors[a])
	}
	return b.String()
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the vault's committed state",
		Long: `Show the vault's pooled balance, net total deposited, per-depositor
totals and how many authorizations have been consumed.

Examples:
  custody status --config vault.yaml
  custody status --config vault.yaml --format json`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runStatus(rootOpts, cmd)
		},
	}
	return cmd
}

func runStatus(opts *RootOptions, cmd *cobra.Command) error {
	ctx := context.Background()

	eng, err := openEngine(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer eng.Close()

	decimals := eng.Config().Decimals
	st := eng.Status(ctx)
	depositors := make(map[string]string, len(st.Depositors))
	for addr, amount := range st.Depositors {
		depositors[addr.Hex()] = units(amount, decimals)
	}

	return newFormatter(opts, cmd).Success(StatusResult{
		Vault:          st.Vault.Hex(),
		Issuer:         st.Issuer.Hex(),
		NetworkID:      st.NetworkID,
		PooledBalance:  units(st.PooledBalance, decimals),
		TotalDeposited: units(st.TotalDeposited, decimals),
		VaultBalance:   units(st.VaultBalance, decimals),
		Consumed:       st.Consumed,
		LastSeq:        st.LastSeq,
		Depositors:     depositors,
	})
}
