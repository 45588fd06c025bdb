package cli

import (
	"github.com/spf13/cobra"

	"github.com/roach88/custody/internal/authledger"
)

// DigestOptions holds flags for the digest command.
type DigestOptions struct {
	*RootOptions
	To     string
	Amount string
	Nonce  uint64
}

// DigestResult is the digest command's output.
type DigestResult struct {
	AuthID    string `json:"auth_id"`
	Vault     string `json:"vault"`
	NetworkID uint64 `json:"network_id"`
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
	Nonce     uint64 `json:"nonce"`
}

func (r DigestResult) String() string {
	return r.AuthID
}

// NewDigestCommand creates the digest command.
func NewDigestCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DigestOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "digest",
		Short: "Compute the authorization id for a withdrawal",
		Long: `Compute the authorization digest that binds this vault, its network,
a recipient, an amount and a nonce. The result is what an issuer signs
and what withdraw expects as --auth.

The database is not opened.

Examples:
  custody digest --config vault.yaml --to 0x...02 --amount 1 --nonce 7`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDigest(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.To, "to", "", "recipient address (required)")
	cmd.Flags().StringVar(&opts.Amount, "amount", "", "amount (required)")
	cmd.Flags().Uint64Var(&opts.Nonce, "nonce", 0, "issuer nonce")
	_ = cmd.MarkFlagRequired("to")
	_ = cmd.MarkFlagRequired("amount")

	return cmd
}

func runDigest(opts *DigestOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.RootOptions)
	if err != nil {
		return err
	}
	to, err := parseAddress("--to", opts.To)
	if err != nil {
		return err
	}
	amount, err := parseAmount("--amount", opts.Amount, cfg.Decimals)
	if err != nil {
		return err
	}

	vault := cfg.VaultAddress()
	id := authledger.Digest(vault, cfg.NetworkID, to, amount, opts.Nonce)
	out := newFormatter(opts.RootOptions, cmd)
	out.VerboseLog("digest over vault=%s network=%d recipient=%s amount=%s nonce=%d",
		vault.Hex(), cfg.NetworkID, to.Hex(), amount.Dec(), opts.Nonce)

	return out.Success(DigestResult{
		AuthID:    id.Hex(),
		Vault:     vault.Hex(),
		NetworkID: cfg.NetworkID,
		Recipient: to.Hex(),
		Amount:    units(amount, cfg.Decimals),
		Nonce:     opts.Nonce,
	})
}
