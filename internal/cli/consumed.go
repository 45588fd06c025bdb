package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

// ConsumedResult is the consumed command's output.
type ConsumedResult struct {
	AuthID   string `json:"auth_id"`
	Consumed bool   `json:"consumed"`
}

func (r ConsumedResult) String() string {
	if r.Consumed {
		return fmt.Sprintf("%s: consumed", r.AuthID)
	}
	return fmt.Sprintf("%s: not consumed", r.AuthID)
}

// NewConsumedCommand creates the consumed command.
func NewConsumedCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "consumed <auth-id>",
		Short: "Report whether an authorization id has been used",
		Long: `Report whether an authorization id has been consumed by a withdrawal.
The answer always exits 0; use --format json to script on it.

Examples:
  custody consumed --config vault.yaml 0x<64 hex>`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runConsumed(rootOpts, args[0], cmd)
		},
	}
	return cmd
}

func runConsumed(opts *RootOptions, arg string, cmd *cobra.Command) error {
	ctx := context.Background()

	authID, err := parseAuthID("auth-id", arg)
	if err != nil {
		return err
	}
	eng, err := openEngine(ctx, opts, cmd)
	if err != nil {
		return err
	}
	defer eng.Close()

	consumed, err := eng.IsConsumed(ctx, authID)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to query consumption", err)
	}
	return newFormatter(opts, cmd).Success(ConsumedResult{AuthID: authID.Hex(), Consumed: consumed})
}
