package cli

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/roach88/custody/internal/config"
	"github.com/roach88/custody/internal/engine"
	"github.com/roach88/custody/internal/ir"
)

// loadConfig reads --config and applies --db.
func loadConfig(opts *RootOptions) (config.Config, error) {
	if opts.ConfigPath == "" {
		return config.Config{}, NewExitError(ExitCommandError, "--config is required")
	}
	cfg, err := config.Load(opts.ConfigPath)
	if err != nil {
		return config.Config{}, WrapExitError(ExitCommandError, "failed to load config", err)
	}
	if opts.Database != "" {
		cfg.Database = opts.Database
	}
	return cfg, nil
}

// openEngine opens the deployment named by the global flags. Logs go to the
// command's stderr at the config's level, or debug with --verbose.
func openEngine(ctx context.Context, opts *RootOptions, cmd *cobra.Command) (*engine.Engine, error) {
	cfg, err := loadConfig(opts)
	if err != nil {
		return nil, err
	}

	level := cfg.SlogLevel()
	if opts.Verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	eng, err := engine.Open(ctx, cfg, engine.WithLogger(logger))
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open deployment", err)
	}
	return eng, nil
}

func newFormatter(opts *RootOptions, cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    opts.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   opts.Verbose,
	}
}

func parseAddress(flag, s string) (common.Address, error) {
	if !common.IsHexAddress(s) {
		return common.Address{}, NewExitError(ExitCommandError, fmt.Sprintf("%s: %q is not an address", flag, s))
	}
	return common.HexToAddress(s), nil
}

func parseAmount(flag, s string, decimals uint8) (*uint256.Int, error) {
	v, err := ir.ParseUnits(s, decimals)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, flag, err)
	}
	return v, nil
}

func parseAuthID(flag, s string) (common.Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, NewExitError(ExitCommandError, fmt.Sprintf("%s: %q is not a 32-byte 0x hex value", flag, s))
	}
	return common.BytesToHash(b), nil
}

// units renders base units in the deployment's decimals.
func units(v *uint256.Int, decimals uint8) string {
	return ir.FormatUnits(v, decimals)
}
