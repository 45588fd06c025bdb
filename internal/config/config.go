// Package config loads custody deployment settings from YAML or CUE files.
//
// Whatever the source, the decoded settings are checked against the embedded
// CUE schema (#Config) before use.
package config

import (
	"bytes"
	_ "embed"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"gopkg.in/yaml.v3"

	"github.com/roach88/custody/internal/ir"
)

//go:embed schema.cue
var schemaCUE string

// Config describes one vault deployment.
type Config struct {
	NetworkID uint64            `yaml:"network_id" json:"network_id"`
	Vault     string            `yaml:"vault" json:"vault"`
	Issuer    string            `yaml:"issuer" json:"issuer"`
	Database  string            `yaml:"database,omitempty" json:"database,omitempty"`
	Decimals  uint8             `yaml:"decimals" json:"decimals"`
	LogLevel  string            `yaml:"log_level" json:"log_level"`
	Genesis   map[string]string `yaml:"genesis,omitempty" json:"genesis,omitempty"`
}

// Default returns a config with every optional field at its default. Vault
// and Issuer are left empty and must be supplied.
func Default() Config {
	return Config{
		NetworkID: 1,
		Decimals:  ir.DefaultDecimals,
		LogLevel:  "info",
	}
}

// Load reads a .yaml, .yml or .cue file and validates it.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		cfg, err = parseYAML(data)
	case ".cue":
		cfg, err = parseCUE(data, path)
	default:
		return Config{}, fmt.Errorf("config %s: unsupported extension %q", path, ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML config data and validates it.
func Parse(data []byte) (Config, error) {
	return parseYAML(data)
}

func parseYAML(data []byte) (Config, error) {
	cfg := Default()
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func parseCUE(data []byte, filename string) (Config, error) {
	ctx := cuecontext.New()
	schema, err := compileSchema(ctx)
	if err != nil {
		return Config{}, err
	}

	v := ctx.CompileBytes(data, cue.Filename(filename))
	if err := v.Err(); err != nil {
		return Config{}, fmt.Errorf("compile cue: %w", err)
	}
	v = schema.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return Config{}, ir.WrapError(ir.CodeInvalidConfiguration, err, "config does not match #Config")
	}

	cfg := Default()
	if err := v.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode cue: %w", err)
	}
	if err := cfg.checkIdentities(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func compileSchema(ctx *cue.Context) (cue.Value, error) {
	v := ctx.CompileString(schemaCUE, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile config schema: %w", err)
	}
	return v.LookupPath(cue.ParsePath("#Config")), nil
}

// Validate checks cfg against the #Config schema and rejects zero-address
// identities. Failures carry INVALID_CONFIGURATION.
func (c Config) Validate() error {
	ctx := cuecontext.New()
	schema, err := compileSchema(ctx)
	if err != nil {
		return err
	}
	if c.Genesis == nil {
		c.Genesis = map[string]string{}
	}
	v := schema.Unify(ctx.Encode(c))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return ir.WrapError(ir.CodeInvalidConfiguration, err, "config does not match #Config")
	}
	return c.checkIdentities()
}

func (c Config) checkIdentities() error {
	if c.VaultAddress() == (common.Address{}) {
		return ir.Errorf(ir.CodeInvalidConfiguration, "vault is the zero address")
	}
	if c.IssuerAddress() == (common.Address{}) {
		return ir.Errorf(ir.CodeInvalidConfiguration, "issuer is the zero address")
	}
	if _, err := c.GenesisBalances(); err != nil {
		return err
	}
	return nil
}

// VaultAddress returns the vault identity.
func (c Config) VaultAddress() common.Address {
	return common.HexToAddress(c.Vault)
}

// IssuerAddress returns the authorization issuer identity.
func (c Config) IssuerAddress() common.Address {
	return common.HexToAddress(c.Issuer)
}

// GenesisBalances parses the genesis amounts into base units.
func (c Config) GenesisBalances() (map[common.Address]*uint256.Int, error) {
	out := make(map[common.Address]*uint256.Int, len(c.Genesis))
	for _, addr := range c.genesisAddresses() {
		amount, err := ir.ParseUnits(c.Genesis[addr], c.Decimals)
		if err != nil {
			return nil, ir.WrapError(ir.CodeInvalidConfiguration, err, "genesis balance for "+addr)
		}
		out[common.HexToAddress(addr)] = amount
	}
	return out, nil
}

func (c Config) genesisAddresses() []string {
	addrs := make([]string, 0, len(c.Genesis))
	for addr := range c.Genesis {
		addrs = append(addrs, addr)
	}
	sort.Strings(addrs)
	return addrs
}

// SlogLevel maps LogLevel to a slog level. Unknown values map to Info.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
