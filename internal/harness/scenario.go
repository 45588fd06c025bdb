package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/roach88/custody/internal/ir"
)

// Scenario defines a conformance test scenario: starting balances, a
// sequence of vault operations with their expected outcomes, and assertions
// on the final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It also names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// NetworkID is presented to the ledger. Default 1.
	NetworkID uint64 `yaml:"network_id,omitempty"`

	// Decimals sets the unit of every amount in the scenario. Default 18.
	Decimals *uint8 `yaml:"decimals,omitempty"`

	// Accounts adds named addresses to the built-in ones (see DefaultAccounts).
	Accounts map[string]string `yaml:"accounts,omitempty"`

	// Genesis gives accounts their starting bank balances.
	Genesis map[string]string `yaml:"genesis"`

	// Receivers installs receive hooks on accounts. A hook runs whenever the
	// account is credited by a transfer.
	Receivers map[string]Receiver `yaml:"receivers,omitempty"`

	// Steps are executed in order.
	Steps []Step `yaml:"steps"`

	// Assertions validate the final state.
	Assertions []Assertion `yaml:"assertions"`
}

// Step is one vault operation.
type Step struct {
	// Action is "deposit" or "withdraw".
	Action string `yaml:"action"`

	// From is the depositor (deposit).
	From string `yaml:"from,omitempty"`

	// To is the recipient (withdraw).
	To string `yaml:"to,omitempty"`

	// Amount is a decimal amount in scenario units.
	Amount string `yaml:"amount"`

	// Auth is the authorization id (withdraw): a 0x-prefixed 32-byte hex
	// value, or a label. A label is turned into the authorization digest of
	// its first withdrawal; reusing the label reuses that id.
	Auth string `yaml:"auth,omitempty"`

	// ExpectError is the expected error code. Empty means success.
	ExpectError string `yaml:"expect_error,omitempty"`
}

// Receiver is a receive hook.
type Receiver struct {
	// Reject fails every incoming transfer with this message.
	Reject string `yaml:"reject,omitempty"`

	// Reenter runs a step from inside the transfer, with the transfer's
	// context. It does not fire again while it is running.
	Reenter *Step `yaml:"reenter,omitempty"`

	// Propagate returns the re-entered step's error from the hook, failing
	// the enclosing transfer.
	Propagate bool `yaml:"propagate,omitempty"`
}

// Assertion validates final state.
type Assertion struct {
	// Type is one of the Assert* constants.
	Type string `yaml:"type"`

	// Account names an account (deposited_by, balance).
	Account string `yaml:"account,omitempty"`

	// Auth names an authorization id (consumed, unconsumed).
	Auth string `yaml:"auth,omitempty"`

	// Kind is an event kind (event_count).
	Kind string `yaml:"kind,omitempty"`

	// Expect is a decimal amount in scenario units.
	Expect string `yaml:"expect,omitempty"`

	// Count is the expected number of events (event_count).
	Count int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertTotalDeposited = "total_deposited"
	AssertPooledBalance  = "pooled_balance"
	AssertDepositedBy    = "deposited_by"
	AssertBalance        = "balance"
	AssertConsumed       = "consumed"
	AssertUnconsumed     = "unconsumed"
	AssertEventCount     = "event_count"
)

// Step actions.
const (
	ActionDeposit  = "deposit"
	ActionWithdraw = "withdraw"
)

// DefaultAccounts are the names every scenario can use without declaring them.
var DefaultAccounts = map[string]common.Address{
	"zero":   {},
	"alice":  common.HexToAddress("0x0000000000000000000000000000000000000001"),
	"bob":    common.HexToAddress("0x0000000000000000000000000000000000000002"),
	"carol":  common.HexToAddress("0x0000000000000000000000000000000000000003"),
	"dave":   common.HexToAddress("0x0000000000000000000000000000000000000004"),
	"issuer": common.HexToAddress("0x00000000000000000000000000000000000000aa"),
	"vault":  common.HexToAddress("0x00000000000000000000000000000000000000fe"),
}

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML with strict field validation.
func ParseScenario(data []byte) (*Scenario, error) {
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true) // Reject unknown fields
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// LoadScenarios loads every .yaml/.yml file in dir, sorted by file name.
func LoadScenarios(dir string) ([]*Scenario, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read scenario dir: %w", err)
	}
	var names []string
	for _, e := range entries {
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if !e.IsDir() && (ext == ".yaml" || ext == ".yml") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	scenarios := make([]*Scenario, 0, len(names))
	for _, name := range names {
		s, err := LoadScenario(filepath.Join(dir, name))
		if err != nil {
			return nil, fmt.Errorf("%s: %w", name, err)
		}
		scenarios = append(scenarios, s)
	}
	return scenarios, nil
}

// validateScenario checks that required fields are present and valid.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if s.Decimals != nil && *s.Decimals > ir.MaxDecimals {
		return fmt.Errorf("decimals %d exceeds %d", *s.Decimals, ir.MaxDecimals)
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	for name, addr := range s.Accounts {
		if !common.IsHexAddress(addr) {
			return fmt.Errorf("accounts.%s: %q is not an address", name, addr)
		}
	}
	for name := range s.Genesis {
		if !s.knowsAccount(name) {
			return fmt.Errorf("genesis: unknown account %q", name)
		}
	}
	for name, r := range s.Receivers {
		if !s.knowsAccount(name) {
			return fmt.Errorf("receivers: unknown account %q", name)
		}
		if r.Reenter != nil {
			if err := s.validateStep(fmt.Sprintf("receivers.%s.reenter", name), r.Reenter); err != nil {
				return err
			}
		}
	}
	for i := range s.Steps {
		if err := s.validateStep(fmt.Sprintf("steps[%d]", i), &s.Steps[i]); err != nil {
			return err
		}
	}
	for i, a := range s.Assertions {
		if err := s.validateAssertion(i, a); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scenario) validateStep(where string, step *Step) error {
	if step.Amount == "" {
		return fmt.Errorf("%s: amount is required", where)
	}
	if step.ExpectError != "" && !knownCode(step.ExpectError) {
		return fmt.Errorf("%s: unknown error code %q", where, step.ExpectError)
	}
	switch step.Action {
	case ActionDeposit:
		if !s.knowsAccount(step.From) {
			return fmt.Errorf("%s: deposit needs a known from account, got %q", where, step.From)
		}
	case ActionWithdraw:
		if !s.knowsAccount(step.To) {
			return fmt.Errorf("%s: withdraw needs a known to account, got %q", where, step.To)
		}
		if step.Auth == "" {
			return fmt.Errorf("%s: withdraw needs auth", where)
		}
	default:
		return fmt.Errorf("%s: unknown action %q", where, step.Action)
	}
	return nil
}

// validateAssertion validates a single assertion based on its type.
func (s *Scenario) validateAssertion(index int, a Assertion) error {
	switch a.Type {
	case "":
		return fmt.Errorf("assertions[%d]: type is required", index)
	case AssertTotalDeposited, AssertPooledBalance:
		if a.Expect == "" {
			return fmt.Errorf("assertions[%d]: expect is required for %s", index, a.Type)
		}
	case AssertDepositedBy, AssertBalance:
		if !s.knowsAccount(a.Account) {
			return fmt.Errorf("assertions[%d]: %s needs a known account, got %q", index, a.Type, a.Account)
		}
		if a.Expect == "" {
			return fmt.Errorf("assertions[%d]: expect is required for %s", index, a.Type)
		}
	case AssertConsumed, AssertUnconsumed:
		if a.Auth == "" {
			return fmt.Errorf("assertions[%d]: auth is required for %s", index, a.Type)
		}
	case AssertEventCount:
		if !ir.Kind(a.Kind).Valid() {
			return fmt.Errorf("assertions[%d]: unknown event kind %q", index, a.Kind)
		}
		if a.Count < 0 {
			return fmt.Errorf("assertions[%d]: count must be non-negative for event_count", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func (s *Scenario) knowsAccount(name string) bool {
	_, ok := s.address(name)
	return ok
}

// address resolves an account name or a literal 0x address.
func (s *Scenario) address(name string) (common.Address, bool) {
	if addr, ok := s.Accounts[name]; ok {
		return common.HexToAddress(addr), true
	}
	if addr, ok := DefaultAccounts[name]; ok {
		return addr, true
	}
	if common.IsHexAddress(name) {
		return common.HexToAddress(name), true
	}
	return common.Address{}, false
}

func (s *Scenario) decimals() uint8 {
	if s.Decimals == nil {
		return ir.DefaultDecimals
	}
	return *s.Decimals
}

func knownCode(code string) bool {
	switch ir.ErrorCode(code) {
	case ir.CodeInvalidRecipient, ir.CodeInvalidAmount, ir.CodeInvalidConfiguration,
		ir.CodeAlreadyConsumed, ir.CodeCallerMismatch, ir.CodeAuthorizationRejected,
		ir.CodeInsufficientBalance, ir.CodeTransferFailed, ir.CodeArithmeticOverflow:
		return true
	}
	return false
}
