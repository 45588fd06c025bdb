package engine

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/event"
	"github.com/holiman/uint256"

	"github.com/roach88/custody/internal/authledger"
	"github.com/roach88/custody/internal/bank"
	"github.com/roach88/custody/internal/config"
	"github.com/roach88/custody/internal/eventlog"
	"github.com/roach88/custody/internal/ir"
	"github.com/roach88/custody/internal/journal"
	"github.com/roach88/custody/internal/store"
	"github.com/roach88/custody/internal/vault"
)

// Engine is one vault deployment: the asset bank, the authorization ledger,
// the vault and the event log that records what they do.
//
// Thread-safety model:
//   - Deposit and Withdraw: safe from any goroutine; each vault serializes
//     its own operations
//   - queries: safe from any goroutine; they read committed state
type Engine struct {
	cfg    config.Config
	store  *store.Store
	log    *eventlog.Log
	bank   *bank.Bank
	ledger *authledger.Ledger
	vault  *vault.Vault
	logger *slog.Logger
}

// Option configures an Engine.
type Option func(*options)

type options struct {
	ids    eventlog.OperationIDGenerator
	logger *slog.Logger
}

// WithGenerator sets the operation id generator. Tests use a fixed one for
// reproducible event ids.
func WithGenerator(g eventlog.OperationIDGenerator) Option {
	return func(o *options) { o.ids = g }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// Open validates cfg, replays the stored log (if cfg.Database is set) and
// returns a ready engine. The caller must Close it.
func Open(ctx context.Context, cfg config.Config, opts ...Option) (*Engine, error) {
	o := options{ids: eventlog.UUIDv7Generator{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	genesis, err := cfg.GenesisBalances()
	if err != nil {
		return nil, err
	}

	var (
		s       *store.Store
		history []ir.Event
	)
	if cfg.Database != "" {
		s, err = store.Open(cfg.Database)
		if err != nil {
			return nil, fmt.Errorf("open store: %w", err)
		}
		history, err = s.ReadEvents(ctx)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("load history: %w", err)
		}
	}

	self := cfg.VaultAddress()
	state, err := Fold(self, genesis, history)
	if err != nil {
		if s != nil {
			s.Close()
		}
		return nil, fmt.Errorf("replay history: %w", err)
	}

	logOpts := []eventlog.Option{
		eventlog.WithClock(eventlog.NewClockAt(state.LastSeq)),
		eventlog.WithGenerator(o.ids),
		eventlog.WithHistory(history),
		eventlog.WithLogger(o.logger),
	}
	if s != nil {
		logOpts = append(logOpts, eventlog.WithAppender(s))
	}
	log := eventlog.New(logOpts...)

	b := bank.New(state.Balances, bank.WithLogger(o.logger))
	ledger := authledger.New(cfg.IssuerAddress(),
		authledger.WithSink(log),
		authledger.WithConsumed(state.Consumed...),
		authledger.WithLogger(o.logger))
	v, err := vault.New(self, ledger,
		vault.WithNetworkID(cfg.NetworkID),
		vault.WithTransferer(b),
		vault.WithSink(log),
		vault.WithState(state.Vault),
		vault.WithLogger(o.logger))
	if err != nil {
		if s != nil {
			s.Close()
		}
		return nil, err
	}

	o.logger.Info("engine opened",
		"vault", self.Hex(),
		"network_id", cfg.NetworkID,
		"events", len(history),
		"last_seq", state.LastSeq,
		"durable", s != nil)

	return &Engine{
		cfg:    cfg,
		store:  s,
		log:    log,
		bank:   b,
		ledger: ledger,
		vault:  v,
		logger: o.logger,
	}, nil
}

// Close stops event delivery and closes the store, if any.
func (e *Engine) Close() error {
	e.log.Close()
	if e.store == nil {
		return nil
	}
	return e.store.Close()
}

// Config returns the config the engine was opened with.
func (e *Engine) Config() config.Config { return e.cfg }

// Bank returns the asset bank. Tests and scenarios register receivers on it.
func (e *Engine) Bank() *bank.Bank { return e.bank }

// Vault returns the vault.
func (e *Engine) Vault() *vault.Vault { return e.vault }

// Ledger returns the authorization ledger.
func (e *Engine) Ledger() *authledger.Ledger { return e.ledger }

// Deposit moves amount from depositor's bank balance into the vault and
// credits it to the vault's accounting, as one operation. The vault is held
// before any value moves.
func (e *Engine) Deposit(ctx context.Context, depositor common.Address, amount *uint256.Int) error {
	return journal.Run(ctx, e.log, func(ctx context.Context) error {
		if amount == nil || amount.IsZero() {
			return ir.Errorf(ir.CodeInvalidAmount, "deposit amount must be positive")
		}
		e.vault.Hold(ctx)
		if err := e.bank.Transfer(ctx, depositor, e.vault.Address(), amount); err != nil {
			return err
		}
		return e.vault.Deposit(ctx, depositor, amount)
	})
}

// Withdraw releases amount to recipient against authID.
func (e *Engine) Withdraw(ctx context.Context, recipient common.Address, amount *uint256.Int, authID common.Hash) error {
	return e.vault.Withdraw(ctx, recipient, amount, authID)
}

// Digest computes the authorization digest for a withdrawal from this vault.
func (e *Engine) Digest(recipient common.Address, amount *uint256.Int, nonce uint64) common.Hash {
	return authledger.Digest(e.vault.Address(), e.cfg.NetworkID, recipient, amount, nonce)
}

// IsConsumed reports whether authID was consumed by this process or, when a
// store is configured, by any writer of the same database.
func (e *Engine) IsConsumed(ctx context.Context, authID common.Hash) (bool, error) {
	if e.ledger.IsConsumed(ctx, authID) {
		return true, nil
	}
	if e.store == nil {
		return false, nil
	}
	return e.store.IsConsumed(ctx, authID.Hex())
}

// BalanceOf returns addr's bank balance.
func (e *Engine) BalanceOf(addr common.Address) *uint256.Int {
	return e.bank.BalanceOf(addr)
}

// Status is a snapshot of the deployment.
type Status struct {
	Vault          common.Address
	Issuer         common.Address
	NetworkID      uint64
	PooledBalance  *uint256.Int
	TotalDeposited *uint256.Int
	VaultBalance   *uint256.Int
	Consumed       int
	LastSeq        int64
	Depositors     map[common.Address]*uint256.Int
}

// Status returns the committed state of the deployment.
func (e *Engine) Status(ctx context.Context) Status {
	st := e.vault.State(ctx)
	return Status{
		Vault:          e.vault.Address(),
		Issuer:         e.ledger.Issuer(),
		NetworkID:      e.vault.NetworkID(),
		PooledBalance:  st.PooledBalance,
		TotalDeposited: st.TotalDeposited,
		VaultBalance:   e.bank.BalanceOf(e.vault.Address()),
		Consumed:       e.ledger.Count(),
		LastSeq:        e.log.LastSeq(),
		Depositors:     st.Depositors,
	}
}

// EventFilter selects events. The zero value selects everything.
type EventFilter struct {
	OperationID string
	Kinds       []ir.Kind
}

func (f EventFilter) match(ev ir.Event) bool {
	if f.OperationID != "" && ev.OperationID != f.OperationID {
		return false
	}
	if len(f.Kinds) == 0 {
		return true
	}
	for _, k := range f.Kinds {
		if ev.Kind == k {
			return true
		}
	}
	return false
}

// Events returns committed events in seq order. With a store, events written
// by other processes are included.
func (e *Engine) Events(ctx context.Context, filter EventFilter) ([]ir.Event, error) {
	var (
		events []ir.Event
		err    error
	)
	switch {
	case e.store == nil:
		events = e.log.Events()
	case filter.OperationID != "":
		events, err = e.store.ReadOperation(ctx, filter.OperationID)
	default:
		events, err = e.store.ReadEventsByKind(ctx, filter.Kinds...)
	}
	if err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}

	out := make([]ir.Event, 0, len(events))
	for _, ev := range events {
		if filter.match(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Subscribe delivers every event committed from now on to ch.
func (e *Engine) Subscribe(ch chan<- ir.Event) event.Subscription {
	return e.log.Subscribe(ch)
}
