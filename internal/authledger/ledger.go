// Package authledger implements the Authorization Ledger: the set of
// consumed one-time authorization ids and the only entry point that adds
// to it.
//
// An authId moves from unconsumed to consumed exactly once and never back.
// Consume is the single guarded mutation: an atomic insert-if-absent under
// the ledger mutex, registered with the caller's journal frame so that an
// enclosing operation that fails takes the consumption back with it.
//
// An id consumed by an operation still in flight is visible only to that
// operation, including calls re-entering it with its context. Every other
// caller sees the consumed set as of the last commit. The insert itself runs
// against the working set, so a concurrent Consume of an in-flight id still
// fails with ALREADY_CONSUMED.
package authledger

import (
	"context"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/roach88/custody/internal/ir"
	"github.com/roach88/custody/internal/journal"
)

// Ledger tracks consumed authorization ids. One Ledger may serve many vaults.
type Ledger struct {
	mu     sync.RWMutex
	issuer common.Address
	sink   journal.Sink
	logger *slog.Logger

	// working holds every consumed id, in-flight ones included. inflight
	// maps an uncommitted id to the frame that consumed it. committed is
	// what outside readers see.
	working   map[common.Hash]struct{}
	inflight  map[common.Hash]*journal.Frame
	committed map[common.Hash]struct{}
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithSink sets where the ledger's audit records go when it is called
// outside an existing operation. Default journal.Discard.
func WithSink(s journal.Sink) Option {
	return func(l *Ledger) { l.sink = s }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithConsumed preloads ids that an earlier run already consumed.
func WithConsumed(ids ...common.Hash) Option {
	return func(l *Ledger) {
		for _, id := range ids {
			l.working[id] = struct{}{}
			l.committed[id] = struct{}{}
		}
	}
}

// New creates a ledger administered by issuer with an empty consumed set.
func New(issuer common.Address, opts ...Option) *Ledger {
	l := &Ledger{
		issuer:    issuer,
		sink:      journal.Discard,
		logger:    slog.Default(),
		working:   make(map[common.Hash]struct{}),
		inflight:  make(map[common.Hash]*journal.Frame),
		committed: make(map[common.Hash]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Issuer returns the identity recorded at construction.
func (l *Ledger) Issuer() common.Address {
	return l.issuer
}

// Consume marks req.AuthID consumed on behalf of caller.
//
// Checks, in order:
//   - the id is not already consumed (ALREADY_CONSUMED)
//   - caller is the vault the request claims (CALLER_MISMATCH)
//   - the recipient is not the zero address (INVALID_RECIPIENT)
//   - the amount is positive (INVALID_AMOUNT)
//
// A failed check changes nothing. Success emits authorization_verified and
// authorization_consumed, in that order.
func (l *Ledger) Consume(ctx context.Context, caller common.Address, req ir.AuthorizationRequest) (bool, error) {
	err := journal.Run(ctx, l.sink, func(ctx context.Context) error {
		if err := l.check(caller, req); err != nil {
			return err
		}
		if !l.insert(req.AuthID, journal.FromContext(ctx)) {
			// Lost a race with a concurrent consumer of the same id.
			return ir.Errorf(ir.CodeAlreadyConsumed, "authorization %s already consumed", req.AuthID.Hex())
		}
		journal.OnRevert(ctx, func() { l.remove(req.AuthID) })
		journal.OnCommit(ctx, func() { l.publish(req.AuthID) })

		journal.Emit(ctx, ir.NewEvent(ir.KindAuthorizationVerified, req.Fields()))
		journal.Emit(ctx, ir.NewEvent(ir.KindAuthorizationConsumed, ir.Object{
			ir.FieldAuthID: ir.HashValue(req.AuthID),
		}))
		return nil
	})
	if err != nil {
		l.logger.Debug("authorization rejected",
			"auth_id", req.AuthID.Hex(),
			"caller", caller.Hex(),
			"code", ir.CodeOf(err))
		return false, err
	}

	l.logger.Debug("authorization consumed", "auth_id", req.AuthID.Hex(), "vault", req.Vault.Hex())
	return true, nil
}

func (l *Ledger) check(caller common.Address, req ir.AuthorizationRequest) error {
	if l.has(req.AuthID) {
		return ir.Errorf(ir.CodeAlreadyConsumed, "authorization %s already consumed", req.AuthID.Hex())
	}
	if caller != req.Vault {
		return ir.Errorf(ir.CodeCallerMismatch, "caller %s is not vault %s", caller.Hex(), req.Vault.Hex())
	}
	if req.Recipient == (common.Address{}) {
		return ir.Errorf(ir.CodeInvalidRecipient, "recipient is the zero address")
	}
	if req.Amount == nil || req.Amount.IsZero() {
		return ir.Errorf(ir.CodeInvalidAmount, "amount must be positive")
	}
	return nil
}

func (l *Ledger) has(id common.Hash) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	_, ok := l.working[id]
	return ok
}

// insert adds id to the working set if absent and reports whether it did.
func (l *Ledger) insert(id common.Hash, owner *journal.Frame) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.working[id]; ok {
		return false
	}
	l.working[id] = struct{}{}
	l.inflight[id] = owner
	return true
}

func (l *Ledger) remove(id common.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.working, id)
	delete(l.inflight, id)
}

func (l *Ledger) publish(id common.Hash) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.inflight, id)
	l.committed[id] = struct{}{}
}

// IsConsumed reports whether id has been consumed as seen from ctx: the
// committed set, plus the ids consumed by the operation ctx belongs to.
func (l *Ledger) IsConsumed(ctx context.Context, id common.Hash) bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if _, ok := l.committed[id]; ok {
		return true
	}
	owner, ok := l.inflight[id]
	return ok && owner == journal.FromContext(ctx)
}

// Count returns the number of committed consumed ids.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.committed)
}

// Consumed returns every committed consumed id. The order is unspecified.
func (l *Ledger) Consumed() []common.Hash {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ids := make([]common.Hash, 0, len(l.committed))
	for id := range l.committed {
		ids = append(ids, id)
	}
	return ids
}
