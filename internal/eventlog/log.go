// Package eventlog is the commit point for audit records.
//
// Log implements journal.Sink. Each committed batch is one operation: it
// gets a single operation id, consecutive seq numbers, and content-addressed
// event ids. The batch is then written to the durable store (if any) in one
// transaction, kept in memory, and queued for subscribers. Subscribers are
// fed from a separate goroutine, so commits never wait on them.
package eventlog

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ethereum/go-ethereum/event"

	"github.com/roach88/custody/internal/ir"
)

// Appender persists one operation's events atomically.
type Appender interface {
	AppendEvents(ctx context.Context, events []ir.Event) error
}

// Log stamps, persists, and publishes committed events.
type Log struct {
	mu       sync.Mutex
	clock    *Clock
	ids      OperationIDGenerator
	appender Appender
	events   []ir.Event
	logger   *slog.Logger

	feed       event.Feed
	outMu      sync.Mutex
	outbox     []ir.Event
	wake       chan struct{}
	quit       chan struct{}
	delivering atomic.Bool
	start      sync.Once
	stop       sync.Once
}

// Option configures a Log.
type Option func(*Log)

// WithClock sets the clock. Default NewClock().
func WithClock(c *Clock) Option {
	return func(l *Log) { l.clock = c }
}

// WithGenerator sets the operation id generator. Default UUIDv7Generator.
func WithGenerator(g OperationIDGenerator) Option {
	return func(l *Log) { l.ids = g }
}

// WithAppender sets the durable store. Without one the log is memory-only.
func WithAppender(a Appender) Option {
	return func(l *Log) { l.appender = a }
}

// WithHistory preloads events that were committed by an earlier run.
func WithHistory(events []ir.Event) Option {
	return func(l *Log) { l.events = append(l.events, events...) }
}

// WithLogger sets the logger. Default slog.Default().
func WithLogger(logger *slog.Logger) Option {
	return func(l *Log) { l.logger = logger }
}

// New creates a log.
func New(opts ...Option) *Log {
	l := &Log{
		clock:  NewClock(),
		ids:    UUIDv7Generator{},
		logger: slog.Default(),
		wake:   make(chan struct{}, 1),
		quit:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Commit implements journal.Sink. A store failure leaves no trace: the clock
// is rewound and nothing is published.
func (l *Log) Commit(ctx context.Context, events []ir.Event) error {
	if len(events) == 0 {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	start := l.clock.Current()
	op := l.ids.Generate()
	stamped := make([]ir.Event, len(events))
	for i, ev := range events {
		if !ev.Kind.Valid() {
			l.clock.Rewind(start)
			return fmt.Errorf("commit operation %s: unknown event kind %q", op, ev.Kind)
		}
		ev.OperationID = op
		ev.Seq = l.clock.Next()
		id, err := ir.EventID(ev.Kind, ev.OperationID, ev.Seq, ev.Fields)
		if err != nil {
			l.clock.Rewind(start)
			return fmt.Errorf("commit operation %s: %w", op, err)
		}
		ev.ID = id
		stamped[i] = ev
	}

	if l.appender != nil {
		if err := l.appender.AppendEvents(ctx, stamped); err != nil {
			l.clock.Rewind(start)
			return fmt.Errorf("commit operation %s: %w", op, err)
		}
	}

	l.events = append(l.events, stamped...)
	l.enqueue(stamped)

	l.logger.Debug("operation committed", "operation_id", op, "events", len(stamped), "last_seq", l.clock.Current())
	return nil
}

// Subscribe delivers every event committed from now on to ch, in seq order.
// Delivery runs on its own goroutine: a slow subscriber delays the others
// but never a commit. Undelivered events are buffered without bound.
func (l *Log) Subscribe(ch chan<- ir.Event) event.Subscription {
	l.start.Do(func() {
		l.delivering.Store(true)
		go l.deliver()
	})
	return l.feed.Subscribe(ch)
}

// Close stops delivery to subscribers. Events still queued are dropped.
func (l *Log) Close() {
	l.stop.Do(func() { close(l.quit) })
}

// enqueue queues a committed batch for delivery. Called with mu held, which
// keeps batches in commit order.
func (l *Log) enqueue(batch []ir.Event) {
	if !l.delivering.Load() {
		return
	}
	l.outMu.Lock()
	l.outbox = append(l.outbox, batch...)
	l.outMu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *Log) deliver() {
	for {
		select {
		case <-l.quit:
			return
		case <-l.wake:
		}
		for {
			l.outMu.Lock()
			pending := l.outbox
			l.outbox = nil
			l.outMu.Unlock()
			if len(pending) == 0 {
				break
			}
			for _, ev := range pending {
				l.feed.Send(ev)
			}
		}
	}
}

// Events returns a copy of every event the log knows, in seq order.
func (l *Log) Events() []ir.Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]ir.Event, len(l.events))
	copy(out, l.events)
	return out
}

// LastSeq returns the seq of the newest committed event, or 0.
func (l *Log) LastSeq() int64 {
	return l.clock.Current()
}
