// Package engine wires one custody deployment together.
//
// Open builds every component from a config and, when a database is
// configured, from the stored audit log:
//
//	config ─► store ─► Fold(events) ─► State
//	                                     │
//	          bank ◄─────────────────────┤ balances
//	          authledger ◄───────────────┤ consumed ids
//	          vault ◄────────────────────┤ accounting
//	          eventlog ◄─────────────────┘ last seq
//
// Every operation runs in a journal frame whose sink is the event log, so
// an operation's records reach the store in one transaction or not at all.
//
// # Logical Time
//
// All events are stamped with a monotonic seq from the event log's clock.
// Wall-clock time is never recorded, so replaying the log reproduces the
// same state and the same event ids.
//
// # Replay
//
// Replay is not a separate execution mode. Open and Replay both rebuild
// state with Fold over the committed log:
//
//	[events ORDER BY seq] → Fold → State → Verify
//
// Three properties make a replayed state trustworthy:
//
// 1. Content-addressed ids
//
//	id = sha256("custody/event/v1" ‖ 0x00 ‖ canonical{kind, operation_id, seq, fields})
//
// Fold recomputes every id; a row edited after the fact no longer matches.
//
// 2. Atomic operations
//
// Each operation's events reach the store in one transaction, so a crash
// leaves either the whole operation or none of it. A withdrawal whose
// transfer failed left no accounting records, only withdrawal_failed.
//
// 3. Durable once-only consumption
//
// consumed_authorizations rejects a second row for the same authId, so a log
// can never show one authorization paying out twice, even with several
// writers sharing the database.
package engine
