// Package harness runs conformance scenarios against a real custody engine.
//
// A scenario is a YAML file: starting balances, receive hooks, a sequence
// of deposits and withdrawals with their expected error codes, and
// assertions on the final state. Each scenario runs against a fresh engine
// backed by an in-memory SQLite store, with sequential operation ids, so
// the committed trace is reproducible byte for byte.
//
// After the steps, the harness replays the log and checks the custody
// invariants, so every scenario also exercises Fold and Verify.
//
// Traces are compared against golden files in testdata/golden:
//
//	{"scenario_name":...,"trace":[{"fields":{...},"kind":...,"seq":N},...]}
//
// serialized as canonical JSON.
package harness
