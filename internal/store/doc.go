// Package store provides SQLite-backed durable storage for the custody
// audit log.
//
// The store is append-only:
//   - events: every committed audit record, keyed by content-addressed id
//   - consumed_authorizations: one row per consumed authId
//
// Each operation is appended in a single transaction. Inserting an
// authorization_consumed event also inserts its authId into
// consumed_authorizations; a second insert for the same authId aborts the
// whole operation with ALREADY_CONSUMED, so the once-only property holds
// across process restarts and across processes sharing one database.
//
// All reads order by seq ASC, id COLLATE BINARY ASC.
//
// # Database Configuration
//
//   - WAL mode: concurrent reads during writes
//   - synchronous=NORMAL
//   - busy_timeout=5000
//   - foreign_keys=ON
package store
