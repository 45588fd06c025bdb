package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/roach88/custody/internal/ir"
)

const selectEvents = `SELECT id, seq, operation_id, kind, fields FROM events`

// ReadEvents returns every event in the log.
// Results are ordered deterministically: ORDER BY seq ASC, id COLLATE BINARY ASC.
//
// Returns an empty slice (not nil) if the log is empty.
func (s *Store) ReadEvents(ctx context.Context) ([]ir.Event, error) {
	return s.queryEvents(ctx, selectEvents+` ORDER BY seq ASC, id COLLATE BINARY ASC`)
}

// ReadEventsAfter returns events with seq greater than after.
func (s *Store) ReadEventsAfter(ctx context.Context, after int64) ([]ir.Event, error) {
	return s.queryEvents(ctx, selectEvents+`
		WHERE seq > ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, after)
}

// ReadOperation returns the events of one operation.
func (s *Store) ReadOperation(ctx context.Context, operationID string) ([]ir.Event, error) {
	return s.queryEvents(ctx, selectEvents+`
		WHERE operation_id = ?
		ORDER BY seq ASC, id COLLATE BINARY ASC
	`, operationID)
}

// ReadEventsByKind returns the events of the given kinds. No kinds means all.
func (s *Store) ReadEventsByKind(ctx context.Context, kinds ...ir.Kind) ([]ir.Event, error) {
	if len(kinds) == 0 {
		return s.ReadEvents(ctx)
	}
	placeholders := make([]string, len(kinds))
	args := make([]any, len(kinds))
	for i, k := range kinds {
		placeholders[i] = "?"
		args[i] = string(k)
	}
	query := selectEvents + `
		WHERE kind IN (` + strings.Join(placeholders, ", ") + `)
		ORDER BY seq ASC, id COLLATE BINARY ASC`
	return s.queryEvents(ctx, query, args...)
}

// ListOperations returns operation ids in the order their first event was
// committed.
func (s *Store) ListOperations(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT operation_id, MIN(seq) AS first_seq
		FROM events
		GROUP BY operation_id
		ORDER BY first_seq ASC, operation_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query operations: %w", err)
	}
	defer rows.Close()

	ops := []string{}
	for rows.Next() {
		var op string
		var first int64
		if err := rows.Scan(&op, &first); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate operations: %w", err)
	}
	return ops, nil
}

// LastSeq returns the highest seq in the log, or 0 if it is empty.
func (s *Store) LastSeq(ctx context.Context) (int64, error) {
	var seq sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM events`).Scan(&seq); err != nil {
		return 0, fmt.Errorf("last seq: %w", err)
	}
	return seq.Int64, nil
}

// IsConsumed reports whether authID has a durable consumption record.
func (s *Store) IsConsumed(ctx context.Context, authID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM consumed_authorizations WHERE auth_id = ?
	`, authID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("check consumed: %w", err)
	}
	return count > 0, nil
}

// ConsumedAuthIDs returns every consumed authId in consumption order.
func (s *Store) ConsumedAuthIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT auth_id FROM consumed_authorizations
		ORDER BY seq ASC, auth_id COLLATE BINARY ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("query consumed: %w", err)
	}
	defer rows.Close()

	ids := []string{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan consumed: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate consumed: %w", err)
	}
	return ids, nil
}

func (s *Store) queryEvents(ctx context.Context, query string, args ...any) ([]ir.Event, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	events := []ir.Event{}
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

func scanEvent(rows *sql.Rows) (ir.Event, error) {
	var ev ir.Event
	var kind, fieldsJSON string
	if err := rows.Scan(&ev.ID, &ev.Seq, &ev.OperationID, &kind, &fieldsJSON); err != nil {
		return ir.Event{}, fmt.Errorf("scan event: %w", err)
	}
	ev.Kind = ir.Kind(kind)
	fields, err := unmarshalFields(fieldsJSON)
	if err != nil {
		return ir.Event{}, fmt.Errorf("event %s: %w", ev.ID, err)
	}
	ev.Fields = fields
	return ev, nil
}
