package store

import (
	"context"
	"fmt"

	"github.com/roach88/custody/internal/ir"
)

// AppendEvents writes one operation's events in a single transaction.
//
// Events must already be stamped (ID, Seq, OperationID). A duplicate event id
// or seq fails the whole batch. Every authorization_consumed event also claims
// its authId in consumed_authorizations; if the authId was already claimed,
// nothing is written and the error carries ir.ErrAlreadyConsumed.
func (s *Store) AppendEvents(ctx context.Context, events []ir.Event) error {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("append events: begin tx: %w", err)
	}
	defer tx.Rollback() // No-op if committed

	for _, ev := range events {
		if ev.ID == "" || ev.OperationID == "" || ev.Seq <= 0 {
			return fmt.Errorf("append events: event %s is not stamped", ev.Kind)
		}
		fieldsJSON, err := marshalFields(ev.Fields)
		if err != nil {
			return fmt.Errorf("append events: %w", err)
		}

		_, err = tx.ExecContext(ctx, `
			INSERT INTO events (id, seq, operation_id, kind, fields)
			VALUES (?, ?, ?, ?, ?)
		`, ev.ID, ev.Seq, ev.OperationID, string(ev.Kind), fieldsJSON)
		if err != nil {
			return fmt.Errorf("append events: insert seq %d: %w", ev.Seq, err)
		}

		if ev.Kind != ir.KindAuthorizationConsumed {
			continue
		}
		authID := ev.Fields.Str(ir.FieldAuthID)
		result, err := tx.ExecContext(ctx, `
			INSERT INTO consumed_authorizations (auth_id, seq)
			VALUES (?, ?)
			ON CONFLICT(auth_id) DO NOTHING
		`, authID, ev.Seq)
		if err != nil {
			return fmt.Errorf("append events: claim %s: %w", authID, err)
		}
		rowsAffected, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("append events: rows affected: %w", err)
		}
		if rowsAffected == 0 {
			return ir.Errorf(ir.CodeAlreadyConsumed, "authorization %s already consumed", authID)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("append events: commit: %w", err)
	}
	return nil
}
