package store

import (
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/roach88/custody/internal/ir"
)

// createTestStore creates a new store in a temp directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func hashHex(s string) string {
	return common.HexToHash(s).Hex()
}

// stamped returns an event with test ids filled in.
func stamped(op string, seq int64, kind ir.Kind, fields ir.Object) ir.Event {
	ev := ir.NewEvent(kind, fields)
	ev.OperationID = op
	ev.Seq = seq
	id, err := ir.EventID(kind, op, seq, fields)
	if err != nil {
		panic(err)
	}
	ev.ID = id
	return ev
}

// consumeOp returns the verified/consumed pair for authID starting at seq.
func consumeOp(op string, seq int64, authID string) []ir.Event {
	fields := ir.Object{
		ir.FieldAuthID:    ir.String(hashHex(authID)),
		ir.FieldVault:     ir.String("0x00000000000000000000000000000000000000fe"),
		ir.FieldRecipient: ir.String("0x0000000000000000000000000000000000000002"),
		ir.FieldAmount:    ir.String("100"),
	}
	return []ir.Event{
		stamped(op, seq, ir.KindAuthorizationVerified, fields),
		stamped(op, seq+1, ir.KindAuthorizationConsumed, fields),
	}
}

func depositOp(op string, seq int64, amount string) []ir.Event {
	return []ir.Event{stamped(op, seq, ir.KindDepositRecorded, ir.Object{
		ir.FieldDepositor:     ir.String("0x0000000000000000000000000000000000000001"),
		ir.FieldAmount:        ir.String(amount),
		ir.FieldPooledBalance: ir.String(amount),
	})}
}
