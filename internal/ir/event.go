package ir

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
)

// Kind names an audit record type.
type Kind string

const (
	KindDepositRecorded       Kind = "deposit_recorded"
	KindWithdrawalRequested   Kind = "withdrawal_requested"
	KindWithdrawalExecuted    Kind = "withdrawal_executed"
	KindWithdrawalFailed      Kind = "withdrawal_failed"
	KindAuthorizationVerified Kind = "authorization_verified"
	KindAuthorizationConsumed Kind = "authorization_consumed"
	KindValueTransferred      Kind = "value_transferred"
)

// Kinds lists every event kind in a stable order.
var Kinds = []Kind{
	KindDepositRecorded,
	KindWithdrawalRequested,
	KindWithdrawalExecuted,
	KindWithdrawalFailed,
	KindAuthorizationVerified,
	KindAuthorizationConsumed,
	KindValueTransferred,
}

// Valid reports whether k is a known kind.
func (k Kind) Valid() bool {
	for _, known := range Kinds {
		if k == known {
			return true
		}
	}
	return false
}

// Field names used in event payloads.
const (
	FieldAuthID        = "auth_id"
	FieldVault         = "vault"
	FieldRecipient     = "recipient"
	FieldDepositor     = "depositor"
	FieldAmount        = "amount"
	FieldPooledBalance = "pooled_balance"
	FieldReason        = "reason"
	FieldFrom          = "from"
	FieldTo            = "to"
)

// Event is one append-only audit record.
//
// Components create events unstamped (ID, Seq and OperationID empty). The
// event log stamps them when the enclosing operation commits.
type Event struct {
	ID          string `json:"id"`
	Seq         int64  `json:"seq"`
	OperationID string `json:"operation_id"`
	Kind        Kind   `json:"kind"`
	Fields      Object `json:"fields"`
}

// NewEvent returns an unstamped event.
func NewEvent(kind Kind, fields Object) Event {
	return Event{Kind: kind, Fields: fields}
}

// Address decodes an address field.
func (e Event) Address(field string) (common.Address, error) {
	s := e.Fields.Str(field)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("event %s: field %q is not an address: %q", e.Kind, field, s)
	}
	return common.HexToAddress(s), nil
}

// Hash decodes a 32-byte hash field.
func (e Event) Hash(field string) (common.Hash, error) {
	b, err := hexutil.Decode(e.Fields.Str(field))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("event %s: field %q is not a 32-byte hash", e.Kind, field)
	}
	return common.BytesToHash(b), nil
}

// Amount decodes a base-unit amount field.
func (e Event) Amount(field string) (*uint256.Int, error) {
	v, err := uint256.FromDecimal(e.Fields.Str(field))
	if err != nil {
		return nil, fmt.Errorf("event %s: field %q: %w", e.Kind, field, err)
	}
	return v, nil
}

// AddressValue renders an address as a lowercase hex field value.
func AddressValue(a common.Address) String {
	return String(hexutil.Encode(a.Bytes()))
}

// HashValue renders a hash as a lowercase hex field value.
func HashValue(h common.Hash) String {
	return String(h.Hex())
}

// AmountValue renders an amount in base units.
func AmountValue(v *uint256.Int) String {
	return String(v.Dec())
}
