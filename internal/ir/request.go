package ir

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// AuthorizationRequest is what a vault presents to its authorization gate.
// Vault is the identity the caller claims to act as; the gate compares it to
// the actual caller.
type AuthorizationRequest struct {
	Vault     common.Address
	NetworkID uint64
	Recipient common.Address
	Amount    *uint256.Int
	AuthID    common.Hash
}

// Fields renders the request as the payload of an authorization_verified event.
func (r AuthorizationRequest) Fields() Object {
	amount := r.Amount
	if amount == nil {
		amount = new(uint256.Int)
	}
	return Object{
		FieldAuthID:    HashValue(r.AuthID),
		FieldVault:     AddressValue(r.Vault),
		FieldRecipient: AddressValue(r.Recipient),
		FieldAmount:    AmountValue(amount),
	}
}
