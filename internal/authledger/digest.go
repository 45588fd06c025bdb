package authledger

import (
	"hash"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"golang.org/x/crypto/sha3"
)

// DigestTag domain-separates authorization digests from every other hash.
const DigestTag = "VAULT_WITHDRAWAL_AUTHORIZATION_V1"

// Digest builds the canonical authId for a withdrawal intent:
//
//	keccak256(DigestTag ‖ vault[20] ‖ networkID[32] ‖ recipient[20] ‖ amount[32] ‖ nonce[32])
//
// Integers are big-endian and left-padded. Every field has a fixed width, so
// distinct tuples never share an encoding. Consume does not recompute it.
func Digest(vault common.Address, networkID uint64, recipient common.Address, amount *uint256.Int, nonce uint64) common.Hash {
	if amount == nil {
		amount = new(uint256.Int)
	}
	h := sha3.NewLegacyKeccak256()
	h.Write([]byte(DigestTag))
	h.Write(vault.Bytes())
	writeWord(h, uint256.NewInt(networkID))
	h.Write(recipient.Bytes())
	writeWord(h, amount)
	writeWord(h, uint256.NewInt(nonce))

	return common.BytesToHash(h.Sum(nil))
}

func writeWord(h hash.Hash, v *uint256.Int) {
	word := v.Bytes32()
	h.Write(word[:])
}
