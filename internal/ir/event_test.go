package ir

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindValid(t *testing.T) {
	for _, k := range Kinds {
		assert.True(t, k.Valid(), k)
	}
	assert.False(t, Kind("withdrawal_pending").Valid())
}

func TestEventFieldDecoding(t *testing.T) {
	vault := common.HexToAddress("0x00000000000000000000000000000000000000fe")
	recipient := common.HexToAddress("0x00000000000000000000000000000000000000AB")
	authID := common.HexToHash("0x01")

	req := AuthorizationRequest{
		Vault:     vault,
		NetworkID: 1,
		Recipient: recipient,
		Amount:    uint256.NewInt(1500),
		AuthID:    authID,
	}
	ev := NewEvent(KindAuthorizationVerified, req.Fields())

	assert.Equal(t, "0x00000000000000000000000000000000000000ab", ev.Fields.Str(FieldRecipient), "addresses render lowercase")

	gotVault, err := ev.Address(FieldVault)
	require.NoError(t, err)
	assert.Equal(t, vault, gotVault)

	gotAuth, err := ev.Hash(FieldAuthID)
	require.NoError(t, err)
	assert.Equal(t, authID, gotAuth)

	amount, err := ev.Amount(FieldAmount)
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), amount.Uint64())
}

func TestEventFieldDecodingErrors(t *testing.T) {
	ev := NewEvent(KindWithdrawalFailed, Object{
		FieldRecipient: String("nope"),
		FieldAuthID:    String("0x1234"),
		FieldAmount:    String("-1"),
	})

	_, err := ev.Address(FieldRecipient)
	assert.Error(t, err)
	_, err = ev.Hash(FieldAuthID)
	assert.Error(t, err)
	_, err = ev.Amount(FieldAmount)
	assert.Error(t, err)
}
