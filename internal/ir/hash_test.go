package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHashWithDomainFormat(t *testing.T) {
	data := []byte(`{"a":1}`)

	h := sha256.New()
	h.Write([]byte("custody/event/v1"))
	h.Write([]byte{0x00})
	h.Write(data)
	want := hex.EncodeToString(h.Sum(nil))

	assert.Equal(t, want, hashWithDomain(DomainEvent, data))
	assert.NotEqual(t, want, hashWithDomain(DomainOperation, data), "domains must separate")
}

func TestEventIDDeterminism(t *testing.T) {
	fields := Object{
		FieldAuthID: String("0x01"),
		FieldAmount: String("1000"),
	}

	id1, err := EventID(KindAuthorizationConsumed, "op-1", 3, fields)
	require.NoError(t, err)
	id2, err := EventID(KindAuthorizationConsumed, "op-1", 3, fields.Clone())
	require.NoError(t, err)

	assert.Equal(t, id1, id2, "EventID must be deterministic")
	assert.Len(t, id1, 64, "SHA-256 hex is 64 characters")
}

func TestEventIDChangesWithInput(t *testing.T) {
	fields := Object{FieldAuthID: String("0x01")}

	base, err := EventID(KindAuthorizationConsumed, "op-1", 1, fields)
	require.NoError(t, err)

	variants := []struct {
		name   string
		kind   Kind
		op     string
		seq    int64
		fields Object
	}{
		{"kind", KindAuthorizationVerified, "op-1", 1, fields},
		{"operation", KindAuthorizationConsumed, "op-2", 1, fields},
		{"seq", KindAuthorizationConsumed, "op-1", 2, fields},
		{"fields", KindAuthorizationConsumed, "op-1", 1, Object{FieldAuthID: String("0x02")}},
	}
	for _, v := range variants {
		t.Run(v.name, func(t *testing.T) {
			id, err := EventID(v.kind, v.op, v.seq, v.fields)
			require.NoError(t, err)
			assert.NotEqual(t, base, id)
		})
	}
}

func TestEventIDNilFieldsEqualsEmpty(t *testing.T) {
	a, err := EventID(KindDepositRecorded, "op", 1, nil)
	require.NoError(t, err)
	b, err := EventID(KindDepositRecorded, "op", 1, Object{})
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestOperationDigestOrderSensitive(t *testing.T) {
	d1, err := OperationDigest([]string{"a", "b"})
	require.NoError(t, err)
	d2, err := OperationDigest([]string{"b", "a"})
	require.NoError(t, err)
	assert.NotEqual(t, d1, d2)
}
