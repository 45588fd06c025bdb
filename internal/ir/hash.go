package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room to migrate the algorithm.
const (
	DomainEvent     = "custody/event/v1"
	DomainOperation = "custody/operation/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data) as hex.
// The null separator keeps domain and data boundaries unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// EventID computes the content-addressed id of a stamped event.
// The same (kind, operation, seq, fields) always yields the same id, so a
// replayed log can be checked against the ids it was written with.
func EventID(kind Kind, operationID string, seq int64, fields Object) (string, error) {
	if fields == nil {
		fields = Object{}
	}
	canonical, err := MarshalCanonical(Object{
		"kind":         String(kind),
		"operation_id": String(operationID),
		"seq":          Int(seq),
		"fields":       fields,
	})
	if err != nil {
		return "", fmt.Errorf("EventID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainEvent, canonical), nil
}

// OperationDigest hashes the ordered event ids of one operation.
// Replay verification compares digests instead of whole batches.
func OperationDigest(eventIDs []string) (string, error) {
	arr := make(Array, len(eventIDs))
	for i, id := range eventIDs {
		arr[i] = String(id)
	}
	canonical, err := MarshalCanonical(arr)
	if err != nil {
		return "", fmt.Errorf("OperationDigest: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainOperation, canonical), nil
}
