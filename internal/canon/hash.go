package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix allows the hashing scheme to change later.
const (
	DomainDispatch = "statekit/dispatch/v1"
	DomainFields   = "statekit/fields/v1"
)

// hashWithDomain computes SHA256(domain || 0x00 || data).
// The null separator keeps the domain/data boundary unambiguous.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// DispatchID computes the content-addressed ID of one dispatch.
// The same flow, kind, payload and seq always yield the same ID.
func DispatchID(flowToken, kind string, fields map[string]any, seq int64) (string, error) {
	data, err := Marshal(map[string]any{
		"flow_token": flowToken,
		"kind":       kind,
		"fields":     fields,
		"seq":        seq,
	})
	if err != nil {
		return "", fmt.Errorf("dispatch id: %w", err)
	}
	return hashWithDomain(DomainDispatch, data), nil
}

// FieldsHash hashes an action payload independent of flow and sequence.
// Two actions of the same kind with equal payloads share a FieldsHash.
func FieldsHash(kind string, fields map[string]any) (string, error) {
	data, err := Marshal(map[string]any{"kind": kind, "fields": fields})
	if err != nil {
		return "", fmt.Errorf("fields hash: %w", err)
	}
	return hashWithDomain(DomainFields, data), nil
}
