package signature

import (
	"bytes"
	"encoding/json"

	"github.com/csai/reqguard/internal/reject"
)

// Reserved keys in signed payloads. TimestampKey carries the signing time
// and ClientIDKey the claimed client identity for asymmetric signatures.
const (
	TimestampKey = "_timestamp"
	ClientIDKey  = "_client_id"
)

// Canonicalize merges the timestamp into payload and serialises the result
// as JSON with object keys sorted at every level, so signer and verifier hash
// identical bytes regardless of the key order they were built with.
func Canonicalize(payload map[string]any, timestampMs int64) ([]byte, error) {
	return canonicalize(payload, timestampMs, "")
}

// CanonicalizeClient is Canonicalize with the client id merged in, so a
// client signature cannot be relabelled with another identity.
func CanonicalizeClient(payload map[string]any, timestampMs int64, clientID string) ([]byte, error) {
	if clientID == "" {
		return nil, reject.New(reject.InvalidFormat, "client id is required")
	}
	return canonicalize(payload, timestampMs, clientID)
}

func canonicalize(payload map[string]any, timestampMs int64, clientID string) ([]byte, error) {
	for _, k := range []string{TimestampKey, ClientIDKey} {
		if _, ok := payload[k]; ok {
			return nil, reject.New(reject.InvalidFormat, "payload uses reserved key "+k)
		}
	}
	merged := make(map[string]any, len(payload)+2)
	for k, v := range payload {
		merged[k] = v
	}
	merged[TimestampKey] = timestampMs
	if clientID != "" {
		merged[ClientIDKey] = clientID
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(merged); err != nil {
		return nil, reject.Wrap(reject.InvalidFormat, err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
