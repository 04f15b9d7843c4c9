package taskflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Fingerprint derives the content digest used for duplicate detection. Each
// geometry string is decoded and re-encoded so key order and whitespace inside
// the GeoJSON cannot change the digest; the semantic fields are then hashed as
// a single sorted-key document. Identical payloads always produce identical
// digests.
func Fingerprint(sub Submission) (string, error) {
	geometries := make([]any, len(sub.Geometries))
	for i, g := range sub.Geometries {
		var decoded any
		if err := json.Unmarshal([]byte(g), &decoded); err != nil {
			return "", &ValidationError{
				Field:  "target_geojsons",
				Reason: fmt.Sprintf("geometry %d is not valid json", i),
			}
		}
		geometries[i] = decoded
	}

	payload := map[string]any{
		"kind":       string(sub.Kind),
		"start":      sub.Start,
		"stop":       sub.Stop,
		"geometries": geometries,
	}
	if sub.Threshold != nil {
		payload["threshold"] = *sub.Threshold
	}

	// encoding/json renders map keys in sorted order at every nesting level,
	// which is the canonical form the digest relies on.
	data, err := json.Marshal(payload)
	if err != nil {
		return "", &ValidationError{Reason: fmt.Sprintf("payload not representable: %v", err)}
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}
