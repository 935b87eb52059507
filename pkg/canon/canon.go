// Package canon provides RFC 8785 (JCS) canonical JSON encoding used
// throughout the safety core for content hashing and signing.
package canon

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Marshal returns the JCS canonical form of v: object keys sorted at
// every depth, no insignificant whitespace, numbers in their minimal
// JSON representation. The result is suitable for content hashing and
// is deterministic across processes and Go versions.
func Marshal(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canon: marshal: %w", err)
	}
	out, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("canon: jcs transform: %w", err)
	}
	return out, nil
}

// MustMarshal is Marshal but panics on error. Reserved for call sites
// where v is a known-good internal type whose encoding cannot fail.
func MustMarshal(v interface{}) []byte {
	out, err := Marshal(v)
	if err != nil {
		panic(err)
	}
	return out
}
