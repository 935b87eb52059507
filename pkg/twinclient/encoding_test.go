package twinclient

import (
	"testing"
	"testing/quick"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	ids := []string{
		"https://example.com/ids/shell/1",
		"simple-id",
		"id with spaces/and/slashes",
		"unicode-éèê",
		"",
	}
	for _, id := range ids {
		enc := EncodeID(id)
		dec, err := DecodeID(enc)
		assert.NoError(t, err)
		assert.Equal(t, id, dec)
	}
}

func TestEncodeDecodeIsBijection(t *testing.T) {
	f := func(s string) bool {
		enc := EncodeID(s)
		dec, err := DecodeID(enc)
		return err == nil && dec == s
	}
	if err := quick.Check(f, nil); err != nil {
		t.Error(err)
	}
}

func TestEncodeIDShortPathPreservesSlashes(t *testing.T) {
	got := EncodeIDShortPath("Collection/Nested Prop")
	assert.Equal(t, "Collection/Nested%20Prop", got)
}
