package twinclient

import (
	"encoding/base64"
	"net/url"
	"strings"
)

// EncodeID Base64URL-encodes an identifier without padding, the scheme
// BaSyx uses for shell/submodel ids in URL path segments and event-bus
// topics.
func EncodeID(id string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(id))
}

// DecodeID reverses EncodeID. It is a bijection over arbitrary UTF-8
// input: EncodeID(DecodeID(s)) == s and DecodeID(EncodeID(s)) == s.
func DecodeID(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// EncodeIDShortPath percent-encodes an idShort path for use as a URL
// path segment, leaving "/" separators intact.
func EncodeIDShortPath(path string) string {
	segs := strings.Split(path, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}
