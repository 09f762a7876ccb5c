package httpcache

import (
	"crypto/sha256"
	"encoding/hex"
	"net/http"
)

// KeyOf returns a deterministic fingerprint for a request. Two requests
// with equal fingerprints are considered cache-equivalent.
//
// The default derivation is a lowercase hex digest of the full request URI.
// It is pure and total: it never fails and never consults the network,
// the clock, or any mutable state.
func KeyOf(r *http.Request) string {
	sum := sha256.Sum256([]byte(r.URL.String()))
	return hex.EncodeToString(sum[:])
}
