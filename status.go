package httpcache

import "net/http"

// Status is the three-value decision outcome this middleware is willing to
// make observable via the debug header (§4.4, §6 of the spec). It is
// deliberately narrower than RFC 9211's full Cache-Status forwarding-reason
// vocabulary: this cache does not implement Vary negotiation or partial
// content, so there is nothing to distinguish beyond hit, miss, and stale.
type Status string

const (
	StatusHit   Status = "HIT"
	StatusMiss  Status = "MISS"
	StatusStale Status = "STALE"
)

// setDebugHeader annotates h with the decision outcome, if debugging is
// enabled.
func setDebugHeader(h http.Header, status Status, cfg Config) {
	if !cfg.Debug {
		return
	}
	name := cfg.DebugHeader
	if name == "" {
		name = DefaultDebugHeader
	}
	h.Set(name, string(status))
}
