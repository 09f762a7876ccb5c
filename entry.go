package httpcache

import (
	"net/http"
	"time"
)

// CacheEntry wraps a stored origin response together with the freshness
// metadata derived from its headers at the time it was stored. It exposes
// the predicates the decision engine needs and nothing else: CacheEntry
// does not know about the store that holds it, or about the request that
// is currently being decided.
type CacheEntry struct {
	StatusCode int
	Header     http.Header
	body       []byte

	// RequestURL is the URI of the request that populated this entry,
	// kept so a background refresh (which only has a store key, not a
	// live *http.Request) can reconstruct one.
	RequestURL string

	// RequestTime and ResponseTime bound the origin round trip that
	// produced this entry. Invariant: ResponseTime >= RequestTime.
	RequestTime  time.Time
	ResponseTime time.Time

	freshnessLifetime    time.Duration
	staleWhileRevalidate time.Duration
	hasStaleWhileRevalidate bool
	staleIfError         time.Duration
	hasStaleIfError      bool
	mustRevalidate       bool
	noCache              bool
}

// NewCacheEntry derives a CacheEntry from an origin request/response pair
// and the clock readings bounding the request that produced it. The
// response body is read in full and stored, and res.Body is left as a
// rewindable copy at offset zero, so callers may still read it afterwards.
func NewCacheEntry(r *http.Request, res *http.Response, requestTime, responseTime time.Time) (*CacheEntry, error) {
	body, err := materializeBody(res)
	if err != nil {
		return nil, err
	}

	e := &CacheEntry{
		StatusCode:   res.StatusCode,
		Header:       res.Header.Clone(),
		body:         body,
		RequestTime:  requestTime,
		ResponseTime: responseTime,
	}
	if r != nil && r.URL != nil {
		e.RequestURL = r.URL.String()
	}
	e.deriveFreshness()
	return e, nil
}

func (e *CacheEntry) deriveFreshness() {
	d := ParseResponseDirectives(e.Header)

	e.freshnessLifetime = freshnessLifetimeOf(e.Header, d)

	if d.HasStaleWhileRevalidate {
		e.staleWhileRevalidate = time.Duration(d.StaleWhileRevalidate) * time.Second
		e.hasStaleWhileRevalidate = true
	}
	if d.HasStaleIfError {
		e.staleIfError = time.Duration(d.StaleIfError) * time.Second
		e.hasStaleIfError = true
	}
	e.mustRevalidate = d.MustRevalidate
	e.noCache = d.NoCache
}

// freshnessLifetimeOf computes a response's freshness lifetime per RFC 9111
// §4.2.1: max-age if present, else Expires minus Date. Shared with
// sqlitestore.go's Cache, which has no CacheEntry to hand at insert time
// and stores the result in the column that Oldest orders by.
func freshnessLifetimeOf(header http.Header, d ResponseDirectives) time.Duration {
	if d.HasMaxAge {
		return time.Duration(d.MaxAge) * time.Second
	}
	if expires, err := http.ParseTime(header.Get("Expires")); err == nil {
		if date, err := http.ParseTime(header.Get("Date")); err == nil {
			if lifetime := expires.Sub(date); lifetime > 0 {
				return lifetime
			}
		}
	}
	return 0
}

// Age returns the entry's current age, approximating RFC 7234's corrected
// age: time resident in the store plus the origin round-trip delay.
func (e *CacheEntry) Age(now time.Time) time.Duration {
	resident := now.Sub(e.ResponseTime)
	if resident < 0 {
		resident = 0
	}
	delay := e.ResponseTime.Sub(e.RequestTime)
	if delay < 0 {
		delay = 0
	}
	return resident + delay
}

// IsFresh reports whether the entry's age is still within its freshness
// lifetime.
func (e *CacheEntry) IsFresh(now time.Time) bool {
	return e.freshnessLifetime > e.Age(now)
}

// StaleAge returns how far past expiry the entry is; negative while fresh.
func (e *CacheEntry) StaleAge(now time.Time) time.Duration {
	return e.Age(now) - e.freshnessLifetime
}

// HasValidators reports whether the entry carries an ETag or Last-Modified
// header, making conditional revalidation possible.
func (e *CacheEntry) HasValidators() bool {
	return e.Header.Get("ETag") != "" || e.Header.Get("Last-Modified") != ""
}

// StaleWhileRevalidate reports whether the entry is within its
// stale-while-revalidate window.
func (e *CacheEntry) StaleWhileRevalidate(now time.Time) bool {
	if !e.hasStaleWhileRevalidate {
		return false
	}
	return e.StaleAge(now) <= e.staleWhileRevalidate
}

// ServeStaleIfError reports whether the entry may be served in place of an
// upstream error, per its stale-if-error window.
func (e *CacheEntry) ServeStaleIfError(now time.Time) bool {
	if !e.hasStaleIfError {
		return false
	}
	return e.StaleAge(now) <= e.staleIfError
}

// MustRevalidate reports the response's must-revalidate directive.
func (e *CacheEntry) MustRevalidate() bool { return e.mustRevalidate }

// NoCache reports the response's no-cache directive.
func (e *CacheEntry) NoCache() bool { return e.noCache }

// Response builds an *http.Response from the stored entry. The returned
// body is always positioned at offset zero, regardless of how many times
// Response has been called before.
func (e *CacheEntry) Response() *http.Response {
	body := newRewindableBody(e.body)
	return &http.Response{
		StatusCode:    e.StatusCode,
		Status:        http.StatusText(e.StatusCode),
		Header:        e.Header.Clone(),
		Body:          body,
		ContentLength: int64(len(e.body)),
	}
}

// applyValidationResponse merges the headers of a 304 revalidation response
// into this entry, refreshes its timestamps, and keeps the originally
// stored body, per RFC 9111 §4.3.4 "freshening".
func (e *CacheEntry) applyValidationResponse(res *http.Response, requestTime, responseTime time.Time) {
	for name, values := range res.Header {
		e.Header.Del(name)
		for _, v := range values {
			e.Header.Add(name, v)
		}
	}
	e.RequestTime = requestTime
	e.ResponseTime = responseTime
	e.deriveFreshness()
}
