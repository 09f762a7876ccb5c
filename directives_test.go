package httpcache

import (
	"net/http"
	"testing"
)

func TestParseRequestDirectives(t *testing.T) {
	h := http.Header{}
	h.Add("Cache-Control", "max-stale=30, min-fresh=10")
	d := ParseRequestDirectives(h)

	if !d.AcceptStale || !d.HasMaxStale || d.MaxStale != 30 {
		t.Fatalf("max-stale not parsed: %+v", d)
	}
	if !d.HasMinFresh || d.MinFresh != 10 {
		t.Fatalf("min-fresh not parsed: %+v", d)
	}
	if d.OnlyIfCached {
		t.Fatalf("only-if-cached should not be set")
	}
}

func TestParseRequestDirectivesMaxStaleUnbounded(t *testing.T) {
	h := http.Header{}
	h.Add("Cache-Control", "max-stale")
	d := ParseRequestDirectives(h)

	if !d.AcceptStale {
		t.Fatalf("expected accept-stale")
	}
	if d.HasMaxStale {
		t.Fatalf("bare max-stale should not carry a bound")
	}
}

func TestParseRequestDirectivesOnlyIfCached(t *testing.T) {
	h := http.Header{}
	h.Add("Cache-Control", "only-if-cached")
	d := ParseRequestDirectives(h)

	if !d.OnlyIfCached {
		t.Fatalf("expected only-if-cached")
	}
}

func TestParseResponseDirectives(t *testing.T) {
	h := http.Header{}
	h.Add("Cache-Control", "max-age=60, stale-while-revalidate=30, stale-if-error=3600")
	d := ParseResponseDirectives(h)

	if !d.HasMaxAge || d.MaxAge != 60 {
		t.Fatalf("max-age not parsed: %+v", d)
	}
	if !d.HasStaleWhileRevalidate || d.StaleWhileRevalidate != 30 {
		t.Fatalf("stale-while-revalidate not parsed: %+v", d)
	}
	if !d.HasStaleIfError || d.StaleIfError != 3600 {
		t.Fatalf("stale-if-error not parsed: %+v", d)
	}
}

func TestParseResponseDirectivesNoStore(t *testing.T) {
	h := http.Header{}
	h.Add("Cache-Control", "no-store")
	d := ParseResponseDirectives(h)

	if !d.NoStore {
		t.Fatalf("expected no-store")
	}
}

func TestParseCacheControlIgnoresMalformedDirectives(t *testing.T) {
	h := http.Header{}
	h.Add("Cache-Control", "max-age=not-a-number, no-cache")
	d := ParseResponseDirectives(h)

	if d.HasMaxAge {
		t.Fatalf("malformed max-age should be ignored, got %+v", d)
	}
	if !d.NoCache {
		t.Fatalf("expected no-cache despite malformed max-age")
	}
}
