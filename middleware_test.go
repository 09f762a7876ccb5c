package httpcache

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
)

func TestMiddlewareDisabledPassesThrough(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	})
	mw := New(Config{Disabled: true}).Middleware(handler)

	req := httptest.NewRequest("GET", "/x", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if body := rec.Body.String(); body != "hello" {
		t.Fatalf("body = %q", body)
	}
}

func TestMiddlewareNonCacheableMethodTaggedMiss(t *testing.T) {
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("posted"))
	})
	mw := New(Config{Store: NewMemStore(), Debug: true}).Middleware(handler)

	req := httptest.NewRequest("POST", "/x", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if got := rec.Header().Get(DefaultDebugHeader); got != string(StatusMiss) {
		t.Fatalf("debug header = %q, want MISS", got)
	}
}

func TestScenarioFreshHit(t *testing.T) {
	store := NewMemStore()
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Write([]byte("fresh"))
	})
	mw := New(Config{Store: store, Debug: true}).Middleware(handler)

	req := httptest.NewRequest("GET", "https://api.example/x", nil)
	storedAt := time.Now().Add(-10 * time.Second)
	store.Cache(req, makeResponse(200, map[string]string{"Cache-Control": "max-age=60"}, "fresh"), storedAt, storedAt)

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if handleCount != 0 {
		t.Fatalf("expected next handler not to be called, got %d calls", handleCount)
	}
	if got := rec.Header().Get(DefaultDebugHeader); got != string(StatusHit) {
		t.Fatalf("debug header = %q, want HIT", got)
	}
	if body := rec.Body.String(); body != "fresh" {
		t.Fatalf("body = %q", body)
	}
}

func TestScenarioMissThenPopulate(t *testing.T) {
	store := NewMemStore()
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Header().Set("Cache-Control", "max-age=30")
		w.Write([]byte("hello"))
	})
	mw := New(Config{Store: store, Debug: true}).Middleware(handler)

	req := httptest.NewRequest("GET", "/y", nil)

	rec1 := httptest.NewRecorder()
	mw.ServeHTTP(rec1, req)
	if got := rec1.Header().Get(DefaultDebugHeader); got != string(StatusMiss) {
		t.Fatalf("first request debug header = %q, want MISS", got)
	}
	if body := rec1.Body.String(); body != "hello" {
		t.Fatalf("first request body = %q", body)
	}

	rec2 := httptest.NewRecorder()
	mw.ServeHTTP(rec2, req)
	if handleCount != 1 {
		t.Fatalf("expected next handler called once, got %d", handleCount)
	}
	if got := rec2.Header().Get(DefaultDebugHeader); got != string(StatusHit) {
		t.Fatalf("second request debug header = %q, want HIT", got)
	}
	if body := rec2.Body.String(); body != "hello" {
		t.Fatalf("second request body = %q", body)
	}
}

func TestScenario304Merge(t *testing.T) {
	store := NewMemStore()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("If-None-Match") == `"v1"` {
			w.Header().Set("X-Served-By", "cache2")
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.WriteHeader(http.StatusInternalServerError)
	})
	mw := New(Config{Store: store, Debug: true}).Middleware(handler)

	req := httptest.NewRequest("GET", "/z", nil)
	storedAt := time.Now().Add(-120 * time.Second)
	store.Cache(req, makeResponse(200, map[string]string{
		"Cache-Control": "max-age=60",
		"ETag":          `"v1"`,
	}, "old"), storedAt, storedAt)

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if body := rec.Body.String(); body != "old" {
		t.Fatalf("body = %q, want original stored body", body)
	}
	if got := rec.Header().Get("X-Served-By"); got != "cache2" {
		t.Fatalf("X-Served-By = %q, want cache2", got)
	}
	if got := rec.Header().Get(DefaultDebugHeader); got != string(StatusHit) {
		t.Fatalf("debug header = %q, want HIT", got)
	}

	entry, ok := store.Fetch(req)
	if !ok {
		t.Fatalf("expected entry to remain after merge")
	}
	if entry.Header.Get("X-Served-By") != "cache2" {
		t.Fatalf("expected merged header to be persisted")
	}
}

func TestScenarioStaleWhileRevalidate(t *testing.T) {
	store := NewMemStore()
	revalidated := make(chan struct{})
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get(RevalidationHeader) == "" {
			t.Errorf("expected background revalidation request to carry %s", RevalidationHeader)
		}
		if r.Header.Get("If-None-Match") != `"v1"` {
			t.Errorf("expected If-None-Match from stored ETag, got %q", r.Header.Get("If-None-Match"))
		}
		w.WriteHeader(http.StatusNotModified)
		close(revalidated)
	})
	mw := New(Config{Store: store, Debug: true}).Middleware(handler)

	req := httptest.NewRequest("GET", "/swr", nil)
	storedAt := time.Now().Add(-70 * time.Second)
	store.Cache(req, makeResponse(200, map[string]string{
		"Cache-Control": "max-age=60, stale-while-revalidate=30",
		"ETag":          `"v1"`,
	}, "stale body"), storedAt, storedAt)

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if got := rec.Header().Get(DefaultDebugHeader); got != string(StatusStale) {
		t.Fatalf("debug header = %q, want STALE", got)
	}
	if body := rec.Body.String(); body != "stale body" {
		t.Fatalf("body = %q, want stale body returned immediately", body)
	}

	select {
	case <-revalidated:
	case <-time.After(2 * time.Second):
		t.Fatalf("expected background revalidation to run")
	}
}

func TestScenarioOnlyIfCachedMiss(t *testing.T) {
	handleCount := 0
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		handleCount++
	})
	mw := New(Config{Store: NewMemStore()}).Middleware(handler)

	req := httptest.NewRequest("GET", "/never-cached", nil)
	req.Header.Set("Cache-Control", "only-if-cached")

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if rec.Code != http.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504", rec.Code)
	}
	if handleCount != 0 {
		t.Fatalf("expected next handler not to be called, got %d calls", handleCount)
	}
}

func TestScenarioStaleOnError(t *testing.T) {
	store := NewMemStore()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	mw := New(Config{Store: store, Debug: true}).Middleware(handler)

	req := httptest.NewRequest("GET", "/flaky", nil)
	storedAt := time.Now().Add(-90 * time.Second)
	store.Cache(req, makeResponse(200, map[string]string{
		"Cache-Control": "max-age=60, stale-if-error=3600",
	}, "last known good"), storedAt, storedAt)

	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if got := rec.Header().Get(DefaultDebugHeader); got != string(StatusStale) {
		t.Fatalf("debug header = %q, want STALE", got)
	}
	if body := rec.Body.String(); body != "last known good" {
		t.Fatalf("body = %q", body)
	}
}

func TestMiddlewareNoStoreNotCached(t *testing.T) {
	store := NewMemStore()
	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		w.Write([]byte("sensitive"))
	})
	mw := New(Config{Store: store}).Middleware(handler)

	req := httptest.NewRequest("GET", "/secret", nil)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if _, ok := store.Fetch(req); ok {
		t.Fatalf("expected no-store response not to be cached")
	}
}

func TestChiMiddleware(t *testing.T) {
	router := chi.NewRouter()
	handleCount := 0
	router.Get("/ping", func(w http.ResponseWriter, r *http.Request) {
		handleCount++
		w.Header().Set("Cache-Control", "max-age=60")
		w.Write([]byte("pong"))
	})

	mw := New(Config{Store: NewMemStore()}).Middleware(router)

	req := httptest.NewRequest("GET", "/ping", nil)
	mw.ServeHTTP(httptest.NewRecorder(), req)
	rec := httptest.NewRecorder()
	mw.ServeHTTP(rec, req)

	if handleCount != 1 {
		t.Fatalf("expected chi handler invoked once, got %d", handleCount)
	}
	if body := rec.Body.String(); body != "pong" {
		t.Fatalf("body = %q", body)
	}
}
