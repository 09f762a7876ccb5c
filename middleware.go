package httpcache

import (
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultDebugHeader is the header name used to annotate responses with
// the decision outcome when Config.Debug is true and Config.DebugHeader
// is unset.
const DefaultDebugHeader = "X-Cache-Status"

// RevalidationHeader marks a request as one the middleware generated
// itself for background revalidation. A request arriving with this
// header already set is passed straight to the next handler without
// being looked up in the cache, so revalidation traffic never recurses
// into the decision engine.
const RevalidationHeader = "X-Cache-Revalidation"

// Config configures a Middleware.
type Config struct {
	// Disabled bypasses the cache entirely: every request is forwarded
	// to the next handler unchanged, and the store is never consulted.
	Disabled bool
	// Methods lists the HTTP methods eligible for caching, compared
	// case-insensitively. Defaults to {"GET"}.
	Methods []string
	// Debug, when true, annotates every response with DebugHeader.
	Debug bool
	// DebugHeader names the header used for the above. Defaults to
	// DefaultDebugHeader.
	DebugHeader string
	// Store is the backend entries are read from and written to.
	// Required unless Disabled is true.
	Store CacheStore
	// Logger overrides the package-level zerolog logger.
	Logger *zerolog.Logger
	// RefreshInterval, when non-zero, starts a background sweep that
	// proactively revalidates the store's soonest-to-expire entry
	// shortly before it goes stale. Only stores that implement
	// OldestLookuper and this package's unexported key lookup (MemStore
	// and SQLiteStore) take part; for any other store it has no effect.
	RefreshInterval time.Duration
}

// Middleware is the cache decision engine. Construct with New and wrap a
// handler with Middleware.Middleware.
type Middleware struct {
	cfg     Config
	store   CacheStore
	methods map[string]bool
	log     zerolog.Logger

	next http.Handler

	wg           sync.WaitGroup
	inFlightMu   sync.Mutex
	inFlightKeys map[string]bool

	stopRefresh chan struct{}
	refreshOnce sync.Once
}

// New constructs a Middleware from cfg. A nil Store is a configuration
// error and panics, unless the middleware is disabled outright — there
// is no sane degraded mode for a cache with nowhere to put entries.
func New(cfg Config) *Middleware {
	if cfg.Disabled {
		return &Middleware{cfg: cfg}
	}
	if cfg.Store == nil {
		panic("httpcache: Config.Store must not be nil")
	}
	if len(cfg.Methods) == 0 {
		cfg.Methods = []string{http.MethodGet}
	}
	methods := make(map[string]bool, len(cfg.Methods))
	for _, meth := range cfg.Methods {
		methods[strings.ToUpper(meth)] = true
	}

	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	return &Middleware{
		cfg:          cfg,
		store:        cfg.Store,
		methods:      methods,
		log:          logger,
		inFlightKeys: make(map[string]bool),
		stopRefresh:  make(chan struct{}),
	}
}

// Middleware wraps next, returning an http.Handler that serves requests
// from the cache where possible and falls through to next otherwise.
func (m *Middleware) Middleware(next http.Handler) http.Handler {
	m.next = next
	if m.cfg.RefreshInterval > 0 {
		m.startRefreshSweep()
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.serveHTTP(w, r)
	})
}

func (m *Middleware) serveHTTP(w http.ResponseWriter, r *http.Request) {
	if m.cfg.Disabled {
		m.next.ServeHTTP(w, r)
		return
	}

	if !m.methods[strings.ToUpper(r.Method)] {
		m.serveBypass(w, r)
		return
	}

	if r.Header.Get(RevalidationHeader) != "" {
		r.Header.Del(RevalidationHeader)
		m.next.ServeHTTP(w, r)
		return
	}

	reqDirectives := ParseRequestDirectives(r.Header)
	now := time.Now()

	entry, ok := m.store.Fetch(r)
	if ok {
		if served := m.tryServeFromEntry(w, r, entry, reqDirectives, now); served {
			return
		}
		if entry.HasValidators() && !reqDirectives.OnlyIfCached {
			r = conditionalRequest(r, entry)
		}
	} else if reqDirectives.OnlyIfCached {
		writeSynthetic504(w)
		return
	}

	requestTime := time.Now()
	res, err := m.roundTrip(r)
	if err != nil {
		if ok && entry.ServeStaleIfError(time.Now()) {
			m.writeEntry(w, entry, StatusStale)
			return
		}
		m.log.Error().Err(err).Msg("next handler failed")
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	final := m.fulfil(r, res, entry, requestTime)
	writeResponse(w, final)
}

// tryServeFromEntry attempts the fresh-hit, accept-stale-hit, and
// stale-while-revalidate branches of the decision algorithm. It reports
// whether it fully served the response.
func (m *Middleware) tryServeFromEntry(w http.ResponseWriter, r *http.Request, entry *CacheEntry, d RequestDirectives, now time.Time) bool {
	if entry.IsFresh(now) {
		if !d.HasMinFresh || entry.StaleAge(now)+time.Duration(d.MinFresh)*time.Second <= 0 {
			m.writeEntry(w, entry, StatusHit)
			return true
		}
	}

	if d.AcceptStale {
		if !d.HasMaxStale || entry.StaleAge(now) <= time.Duration(d.MaxStale)*time.Second {
			m.writeEntry(w, entry, StatusHit)
			return true
		}
	}

	if entry.HasValidators() && !d.OnlyIfCached && entry.StaleWhileRevalidate(now) {
		m.scheduleRevalidation(conditionalRequest(r, entry))
		m.writeEntry(w, entry, StatusStale)
		return true
	}

	return false
}

// serveBypass handles requests whose method is not in Config.Methods: the
// cache decision never runs, but an unsafe-method response may still
// carry Cache-Update headers that need acting on.
func (m *Middleware) serveBypass(w http.ResponseWriter, r *http.Request) {
	res, err := m.roundTrip(r)
	if err != nil {
		m.log.Error().Err(err).Msg("next handler failed")
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	if isUnsafeMethod(r.Method) {
		m.applyCacheUpdates(r, res)
	}
	setDebugHeader(res.Header, StatusMiss, m.cfg)
	writeResponse(w, res)
}

// roundTrip calls the next handler through a buffering recorder,
// recovering a panic into an error so it never crosses the middleware
// boundary (§10.2).
func (m *Middleware) roundTrip(r *http.Request) (res *http.Response, err error) {
	rec := newResponseRecorder()
	defer func() {
		if p := recover(); p != nil {
			m.log.Error().Interface("panic", p).Msg("next handler panicked")
			err = fmt.Errorf("httpcache: next handler panicked: %v", p)
		}
	}()
	m.next.ServeHTTP(rec, r)
	return rec.result(), nil
}

// fulfil implements §4.4.1: stale-on-error, 304 merge, or normal store.
func (m *Middleware) fulfil(r *http.Request, res *http.Response, entry *CacheEntry, requestTime time.Time) *http.Response {
	responseTime := time.Now()

	if res.StatusCode >= http.StatusInternalServerError && entry != nil && entry.ServeStaleIfError(responseTime) {
		stale := entry.Response()
		setDebugHeader(stale.Header, StatusStale, m.cfg)
		return stale
	}

	if res.StatusCode == http.StatusNotModified && entry != nil {
		// Merge into a copy; the stored entry changes only through Update.
		refreshed := *entry
		refreshed.Header = entry.Header.Clone()
		refreshed.applyValidationResponse(res, requestTime, responseTime)
		if err := m.store.Update(r, refreshed.Response(), requestTime, responseTime); err != nil {
			m.log.Warn().Err(err).Msg("cache store: update failed persisting revalidation")
		}
		merged := refreshed.Response()
		setDebugHeader(merged.Header, StatusHit, m.cfg)
		return merged
	}

	if res.StatusCode >= http.StatusInternalServerError {
		setDebugHeader(res.Header, StatusMiss, m.cfg)
		return res
	}
	if ParseResponseDirectives(res.Header).NoStore {
		setDebugHeader(res.Header, StatusMiss, m.cfg)
		return res
	}
	if err := m.store.Cache(r, res, requestTime, responseTime); err != nil {
		m.log.Warn().Err(err).Msg("cache store: cache failed")
	}
	resetBody(res)
	setDebugHeader(res.Header, StatusMiss, m.cfg)
	return res
}

func (m *Middleware) writeEntry(w http.ResponseWriter, entry *CacheEntry, status Status) {
	res := entry.Response()
	setDebugHeader(res.Header, status, m.cfg)
	writeResponse(w, res)
}

func writeSynthetic504(w http.ResponseWriter) {
	w.WriteHeader(http.StatusGatewayTimeout)
}

// conditionalRequest clones r and adds If-None-Match / If-Modified-Since
// from entry's stored validators.
func conditionalRequest(r *http.Request, entry *CacheEntry) *http.Request {
	clone := r.Clone(r.Context())
	if etag := entry.Header.Get("ETag"); etag != "" {
		clone.Header.Set("If-None-Match", etag)
	}
	if lastMod := entry.Header.Get("Last-Modified"); lastMod != "" {
		clone.Header.Set("If-Modified-Since", lastMod)
	}
	return clone
}

func isUnsafeMethod(method string) bool {
	switch strings.ToUpper(method) {
	case http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete:
		return true
	}
	return false
}
