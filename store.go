package httpcache

import (
	"net/http"
	"sync"
	"time"
)

// CacheStore is the storage abstraction the middleware decides against. It
// owns its entries; the middleware holds only short-lived references
// fetched for the current decision.
//
// Implementations must be safe for concurrent use: Fetch/Cache/Update may
// be called from the foreground request path and from background
// revalidation goroutines at the same time.
type CacheStore interface {
	// Fetch returns the entry keyed by KeyOf(request), if any. A backend
	// error is equivalent to a miss; it must never be surfaced to the
	// decision engine as a failure.
	Fetch(r *http.Request) (*CacheEntry, bool)
	// Cache stores res as a new entry, overwriting any existing entry for
	// the same key.
	Cache(r *http.Request, res *http.Response, requestTime, responseTime time.Time) error
	// Update is semantically a Cache, distinguished so a backend can
	// record revalidation hits separately if it wants to.
	Update(r *http.Request, res *http.Response, requestTime, responseTime time.Time) error
	// Purge removes the entry for the given key, if any. Not used by the
	// decision engine itself; it exists for callers implementing their
	// own eviction policy.
	Purge(key string)
}

// OldestLookuper is an optional CacheStore extension: a store that can
// report which of its entries expires soonest lets the middleware run a
// periodic refresh sweep (Config.RefreshInterval, see update.go). Stores
// that cannot answer this cheaply (or at all) simply don't implement it.
type OldestLookuper interface {
	// Oldest returns the key and expiry of the soonest-to-expire entry.
	// ok is false if the store is empty or doesn't track expiry.
	Oldest() (key string, expires time.Time, ok bool)
}

// MemStore is an in-memory, map-backed CacheStore. It is the minimal
// required backend: sufficient for tests and for low-footprint
// deployments, with no persistence across restarts.
type MemStore struct {
	mu sync.RWMutex
	m  map[string]*CacheEntry
}

// NewMemStore returns an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{m: make(map[string]*CacheEntry)}
}

func (s *MemStore) Fetch(r *http.Request) (*CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[KeyOf(r)]
	return e, ok
}

func (s *MemStore) Cache(r *http.Request, res *http.Response, requestTime, responseTime time.Time) error {
	e, err := NewCacheEntry(r, res, requestTime, responseTime)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.m[KeyOf(r)] = e
	return nil
}

func (s *MemStore) Update(r *http.Request, res *http.Response, requestTime, responseTime time.Time) error {
	return s.Cache(r, res, requestTime, responseTime)
}

// fetchByKey looks up an entry directly by its store key, for callers
// (the refresh sweep) that only have a key and expiry from Oldest, not a
// live request to derive the key from.
func (s *MemStore) fetchByKey(key string) (*CacheEntry, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.m[key]
	return e, ok
}

func (s *MemStore) Purge(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.m, key)
}

// Oldest implements OldestLookuper.
func (s *MemStore) Oldest() (string, time.Time, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var key string
	var expires time.Time
	found := false
	for k, e := range s.m {
		if e.freshnessLifetime <= 0 {
			continue
		}
		exp := e.ResponseTime.Add(e.freshnessLifetime)
		if !found || exp.Before(expires) {
			key, expires, found = k, exp, true
		}
	}
	return key, expires, found
}
