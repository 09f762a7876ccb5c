package httpcache

import (
	"bufio"
	"bytes"
	"database/sql"
	"net/http"
	"time"

	_ "github.com/glebarez/go-sqlite"

	"github.com/rs/zerolog/log"
)

// SQLiteStore is a disk-backed CacheStore, for deployments that want
// entries to survive a process restart. It stores each entry as its raw
// HTTP/1.1 response bytes plus the request/response timestamps needed for
// freshness calculation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if necessary) a SQLite database at
// filename and prepares its schema. filename may be ":memory:" or the
// shared-cache DSN form ("file::memory:?cache=shared") for an in-process,
// non-persistent instance used mainly in tests.
//
// Matching this codebase's existing construction-time-error convention
// (see cache-provider.go's NewSQLiteCache), a failure to open or migrate
// the database is fatal and panics rather than returning an error: there
// is no sane degraded mode for a cache store that cannot be opened.
func NewSQLiteStore(filename string) *SQLiteStore {
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache_entries (
		key TEXT PRIMARY KEY,
		url TEXT NOT NULL DEFAULT '',
		request_time INTEGER NOT NULL,
		response_time INTEGER NOT NULL,
		freshness_lifetime INTEGER NOT NULL DEFAULT 0,
		response BLOB NOT NULL
	)`)
	if err != nil {
		panic(err)
	}
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Fetch(r *http.Request) (*CacheEntry, bool) {
	var url string
	var requestTime, responseTime int64
	var raw []byte
	err := s.db.QueryRow(
		"SELECT url, request_time, response_time, response FROM cache_entries WHERE key = ?",
		KeyOf(r),
	).Scan(&url, &requestTime, &responseTime, &raw)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Warn().Err(err).Msg("sqlite store: fetch failed, treating as miss")
		}
		return nil, false
	}

	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), r)
	if err != nil {
		log.Warn().Err(err).Msg("sqlite store: corrupt entry, treating as miss")
		return nil, false
	}
	e, err := NewCacheEntry(r, res, time.Unix(requestTime, 0), time.Unix(responseTime, 0))
	if err != nil {
		log.Warn().Err(err).Msg("sqlite store: could not reconstruct entry")
		return nil, false
	}
	e.RequestURL = url
	return e, true
}

func (s *SQLiteStore) Cache(r *http.Request, res *http.Response, requestTime, responseTime time.Time) error {
	raw, err := responseToWireBytes(res)
	if err != nil {
		return err
	}
	lifetime := freshnessLifetimeOf(res.Header, ParseResponseDirectives(res.Header))
	_, err = s.db.Exec(
		"INSERT OR REPLACE INTO cache_entries (key, url, request_time, response_time, freshness_lifetime, response) VALUES (?, ?, ?, ?, ?, ?)",
		KeyOf(r), r.URL.String(), requestTime.Unix(), responseTime.Unix(), int64(lifetime.Seconds()), raw,
	)
	return err
}

func (s *SQLiteStore) Update(r *http.Request, res *http.Response, requestTime, responseTime time.Time) error {
	return s.Cache(r, res, requestTime, responseTime)
}

// fetchByKey looks up an entry directly by its store key; see MemStore's
// counterpart for why this exists alongside Fetch. Unlike Fetch, it has no
// live *http.Request to derive RequestURL from, so it restores it from the
// stored url column instead.
func (s *SQLiteStore) fetchByKey(key string) (*CacheEntry, bool) {
	var url string
	var requestTime, responseTime int64
	var raw []byte
	err := s.db.QueryRow(
		"SELECT url, request_time, response_time, response FROM cache_entries WHERE key = ?",
		key,
	).Scan(&url, &requestTime, &responseTime, &raw)
	if err != nil {
		if err != sql.ErrNoRows {
			log.Warn().Err(err).Msg("sqlite store: fetchByKey failed, treating as miss")
		}
		return nil, false
	}

	res, err := http.ReadResponse(bufio.NewReader(bytes.NewReader(raw)), nil)
	if err != nil {
		log.Warn().Err(err).Msg("sqlite store: corrupt entry, treating as miss")
		return nil, false
	}
	e, err := NewCacheEntry(nil, res, time.Unix(requestTime, 0), time.Unix(responseTime, 0))
	if err != nil {
		log.Warn().Err(err).Msg("sqlite store: could not reconstruct entry")
		return nil, false
	}
	e.RequestURL = url
	return e, true
}

func (s *SQLiteStore) Purge(key string) {
	if _, err := s.db.Exec("DELETE FROM cache_entries WHERE key = ?", key); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("sqlite store: purge failed")
	}
}

// Oldest implements OldestLookuper by reading the entry whose
// response_time + freshness_lifetime (its actual expiry) is soonest,
// ignoring entries with no freshness lifetime at all since those never
// benefit from a proactive refresh.
func (s *SQLiteStore) Oldest() (string, time.Time, bool) {
	var key string
	var responseTime, lifetime int64
	err := s.db.QueryRow(
		`SELECT key, response_time, freshness_lifetime FROM cache_entries
		 WHERE freshness_lifetime > 0
		 ORDER BY (response_time + freshness_lifetime) ASC LIMIT 1`,
	).Scan(&key, &responseTime, &lifetime)
	if err != nil {
		return "", time.Time{}, false
	}
	return key, time.Unix(responseTime+lifetime, 0), true
}

// responseToWireBytes renders res as its HTTP/1.1 wire representation and
// rewinds res's own body so the caller can still read it afterwards.
func responseToWireBytes(res *http.Response) ([]byte, error) {
	body, err := materializeBody(res)
	if err != nil {
		return nil, err
	}
	wire := &bytes.Buffer{}
	clone := *res
	clone.Body = newRewindableBody(body)
	if err := clone.Write(wire); err != nil {
		return nil, err
	}
	resetBody(res)
	return wire.Bytes(), nil
}
