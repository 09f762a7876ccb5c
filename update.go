package httpcache

import (
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// cacheUpdateDelayPattern extracts the delay=N parameter from a
// Cache-Update directive; matches the teacher's getDelay regexp.
var cacheUpdateDelayPattern = regexp.MustCompile(`(?i)\bdelay=(\d+)`)

// cacheUpdate is a single resolved Cache-Update directive.
type cacheUpdate struct {
	url   *url.URL
	delay time.Duration
}

// parseCacheUpdates reads every Cache-Update response header value and
// resolves it against the write request that produced it. Grounded on
// pkg/cache-update/cache-update.go's GetCacheUpdates.
func parseCacheUpdates(r *http.Request, res *http.Response) []cacheUpdate {
	values := res.Header.Values("Cache-Update")
	if len(values) == 0 {
		return nil
	}
	updates := make([]cacheUpdate, 0, len(values))
	for _, v := range values {
		path := strings.TrimSpace(strings.SplitN(v, ";", 2)[0])
		if path == "" {
			continue
		}
		resolved := r.URL.ResolveReference(&url.URL{Path: path})
		delay := time.Duration(0)
		if m := cacheUpdateDelayPattern.FindStringSubmatch(v); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil {
				delay = time.Duration(n) * time.Second
			}
		}
		updates = append(updates, cacheUpdate{url: resolved, delay: delay})
	}
	return updates
}

// applyCacheUpdates schedules the refresh of every resource named by res's
// Cache-Update headers, after its configured delay. Each refresh is a
// plain GET issued through the next handler and written into the store
// via Update; failures are logged and swallowed, matching the teacher's
// saveUpdates.
func (m *Middleware) applyCacheUpdates(r *http.Request, res *http.Response) {
	for _, u := range parseCacheUpdates(r, res) {
		u := u
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			if u.delay > 0 {
				select {
				case <-time.After(u.delay):
				case <-m.stopRefresh:
					return
				}
			}
			m.runCacheUpdate(u.url)
		}()
	}
}

func (m *Middleware) runCacheUpdate(target *url.URL) {
	req, err := http.NewRequest(http.MethodGet, target.String(), nil)
	if err != nil {
		m.log.Error().Err(err).Str("path", target.String()).Msg("cache update: could not build request")
		return
	}

	requestTime := time.Now()
	res, err := m.roundTrip(req)
	if err != nil {
		m.log.Error().Err(err).Str("path", target.String()).Msg("cache update: request failed")
		return
	}
	responseTime := time.Now()

	if res.StatusCode >= http.StatusInternalServerError || ParseResponseDirectives(res.Header).NoStore {
		m.log.Debug().Int("status", res.StatusCode).Str("path", target.String()).Msg("cache update: response not cacheable, store left unchanged")
		return
	}
	if err := m.store.Update(req, res, requestTime, responseTime); err != nil {
		m.log.Error().Err(err).Str("path", target.String()).Msg("cache update: store failed")
	}
}

// startRefreshSweep launches the periodic proactive-revalidation loop
// described in §11.1, grounded on updater.go's updateCache. It is a
// no-op if the store does not implement OldestLookuper.
func (m *Middleware) startRefreshSweep() {
	lookuper, ok := m.store.(OldestLookuper)
	if !ok {
		m.log.Debug().Msg("refresh sweep: store does not support Oldest, skipping")
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		interval := m.cfg.RefreshInterval
		m.log.Info().Dur("interval", interval).Msg("starting refresh sweep")
		for {
			select {
			case <-m.stopRefresh:
				return
			default:
			}

			key, expires, found := lookuper.Oldest()
			if !found || time.Until(expires) > interval {
				select {
				case <-time.After(interval):
					continue
				case <-m.stopRefresh:
					return
				}
			}

			m.refreshKey(key)

			select {
			case <-time.After(interval):
			case <-m.stopRefresh:
				return
			}
		}
	}()
}

// keyFetcher is an optional CacheStore extension letting the refresh
// sweep look up an entry by the raw key Oldest gave it, since it has no
// live *http.Request to derive a key from.
type keyFetcher interface {
	fetchByKey(key string) (*CacheEntry, bool)
}

// refreshKey issues a conditional GET for the stored entry at key and
// folds the outcome back into the store, the same way a foreground
// stale-while-revalidate would.
func (m *Middleware) refreshKey(key string) {
	kf, ok := m.store.(keyFetcher)
	if !ok {
		return
	}
	entry, ok := kf.fetchByKey(key)
	if !ok || entry.RequestURL == "" {
		return
	}

	req, err := http.NewRequest(http.MethodGet, entry.RequestURL, nil)
	if err != nil {
		m.log.Warn().Str("key", key).Err(err).Msg("refresh sweep: could not build request for entry")
		return
	}
	if entry.HasValidators() {
		req = conditionalRequest(req, entry)
	}
	m.scheduleRevalidation(req)
}
