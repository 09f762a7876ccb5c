package httpcache

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// scheduleRevalidation runs req through the next handler in the
// background and folds the outcome back into the store, per §4.5. It
// never blocks the caller and never lets a failure reach the foreground
// response.
//
// Grounded on always-cache.go's `go a.updateResposeAndLocations(...)`
// pattern, reworked around an explicit sync.WaitGroup (so Shutdown can
// drain it deterministically) and an in-flight-key set that prevents two
// revalidations of the same entry from racing each other.
func (m *Middleware) scheduleRevalidation(req *http.Request) {
	key := KeyOf(req)

	m.inFlightMu.Lock()
	if m.inFlightKeys[key] {
		m.inFlightMu.Unlock()
		return
	}
	m.inFlightKeys[key] = true
	m.inFlightMu.Unlock()

	// Detach from the foreground request's context so the revalidation
	// survives the original request finishing or being cancelled.
	req = req.WithContext(context.Background())
	req.Header.Set(RevalidationHeader, uuid.NewString())
	correlationID := req.Header.Get(RevalidationHeader)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() {
			m.inFlightMu.Lock()
			delete(m.inFlightKeys, key)
			m.inFlightMu.Unlock()
		}()
		defer func() {
			if p := recover(); p != nil {
				m.log.Warn().Interface("panic", p).Str("revalidation", correlationID).Msg("background revalidation panicked")
			}
		}()

		reqLog := m.log.With().Str("revalidation", correlationID).Str("key", key).Logger()

		requestTime := time.Now()
		res, err := m.roundTrip(req)
		if err != nil {
			reqLog.Debug().Err(err).Msg("background revalidation failed, keeping stored entry")
			return
		}
		responseTime := time.Now()

		entry, ok := m.store.Fetch(req)
		if !ok {
			reqLog.Warn().Msg("background revalidation: entry vanished before merge")
			return
		}

		if res.StatusCode == http.StatusNotModified {
			// Merge into a copy; the stored entry changes only through Update.
			refreshed := *entry
			refreshed.Header = entry.Header.Clone()
			refreshed.applyValidationResponse(res, requestTime, responseTime)
			if err := m.store.Update(req, refreshed.Response(), requestTime, responseTime); err != nil {
				reqLog.Warn().Err(err).Msg("background revalidation: update failed")
			}
			reqLog.Debug().Msg("background revalidation: 304, entry refreshed")
			return
		}

		if res.StatusCode >= http.StatusInternalServerError || ParseResponseDirectives(res.Header).NoStore {
			reqLog.Debug().Int("status", res.StatusCode).Msg("background revalidation: response not cacheable, keeping stored entry")
			return
		}

		if err := m.store.Update(req, res, requestTime, responseTime); err != nil {
			reqLog.Warn().Err(err).Msg("background revalidation: store failed")
			return
		}
		reqLog.Debug().Int("status", res.StatusCode).Msg("background revalidation: entry replaced")
	}()
}

// Shutdown waits for all outstanding background revalidations (and the
// refresh sweep, if running) to finish, or for ctx to be done, whichever
// comes first.
func (m *Middleware) Shutdown(ctx context.Context) error {
	m.refreshOnce.Do(func() {
		if m.stopRefresh != nil {
			close(m.stopRefresh)
		}
	})

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
