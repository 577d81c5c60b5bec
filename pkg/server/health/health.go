// Package health implements the liveness/readiness endpoints (SPEC_FULL
// supplement: "Readiness/liveness endpoints").
package health

import (
	"net/http"
	"sync/atomic"

	"github.com/go-chi/chi/v5"
)

// Tracker records whether the first-load gates readiness depends on have
// completed: the entity store's initial loader snapshot, the key
// storage's first active-key resolution, and (when a Redis-backed
// session/key store is configured) that backend's first successful round
// trip (spec §9 "Graceful Redis failures": start regardless, report
// unhealthy until the first success).
type Tracker struct {
	storeReady atomic.Bool
	keysReady  atomic.Bool
	redisReady atomic.Bool
}

// MarkStoreReady records that the entity store has completed its first
// successful load.
func (t *Tracker) MarkStoreReady() { t.storeReady.Store(true) }

// MarkKeysReady records that key storage resolved an active signing key.
func (t *Tracker) MarkKeysReady() { t.keysReady.Store(true) }

// MarkRedisReady records that the Redis backend (if any) completed its
// first successful round trip. Call this immediately when no Redis
// backend is configured, so the gate never blocks readiness.
func (t *Tracker) MarkRedisReady() { t.redisReady.Store(true) }

// Ready reports whether every configured gate has completed.
func (t *Tracker) Ready() bool {
	return t.storeReady.Load() && t.keysReady.Load() && t.redisReady.Load()
}

// Router builds the chi sub-router serving /healthz and /readyz.
func Router(tracker *Tracker) http.Handler {
	r := chi.NewRouter()
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.Get("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		if !tracker.Ready() {
			http.Error(w, "not ready", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	})
	return r
}
