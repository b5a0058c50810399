package health

import (
	"encoding/json"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	ready atomic.Bool

	mu    sync.Mutex
	feeds = map[string]bool{}
)

// SetReady marks process readiness (listeners up, books restored).
func SetReady(v bool) { ready.Store(v) }

// SetFeed records whether a feed currently holds a synced connection.
func SetFeed(exchange string, synced bool) {
	mu.Lock()
	feeds[exchange] = synced
	mu.Unlock()
}

// Ready is true once the process is up and every registered feed is synced.
func Ready() bool {
	if !ready.Load() {
		return false
	}
	mu.Lock()
	defer mu.Unlock()
	for _, ok := range feeds {
		if !ok {
			return false
		}
	}
	return true
}

func pending() []string {
	mu.Lock()
	defer mu.Unlock()
	var out []string
	for name, ok := range feeds {
		if !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

func reset() {
	ready.Store(false)
	mu.Lock()
	feeds = map[string]bool{}
	mu.Unlock()
}

// Healthz is a simple liveness probe
func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Readyz reports 200 when Ready, otherwise 503 with the feeds still syncing.
func Readyz(w http.ResponseWriter, r *http.Request) {
	if Ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(map[string]any{"ready": ready.Load(), "pending_feeds": pending()})
}
