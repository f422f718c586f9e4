package runtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// ReadyCheck is a named dependency check for /readyz.
type ReadyCheck struct {
	Name  string
	Check func(context.Context) error
}

type readiness struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// NewOpsMux serves /healthz (process liveness) and /readyz, which runs every
// check concurrently, each bounded by checkTimeout.
func NewOpsMux(checkTimeout time.Duration, checks ...ReadyCheck) *http.ServeMux {
	if checkTimeout <= 0 {
		checkTimeout = 2 * time.Second
	}
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeReadiness(w, http.StatusOK, readiness{Status: "ok"})
	})
	mux.HandleFunc("GET /readyz", func(w http.ResponseWriter, r *http.Request) {
		out := readiness{Status: "ok", Checks: make(map[string]string, len(checks))}
		var mu sync.Mutex
		g, ctx := errgroup.WithContext(r.Context())
		for _, c := range checks {
			if c.Check == nil {
				continue
			}
			name := c.Name
			if name == "" {
				name = "dependency"
			}
			g.Go(func() error {
				cctx, cancel := context.WithTimeout(ctx, checkTimeout)
				defer cancel()
				result := "ok"
				if err := c.Check(cctx); err != nil {
					result = err.Error()
				}
				mu.Lock()
				out.Checks[name] = result
				if result != "ok" {
					out.Status = "unavailable"
				}
				mu.Unlock()
				return nil
			})
		}
		_ = g.Wait()

		status := http.StatusOK
		if out.Status != "ok" {
			status = http.StatusServiceUnavailable
		}
		writeReadiness(w, status, out)
	})
	return mux
}

func writeReadiness(w http.ResponseWriter, status int, body readiness) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
