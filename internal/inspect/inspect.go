// Package inspect exposes diagnostic endpoints for a running Kestrel
// scheduler: JSON snapshots of workers and cown counters, recent trace
// events, and a text metrics exposition.
package inspect

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/kestrel-lang/kestrel/internal/runtime"
)

// Handler builds the inspector mux for a scheduler:
//
//	GET /scheduler        -> JSON SystemSnapshot
//	GET /trace?n=<count>  -> JSON array of recent trace events
//	GET /metrics          -> text exposition of runtime counters
func Handler(s *runtime.Scheduler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/scheduler", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		_ = enc.Encode(s.Snapshot())
	})

	mux.HandleFunc("/trace", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		n := 100
		if nStr := r.URL.Query().Get("n"); nStr != "" {
			if v, err := strconv.Atoi(nStr); err == nil && v > 0 {
				n = v
			}
		}
		events := runtime.RecentTraceEvents(n)
		if events == nil {
			events = []runtime.TraceEvent{}
		}
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		_ = enc.Encode(events)
	})

	mux.Handle("/metrics", metricsHandler(map[string]MetricFunc{
		"scheduler": s.Metrics,
	}))

	return mux
}

// Start serves the inspector over HTTP/1 on addr. It returns the bound
// address (addr may use port 0) and a shutdown function.
func Start(s *runtime.Scheduler, addr string) (string, func(ctx context.Context) error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", nil, err
	}
	srv := &http.Server{Handler: Handler(s), ReadHeaderTimeout: 5 * time.Second}
	go func() { _ = srv.Serve(ln) }()
	return ln.Addr().String(), srv.Shutdown, nil
}
