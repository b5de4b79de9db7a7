package inspect

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

// MetricFunc returns a map of metric name -> value. Names should be simple
// tokens using [a-zA-Z0-9_:] to ease exposition.
type MetricFunc func() map[string]float64

// metricsHandler aggregates collectors under a text exposition endpoint.
// Output is deterministic: collectors and metrics are emitted in sorted
// order.
func metricsHandler(collectors map[string]MetricFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		names := make([]string, 0, len(collectors))
		for name := range collectors {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fn := collectors[name]
			if fn == nil {
				continue
			}
			snapshot := fn()
			keys := make([]string, 0, len(snapshot))
			for k := range snapshot {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Fprintf(w, "%s %g\n", sanitizeMetricToken(name+"_"+k), snapshot[k])
			}
		}
	})
}

func sanitizeMetricToken(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == ':':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}
