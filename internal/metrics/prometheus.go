package metrics

import (
	"fmt"
	"net/http"
	"sort"
	"strings"
)

const (
	eventsMetric = "webrtc_piano_events_total"
	stateMetric  = "webrtc_piano_state"
)

// Gauge is a point-in-time value sampled on every scrape, exported as
// webrtc_piano_state{name="..."}.
type Gauge struct {
	Name  string
	Value func() float64
}

// PrometheusHandler exposes the counters and gauges in Prometheus' text
// exposition format. Counters share one metric with an `event` label.
func PrometheusHandler(m *Metrics, gauges ...Gauge) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if m == nil {
			http.Error(w, "metrics not configured", http.StatusInternalServerError)
			return
		}

		snap := m.Snapshot()
		keys := make([]string, 0, len(snap))
		for k := range snap {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_, _ = fmt.Fprintf(w, "# HELP %s Internal event counters.\n", eventsMetric)
		_, _ = fmt.Fprintf(w, "# TYPE %s counter\n", eventsMetric)
		for _, k := range keys {
			_, _ = fmt.Fprintf(w, "%s{event=\"%s\"} %d\n", eventsMetric, escapeLabel(k), snap[k])
		}

		if len(gauges) == 0 {
			return
		}
		_, _ = fmt.Fprintf(w, "# HELP %s Current session state.\n", stateMetric)
		_, _ = fmt.Fprintf(w, "# TYPE %s gauge\n", stateMetric)
		for _, g := range gauges {
			if g.Value == nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "%s{name=\"%s\"} %g\n", stateMetric, escapeLabel(g.Name), g.Value())
		}
	})
}

func escapeLabel(v string) string {
	return strings.NewReplacer("\\", "\\\\", "\"", "\\\"", "\n", "\\n").Replace(v)
}
