// Package middleware provides the HTTP middleware of the API: request IDs,
// Prometheus instrumentation, request timeouts and per-client rate limits.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/metrics"
)

// Metrics counts requests by route template and status and observes their
// latency.
func Metrics(m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			m.HTTPRequestsInFlight.Inc()
			defer m.HTTPRequestsInFlight.Dec()

			rec := &recorder{ResponseWriter: w}
			began := time.Now()
			next.ServeHTTP(rec, r)
			elapsed := time.Since(began).Seconds()

			route := routeLabel(r.URL.Path)
			m.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rec.status())).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(elapsed)
		})
	}
}

// recorder remembers the first status code written through it.
type recorder struct {
	http.ResponseWriter
	code int
}

func (rec *recorder) status() int {
	if rec.code == 0 {
		return http.StatusOK
	}
	return rec.code
}

func (rec *recorder) WriteHeader(code int) {
	if rec.code == 0 {
		rec.code = code
	}
	rec.ResponseWriter.WriteHeader(code)
}

func (rec *recorder) Write(b []byte) (int, error) {
	if rec.code == 0 {
		rec.code = http.StatusOK
	}
	return rec.ResponseWriter.Write(b)
}

func (rec *recorder) Unwrap() http.ResponseWriter { return rec.ResponseWriter }

// routeLabel maps a request path onto its route template so the label set
// stays bounded: point ids become {id} and field names become {field}.
func routeLabel(path string) string {
	segs := strings.Split(path, "/")
	for i := 1; i < len(segs); i++ {
		switch {
		case segs[i] == "":
		case segs[i-1] == "fields":
			segs[i] = "{field}"
		case isID(segs[i]):
			segs[i] = "{id}"
		}
	}
	return strings.Join(segs, "/")
}

func isID(seg string) bool {
	_, err := strconv.ParseUint(seg, 10, 64)
	return err == nil
}
