package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/metrics"
)

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/api/v1/points/17/payload": "/api/v1/points/{id}/payload",
		"/api/v1/fields/title":      "/api/v1/fields/{field}",
		"/api/v1/query":             "/api/v1/query",
		"/":                         "/",
	}
	for in, want := range tests {
		assert.Equal(t, want, routeLabel(in), in)
	}
}

func TestRequestID(t *testing.T) {
	var seen string
	h := RequestID(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = GetRequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Len(t, seen, 24)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, "abc", seen)
	assert.Equal(t, "abc", rec.Header().Get(RequestIDHeader))
}

func TestLimiterRefills(t *testing.T) {
	l := NewLimiter(2, time.Second)
	now := time.Unix(0, 0)
	l.now = func() time.Time { return now }

	assert.True(t, l.Allow("a"))
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
	assert.True(t, l.Allow("b"), "clients have separate buckets")

	now = now.Add(500 * time.Millisecond)
	assert.True(t, l.Allow("a"))
	assert.False(t, l.Allow("a"))
}

func TestRateLimitMiddleware(t *testing.T) {
	h := RateLimit(NewLimiter(1, time.Minute))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	do := func(path string) int {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		req.RemoteAddr = "10.0.0.1:5555"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, req)
		return rec.Code
	}
	assert.Equal(t, http.StatusOK, do("/api/v1/query"))
	assert.Equal(t, http.StatusTooManyRequests, do("/api/v1/query"))
	assert.Equal(t, http.StatusOK, do("/health/ready"))

	assert.NotNil(t, RateLimit(nil)(http.NotFoundHandler()))
}

func TestTimeout(t *testing.T) {
	release := make(chan struct{})
	slow := Timeout(10 * time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
		<-release
		_, err := w.Write([]byte("late"))
		assert.ErrorIs(t, err, http.ErrHandlerTimeout)
	}))
	rec := httptest.NewRecorder()
	slow.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	close(release)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.JSONEq(t, `{"error":"request timeout"}`, rec.Body.String())

	fast := Timeout(time.Second)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Test", "1")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte("ok"))
	}))
	rec = httptest.NewRecorder()
	fast.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Test"))
	assert.Equal(t, "ok", rec.Body.String())
}

func TestMetricsMiddleware(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	h := Metrics(m)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/api/v1/points/3/payload", nil))
	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/api/v1/points/{id}/payload", "418"))
	require.Equal(t, 1.0, got)
}
