package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/consumer"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/middleware"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/tracing"
)

// RouterConfig tunes the middleware chain. Zero values disable the timeout
// and the rate limit.
type RouterConfig struct {
	RequestTimeout time.Duration
	Limiter        *middleware.Limiter
}

// NewRouter builds the HTTP handler of the service.
//
// Route table:
//
//	POST   /api/v1/query                    matching points of a filter
//	POST   /api/v1/estimate                 cardinality estimation
//	GET    /api/v1/points/{id}/payload      read payload
//	PUT    /api/v1/points/{id}/payload      overwrite payload
//	POST   /api/v1/points/{id}/payload      merge payload
//	DELETE /api/v1/points/{id}/payload      delete a key or clear
//	DELETE /api/v1/points/{id}              forget point
//	GET    /api/v1/fields                   indexed fields
//	PUT    /api/v1/fields/{field}           create field index
//	DELETE /api/v1/fields/{field}           drop field index
//	GET    /api/v1/fields/{field}/blocks    payload blocks
//	GET    /api/v1/telemetry
//	POST   /api/v1/flush
//	POST   /api/v1/freeze
//	GET    /health/live, /health/ready
//	GET    /metrics
//
// Middleware chain (outermost first):
//
//	RequestID → Trace → Metrics → RateLimit → Timeout → mux
func NewRouter(h *Handler, checker *health.Checker, cfg RouterConfig) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health/live", checker.LiveHandler())
	mux.HandleFunc("GET /health/ready", checker.ReadyHandler())
	mux.Handle("GET /metrics", metrics.Handler())

	mux.HandleFunc("POST /api/v1/query", h.Query)
	mux.HandleFunc("POST /api/v1/estimate", h.Estimate)

	mux.HandleFunc("GET /api/v1/points/{id}/payload", h.GetPayload)
	mux.HandleFunc("PUT /api/v1/points/{id}/payload", h.WritePayload(consumer.OpOverwrite))
	mux.HandleFunc("POST /api/v1/points/{id}/payload", h.WritePayload(consumer.OpSet))
	mux.HandleFunc("DELETE /api/v1/points/{id}/payload", h.WritePayload(consumer.OpClear))
	mux.HandleFunc("DELETE /api/v1/points/{id}", h.WritePayload(consumer.OpRemove))

	mux.HandleFunc("GET /api/v1/fields", h.Fields)
	mux.HandleFunc("PUT /api/v1/fields/{field}", h.SetField)
	mux.HandleFunc("DELETE /api/v1/fields/{field}", h.DropField)
	mux.HandleFunc("GET /api/v1/fields/{field}/blocks", h.Blocks)

	mux.HandleFunc("GET /api/v1/telemetry", h.Telemetry)
	mux.HandleFunc("POST /api/v1/flush", h.Flush)
	mux.HandleFunc("POST /api/v1/freeze", h.Freeze)

	var chain http.Handler = mux
	chain = middleware.Timeout(cfg.RequestTimeout)(chain)
	chain = middleware.RateLimit(cfg.Limiter)(chain)
	chain = middleware.Metrics(metrics.Default())(chain)
	chain = trace(chain)
	chain = middleware.RequestID(chain)
	return chain
}

// trace roots a span tree at every request, keyed by the request ID, and logs
// it at debug level when the request completes.
func trace(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := middleware.GetRequestID(r.Context())
		ctx, span := tracing.StartSpan(logger.WithRequestID(r.Context(), id), r.Method+" "+r.URL.Path, id)
		next.ServeHTTP(w, r.WithContext(ctx))
		span.End()
		span.Log(ctx, logger.FromContext(ctx), slog.LevelDebug)
	})
}
