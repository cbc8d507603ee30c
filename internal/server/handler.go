// Package server exposes a payload index over HTTP: filtered queries and
// estimates, payload writes, and field index management.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/consumer"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/payload"
	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/hwcounter"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/logger"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/metrics"
)

const maxBodyBytes = 16 << 20

type Handler struct {
	index   *payload.Index
	cache   *QueryCache
	budget  int64
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Handler over index. cache may be nil; budget caps the
// hardware cost of one query and is unlimited when zero.
func New(index *payload.Index, cache *QueryCache, budget int64) *Handler {
	return &Handler{
		index:   index,
		cache:   cache,
		budget:  budget,
		metrics: metrics.Default(),
		logger:  slog.Default().With("component", "http-handler"),
	}
}

type queryRequest struct {
	Filter     json.RawMessage `json:"filter"`
	NestedPath string          `json:"nested_path,omitempty"`
}

type queryResponse struct {
	Points   []payload.PointOffset `json:"points"`
	Estimate payload.Estimation    `json:"estimate"`
	Hardware *hwcounter.Snapshot   `json:"hardware,omitempty"`
}

func (r queryRequest) filter() (*payload.Filter, error) {
	if len(r.Filter) == 0 || string(r.Filter) == "null" {
		return &payload.Filter{}, nil
	}
	f, err := payload.ParseFilter(r.Filter)
	if err != nil {
		return nil, fmt.Errorf("%w: filter: %v", apperrors.ErrInvalidInput, err)
	}
	return f, nil
}

// Query answers POST /api/v1/query with the matching points.
func (h *Handler) Query(w http.ResponseWriter, r *http.Request) {
	ctx := logger.WithOperation(r.Context(), "query")
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	filter, err := req.filter()
	if err != nil {
		h.writeErr(w, r, err)
		return
	}

	compute := func() ([]byte, error) {
		hw := hwcounter.New(h.budget)
		est := h.index.EstimateCardinality(filter, hw)
		points, err := h.index.QueryPoints(ctx, filter, hw)
		if err != nil {
			return nil, err
		}
		snap := hw.Snapshot()
		return json.Marshal(queryResponse{
			Points:   append([]payload.PointOffset{}, points...),
			Estimate: est,
			Hardware: &snap,
		})
	}

	var (
		body   []byte
		cached bool
	)
	if h.cache != nil {
		key := h.cache.Key("query", req.Filter, h.index.Generation())
		body, cached, err = h.cache.GetOrCompute(ctx, key, compute)
	} else {
		body, err = compute()
	}
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	logger.FromContext(ctx).Debug("query served", "cached", cached, "bytes", len(body))
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Cache", map[bool]string{true: "hit", false: "miss"}[cached])
	w.WriteHeader(http.StatusOK)
	w.Write(body)
	w.Write([]byte("\n"))
}

// Estimate answers POST /api/v1/estimate with cardinality bounds. A
// nested_path estimates the filter against the objects under that path.
func (h *Handler) Estimate(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := decodeBody(r, &req); err != nil {
		h.writeErr(w, r, err)
		return
	}
	filter, err := req.filter()
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	hw := hwcounter.New(h.budget)
	var est payload.Estimation
	if req.NestedPath != "" {
		est = h.index.EstimateNestedCardinality(filter, req.NestedPath, hw)
	} else {
		est = h.index.EstimateCardinality(filter, hw)
	}
	h.writeJSON(w, http.StatusOK, est)
}

// GetPayload answers GET /api/v1/points/{id}/payload.
func (h *Handler) GetPayload(w http.ResponseWriter, r *http.Request) {
	point, err := pointID(r)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	pl, err := h.index.GetPayload(r.Context(), point, hwcounter.New(h.budget))
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, pl)
}

// WritePayload applies one payload event built from the request:
//
//	PUT    /api/v1/points/{id}/payload         overwrite
//	POST   /api/v1/points/{id}/payload?key=k   merge, into k when given
//	DELETE /api/v1/points/{id}/payload?key=k   delete k, or clear without k
//	DELETE /api/v1/points/{id}                 forget the point
func (h *Handler) WritePayload(op string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := logger.WithOperation(r.Context(), "payload_"+op)
		point, err := pointID(r)
		if err != nil {
			h.writeErr(w, r, err)
			return
		}
		id := uint32(point)
		ev := consumer.Event{Op: op, PointID: &id, Key: r.URL.Query().Get("key")}
		switch op {
		case consumer.OpSet, consumer.OpOverwrite:
			if err := decodeBody(r, &ev.Payload); err != nil {
				h.writeErr(w, r, err)
				return
			}
		case consumer.OpClear:
			if ev.Key != "" {
				ev.Op = consumer.OpDelete
			}
		}
		if err := consumer.Apply(ctx, h.index, ev); err != nil {
			h.writeErr(w, r, err)
			return
		}
		logger.FromContext(ctx).Debug("payload written", "point", point, "op", ev.Op)
		h.writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "generation": h.index.Generation()})
	}
}

type fieldInfo struct {
	Schema payload.FieldSchema `json:"schema"`
	Points int                 `json:"points"`
}

// Fields answers GET /api/v1/fields.
func (h *Handler) Fields(w http.ResponseWriter, r *http.Request) {
	out := make(map[string]fieldInfo)
	for field, schema := range h.index.IndexedFields() {
		out[field] = fieldInfo{Schema: schema, Points: h.index.IndexedPoints(field)}
	}
	h.writeJSON(w, http.StatusOK, out)
}

// SetField answers PUT /api/v1/fields/{field}: it builds and installs an
// index with the schema in the body, replacing an incompatible one.
func (h *Handler) SetField(w http.ResponseWriter, r *http.Request) {
	field := r.PathValue("field")
	var schema payload.FieldSchema
	if err := decodeBody(r, &schema); err != nil {
		h.writeErr(w, r, err)
		return
	}
	if schema.Type == "" {
		schema.Type = payload.SchemaText
	}
	ctx := logger.WithOperation(r.Context(), "set_field")
	if err := h.index.SetIndexed(ctx, field, schema, hwcounter.Disposable()); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, fieldInfo{Schema: schema, Points: h.index.IndexedPoints(field)})
}

// DropField answers DELETE /api/v1/fields/{field}.
func (h *Handler) DropField(w http.ResponseWriter, r *http.Request) {
	field := r.PathValue("field")
	dropped, err := h.index.DropIndex(field)
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	if !dropped {
		h.writeErr(w, r, fmt.Errorf("field %q: %w", field, apperrors.ErrNotFound))
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
}

type blockInfo struct {
	Condition   *payload.FieldCondition `json:"condition"`
	Cardinality int                     `json:"cardinality"`
}

// Blocks answers GET /api/v1/fields/{field}/blocks?threshold=n.
func (h *Handler) Blocks(w http.ResponseWriter, r *http.Request) {
	threshold := 1
	if s := r.URL.Query().Get("threshold"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 1 {
			h.writeErr(w, r, fmt.Errorf("%w: threshold must be a positive integer", apperrors.ErrInvalidInput))
			return
		}
		threshold = n
	}
	out := []blockInfo{}
	for b := range h.index.PayloadBlocks(r.PathValue("field"), threshold, hwcounter.Disposable()) {
		out = append(out, blockInfo{Condition: b.Condition, Cardinality: b.Cardinality})
	}
	h.writeJSON(w, http.StatusOK, out)
}

// Telemetry answers GET /api/v1/telemetry.
func (h *Handler) Telemetry(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"index": h.index.Telemetry(), "generation": h.index.Generation()}
	if h.cache != nil {
		resp["cache"] = h.cache.Stats()
	}
	h.writeJSON(w, http.StatusOK, resp)
}

// Flush answers POST /api/v1/flush by persisting the index.
func (h *Handler) Flush(w http.ResponseWriter, r *http.Request) {
	err := h.index.Flusher()()
	h.metrics.IndexFlushesTotal.WithLabelValues(metrics.Status(err)).Inc()
	if err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"status": "flushed", "files": h.index.Files()})
}

// Freeze answers POST /api/v1/freeze by sealing the index.
func (h *Handler) Freeze(w http.ResponseWriter, r *http.Request) {
	if err := h.index.FreezeIndexes(hwcounter.Disposable()); err != nil {
		h.writeErr(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, h.index.Telemetry())
}

func pointID(r *http.Request) (payload.PointOffset, error) {
	id, err := strconv.ParseUint(r.PathValue("id"), 10, 32)
	if err != nil {
		return 0, fmt.Errorf("%w: point id %q", apperrors.ErrInvalidInput, r.PathValue("id"))
	}
	return payload.PointOffset(id), nil
}

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return apperrors.Newf(apperrors.ErrInvalidInput, http.StatusRequestEntityTooLarge, "request body exceeds %d bytes", tooLarge.Limit)
		}
		return fmt.Errorf("%w: decoding request body: %v", apperrors.ErrInvalidInput, err)
	}
	return nil
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to write response", "error", err)
	}
}

func (h *Handler) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatusCode(err)
	log := logger.FromContext(r.Context())
	if status >= http.StatusInternalServerError {
		log.Error("request failed", "path", r.URL.Path, "error", err)
	} else {
		log.Debug("request rejected", "path", r.URL.Path, "status", status, "error", err)
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}
