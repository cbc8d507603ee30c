package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/payload"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/payload/storage"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/health"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/middleware"
)

type mapKV struct {
	mu   sync.Mutex
	data map[string]string
	sets int
	err  error
}

func newMapKV() *mapKV { return &mapKV{data: make(map[string]string)} }

func (m *mapKV) Get(_ context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return "", false, m.err
	}
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *mapKV) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	m.data[key] = string(value)
	return m.err
}

func newTestServer(t *testing.T, kv KV) (http.Handler, *payload.Index) {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	store, err := storage.NewMemory(filepath.Join(dir, storage.MemoryFileName))
	require.NoError(t, err)
	idx, err := payload.Open(ctx, dir, store)
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	docs := map[payload.PointOffset]payload.Payload{
		1: {"title": "the quick brown fox"},
		2: {"title": "quick fox"},
		3: {"title": "lazy dog"},
	}
	for point, pl := range docs {
		require.NoError(t, idx.OverwritePayload(ctx, point, pl, nil))
	}

	var cache *QueryCache
	if kv != nil {
		cache = NewQueryCache(kv, "ti:", time.Minute)
	}
	checker := health.NewChecker(time.Second)
	checker.Register("storage", health.ErrorCheck(idx.Ping, health.StatusDown))
	h := NewRouter(New(idx, cache, 0), checker, RouterConfig{RequestTimeout: 5 * time.Second})
	return h, idx
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&v), rec.Body.String())
	return v
}

const quickFox = `{"filter":{"must":[{"key":"title","match":{"text":"quick fox"}}]}}`

func TestQueryWithAndWithoutFieldIndex(t *testing.T) {
	h, _ := newTestServer(t, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/query", quickFox)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []payload.PointOffset{1, 2}, decode[queryResponse](t, rec).Points)

	rec = do(t, h, http.MethodPut, "/api/v1/fields/title", `{"type":"text"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, 3, decode[fieldInfo](t, rec).Points)

	rec = do(t, h, http.MethodPost, "/api/v1/query", quickFox)
	res := decode[queryResponse](t, rec)
	assert.Equal(t, []payload.PointOffset{1, 2}, res.Points)
	assert.LessOrEqual(t, res.Estimate.Min, 2)
	assert.GreaterOrEqual(t, res.Estimate.Max, 2)

	rec = do(t, h, http.MethodPost, "/api/v1/query", `{}`)
	assert.Equal(t, []payload.PointOffset{1, 2, 3}, decode[queryResponse](t, rec).Points)

	rec = do(t, h, http.MethodGet, "/api/v1/fields/title/blocks?threshold=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	blocks := decode[[]blockInfo](t, rec)
	var tokens []string
	for _, b := range blocks {
		tokens = append(tokens, b.Condition.Match.Text)
	}
	assert.ElementsMatch(t, []string{"quick", "fox"}, tokens)
}

func TestPayloadWrites(t *testing.T) {
	h, idx := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/api/v1/fields/title", `{}`).Code)

	rec := do(t, h, http.MethodPost, "/api/v1/points/4/payload", `{"title":"quick cat"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	rec = do(t, h, http.MethodPost, "/api/v1/query", `{"filter":{"must":[{"key":"title","match":{"text":"quick"}}]}}`)
	assert.Equal(t, []payload.PointOffset{1, 2, 4}, decode[queryResponse](t, rec).Points)

	rec = do(t, h, http.MethodGet, "/api/v1/points/4/payload", "")
	assert.JSONEq(t, `{"title":"quick cat"}`, rec.Body.String())

	rec = do(t, h, http.MethodDelete, "/api/v1/points/4/payload?key=title", "")
	require.Equal(t, http.StatusOK, rec.Code)
	rec = do(t, h, http.MethodGet, "/api/v1/points/4/payload", "")
	assert.JSONEq(t, `{}`, rec.Body.String())

	require.Equal(t, http.StatusOK, do(t, h, http.MethodDelete, "/api/v1/points/4", "").Code)
	assert.Equal(t, 3, idx.PointsCount())

	rec = do(t, h, http.MethodPut, "/api/v1/points/5/payload", `{"title":7}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code, "non-text value in an indexed field")

	rec = do(t, h, http.MethodPut, "/api/v1/points/abc/payload", `{}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFieldManagementErrors(t *testing.T) {
	h, _ := newTestServer(t, nil)

	assert.Equal(t, http.StatusNotFound, do(t, h, http.MethodDelete, "/api/v1/fields/title", "").Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPut, "/api/v1/fields/title", `{"type":"geo"}`).Code)
	assert.Equal(t, http.StatusBadRequest, do(t, h, http.MethodPost, "/api/v1/query", `{"filter":{"must":[{"nope":1}]}}`).Code)

	require.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/api/v1/fields/title", `{"type":"text"}`).Code)
	rec := do(t, h, http.MethodGet, "/api/v1/fields", "")
	fields := decode[map[string]fieldInfo](t, rec)
	assert.Equal(t, payload.SchemaText, fields["title"].Schema.Type)
	assert.Equal(t, http.StatusOK, do(t, h, http.MethodDelete, "/api/v1/fields/title", "").Code)
}

func TestFreezeRejectsWrites(t *testing.T) {
	h, _ := newTestServer(t, nil)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPut, "/api/v1/fields/title", `{}`).Code)
	require.Equal(t, http.StatusOK, do(t, h, http.MethodPost, "/api/v1/freeze", "").Code)

	rec := do(t, h, http.MethodPost, "/api/v1/points/9/payload", `{"title":"x"}`)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/api/v1/flush", "")
	require.Equal(t, http.StatusOK, rec.Code)
	tel := decode[map[string]any](t, do(t, h, http.MethodGet, "/api/v1/telemetry", ""))
	assert.Equal(t, true, tel["index"].(map[string]any)["sealed"])
}

func TestQueryCacheFollowsGeneration(t *testing.T) {
	kv := newMapKV()
	h, _ := newTestServer(t, kv)

	rec := do(t, h, http.MethodPost, "/api/v1/query", quickFox)
	assert.Equal(t, "miss", rec.Header().Get("X-Cache"))
	compact := `{"filter": {"must": [ {"key": "title", "match": {"text": "quick fox"}} ]}}`
	rec = do(t, h, http.MethodPost, "/api/v1/query", compact)
	assert.Equal(t, "hit", rec.Header().Get("X-Cache"), "whitespace does not change the key")
	assert.Equal(t, []payload.PointOffset{1, 2}, decode[queryResponse](t, rec).Points)

	do(t, h, http.MethodPost, "/api/v1/points/7/payload", `{"title":"quick red fox"}`)
	rec = do(t, h, http.MethodPost, "/api/v1/query", quickFox)
	assert.Equal(t, "miss", rec.Header().Get("X-Cache"))
	assert.Equal(t, []payload.PointOffset{1, 2, 7}, decode[queryResponse](t, rec).Points)
	assert.Equal(t, 2, kv.sets)
}

func TestQueryCacheBypassesFailingStore(t *testing.T) {
	kv := newMapKV()
	kv.err = errors.New("connection refused")
	c := NewQueryCache(kv, "ti:", time.Minute)
	data, cached, err := c.GetOrCompute(context.Background(), "k", func() ([]byte, error) {
		return []byte("v"), nil
	})
	require.NoError(t, err)
	assert.False(t, cached)
	assert.Equal(t, "v", string(data))
	assert.Equal(t, int64(1), c.Stats().Misses)
}

func TestEstimateAndHealth(t *testing.T) {
	h, _ := newTestServer(t, nil)

	rec := do(t, h, http.MethodPost, "/api/v1/estimate", `{"filter":{"must":[{"has_id":[1,3]}]}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	est := decode[payload.Estimation](t, rec)
	assert.Equal(t, 2, est.Max)

	rec = do(t, h, http.MethodGet, "/health/ready", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(middleware.RequestIDHeader))

	rec = do(t, h, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, bytes.Contains(rec.Body.Bytes(), []byte("http_requests_total")))
}
