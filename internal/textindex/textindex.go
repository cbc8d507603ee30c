// Package textindex is the full-text field index of the payload index. A
// TextIndex starts as a mutable in-memory index and can be frozen into an
// immutable in-memory layout or persisted to a memory-mapped file. All three
// backends answer queries through the same code path.
package textindex

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/index"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/posting"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/query"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/segment"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/tokenizer"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/config"
	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/hwcounter"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/metrics"
)

// ParamsFileName holds the field's TextIndexParams next to the index file so
// a persisted index can be reopened without its schema.
const ParamsFileName = "text_index.yaml"

type PointOffset = posting.PointOffset

// Match is a text condition on one field.
type Match struct {
	Text string     `json:"text"`
	Kind query.Kind `json:"kind"`
}

// TextIndex is safe for concurrent use. Inserts and removals go to the
// mutable generation under its own lock; Freeze, Flush and Clear are
// serialized by mu.
type TextIndex struct {
	field   string
	dir     string
	params  config.TextIndexParams
	tok     *tokenizer.Tokenizer
	current atomic.Pointer[generation]
	mu      sync.Mutex
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates an empty mutable index for field. dir is where Freeze and
// Flush write; it may be empty for indexes that never touch disk.
func New(field, dir string, params config.TextIndexParams) (*TextIndex, error) {
	if err := params.Validate(); err != nil {
		return nil, fmt.Errorf("%w: field %q: %v", apperrors.ErrInvalidInput, field, err)
	}
	tok, err := tokenizer.FromParams(params)
	if err != nil {
		return nil, fmt.Errorf("%w: field %q: %v", apperrors.ErrInvalidInput, field, err)
	}
	t := &TextIndex{
		field:   field,
		dir:     dir,
		params:  params,
		tok:     tok,
		logger:  slog.Default().With("component", "text-index", "field", field),
		metrics: metrics.Default(),
	}
	t.current.Store(newGeneration(BackendMutable, index.NewMutable(params.PhraseMatch)))
	return t, nil
}

// Open reopens an index persisted in dir.
func Open(field, dir string) (*TextIndex, error) {
	params, err := loadParams(dir)
	if err != nil {
		return nil, err
	}
	t, err := New(field, dir, params)
	if err != nil {
		return nil, err
	}
	g, err := t.openMmap()
	if err != nil {
		return nil, err
	}
	t.swap(g)
	return t, nil
}

// Exists reports whether dir holds a persisted index.
func Exists(dir string) bool {
	_, err := os.Stat(filepath.Join(dir, segment.FileName))
	return err == nil
}

func loadParams(dir string) (config.TextIndexParams, error) {
	var p config.TextIndexParams
	data, err := os.ReadFile(filepath.Join(dir, ParamsFileName))
	if err != nil {
		return p, fmt.Errorf("reading text index params: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("%w: parsing %s: %v", apperrors.ErrCorruptFile, ParamsFileName, err)
	}
	return p, nil
}

func (t *TextIndex) Field() string { return t.field }

func (t *TextIndex) Params() config.TextIndexParams { return t.params }

func (t *TextIndex) Tokenizer() *tokenizer.Tokenizer { return t.tok }

func (t *TextIndex) Backend() Backend { return t.current.Load().backend }

// acquire returns the current generation with a read reference held.
func (t *TextIndex) acquire() *generation {
	for {
		g := t.current.Load()
		if g.tryRetain() {
			return g
		}
	}
}

func (t *TextIndex) swap(g *generation) {
	if old := t.current.Swap(g); old != nil {
		old.unref()
	}
}

// TextValues converts the payload values at the field's key into strings.
// Any non-string value rejects the whole point.
func TextValues(values []any) ([]string, error) {
	out := make([]string, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%w: expected text, got %T", apperrors.ErrPayloadType, v)
		}
		out = append(out, s)
	}
	return out, nil
}

// AddPoint indexes the text values of point, replacing earlier values.
func (t *TextIndex) AddPoint(point PointOffset, values []any, hw *hwcounter.Cell) error {
	texts, err := TextValues(values)
	if err != nil {
		return fmt.Errorf("field %q point %d: %w", t.field, point, err)
	}
	g := t.acquire()
	defer g.releaseRead()
	if g.mutable == nil {
		return fmt.Errorf("field %q: %w", t.field, apperrors.ErrReadOnly)
	}
	tokens := t.tok.TokenizeDocument(texts)
	hw.AddCPU(len(tokens))
	if len(tokens) == 0 {
		g.mutable.RemoveDocument(point, hw)
		return nil
	}
	g.mutable.InsertDocument(point, tokens, hw)
	t.metrics.DocsIndexedTotal.Inc()
	return nil
}

// RemovePoint drops point from the index. Removing a point that was never
// indexed is a no-op.
func (t *TextIndex) RemovePoint(point PointOffset, hw *hwcounter.Cell) error {
	g := t.acquire()
	defer g.releaseRead()
	if g.mutable == nil {
		return fmt.Errorf("field %q: %w", t.field, apperrors.ErrReadOnly)
	}
	if g.mutable.RemoveDocument(point, hw) {
		t.metrics.DocsRemovedTotal.Inc()
	}
	return nil
}

// Prepared is a match resolved against one generation. It pins that
// generation until Close, so it can check many points without re-parsing.
type Prepared struct {
	t     *TextIndex
	g     *generation
	q     query.Parsed
	once  sync.Once
	start time.Time
}

// Prepare tokenizes and resolves m.
func (t *TextIndex) Prepare(m Match) *Prepared {
	g := t.acquire()
	tokens := t.tok.TokenizeQuery(m.Text)
	return &Prepared{t: t, g: g, q: query.Parse(g.inv, tokens, m.Kind), start: time.Now()}
}

func (p *Prepared) Query() query.Parsed { return p.q }

// Points returns every matching point in ascending order.
func (p *Prepared) Points(hw *hwcounter.Cell) (posting.List, error) {
	out, err := query.Execute(p.g.inv, p.q, hw)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", p.t.field, err)
	}
	p.t.metrics.QueriesTotal.WithLabelValues(p.q.Kind.String(), string(p.g.backend)).Inc()
	p.t.metrics.QueryLatency.WithLabelValues(p.q.Kind.String()).Observe(time.Since(p.start).Seconds())
	p.t.metrics.QueryResultsCount.Observe(float64(len(out)))
	return out, nil
}

func (p *Prepared) Check(point PointOffset, hw *hwcounter.Cell) (bool, error) {
	return query.CheckMatch(p.g.inv, p.q, point, hw)
}

func (p *Prepared) Estimate() query.Estimation {
	return query.Estimate(p.g.inv, p.q)
}

// Close releases the pinned generation. It is safe to call more than once.
func (p *Prepared) Close() {
	p.once.Do(p.g.releaseRead)
}

// Filter returns the points matching m.
func (t *TextIndex) Filter(m Match, hw *hwcounter.Cell) (posting.List, error) {
	p := t.Prepare(m)
	defer p.Close()
	return p.Points(hw)
}

// EstimateCardinality bounds the number of points matching m.
func (t *TextIndex) EstimateCardinality(m Match) query.Estimation {
	p := t.Prepare(m)
	defer p.Close()
	return p.Estimate()
}

func (t *TextIndex) CheckMatch(m Match, point PointOffset, hw *hwcounter.Cell) (bool, error) {
	p := t.Prepare(m)
	defer p.Close()
	return p.Check(point, hw)
}

// TokenBlock is a token whose posting list reached a payload block threshold.
type TokenBlock struct {
	Token       string
	Cardinality int
}

// TokenBlocks lists every token matching at least threshold points, ordered
// by token.
func (t *TextIndex) TokenBlocks(threshold int) []TokenBlock {
	g := t.acquire()
	defer g.releaseRead()
	var out []TokenBlock
	g.inv.ForEachToken(func(term string, _ index.TokenID, n int) bool {
		if n >= threshold {
			out = append(out, TokenBlock{Token: term, Cardinality: n})
		}
		return true
	})
	slices.SortFunc(out, func(a, b TokenBlock) int { return strings.Compare(a.Token, b.Token) })
	return out
}

// ValuesCount is the number of distinct tokens of point.
func (t *TextIndex) ValuesCount(point PointOffset) int {
	g := t.acquire()
	defer g.releaseRead()
	return g.inv.ValuesCount(point)
}

func (t *TextIndex) ValuesIsEmpty(point PointOffset) bool {
	return t.ValuesCount(point) == 0
}

// PointsCount is the number of points with at least one token.
func (t *TextIndex) PointsCount() int {
	g := t.acquire()
	defer g.releaseRead()
	return g.inv.PointsCount()
}

// Freeze compacts a mutable index into its read-only form: an mmap file when
// the field is configured on disk, an in-memory layout otherwise. Freezing a
// frozen index is a no-op.
func (t *TextIndex) Freeze(hw *hwcounter.Cell) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	g := t.current.Load()
	if g.mutable == nil {
		return nil
	}
	start := time.Now()
	layout, err := index.Build(g.mutable, hw)
	if err != nil {
		return fmt.Errorf("building field %q: %w", t.field, err)
	}

	var next *generation
	if t.params.OnDisk {
		if err := t.persist(layout); err != nil {
			return err
		}
		if next, err = t.openMmap(); err != nil {
			return err
		}
	} else {
		im, err := index.NewImmutable(layout)
		if err != nil {
			return fmt.Errorf("freezing field %q: %w", t.field, err)
		}
		next = newGeneration(BackendImmutable, im)
	}
	t.swap(next)
	t.logger.Info("text index frozen",
		"backend", next.backend,
		"points", layout.PointsCount,
		"tokens", len(layout.Terms),
		"duration", time.Since(start),
	)
	return nil
}

func (t *TextIndex) persist(layout *index.Layout) error {
	if t.dir == "" {
		return fmt.Errorf("%w: field %q has no data directory", apperrors.ErrInvalidInput, t.field)
	}
	if _, err := segment.Write(t.dir, layout); err != nil {
		return fmt.Errorf("persisting field %q: %w", t.field, err)
	}
	data, err := yaml.Marshal(t.params)
	if err != nil {
		return fmt.Errorf("encoding params of field %q: %w", t.field, err)
	}
	tmp := filepath.Join(t.dir, ParamsFileName+".tmp")
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fmt.Errorf("writing params of field %q: %w", t.field, err)
	}
	if err := os.Rename(tmp, filepath.Join(t.dir, ParamsFileName)); err != nil {
		return fmt.Errorf("renaming params of field %q: %w", t.field, err)
	}
	return nil
}

func (t *TextIndex) openMmap() (*generation, error) {
	path := filepath.Join(t.dir, segment.FileName)
	r, err := segment.Open(path)
	if err != nil {
		return nil, fmt.Errorf("field %q: %w", t.field, err)
	}
	if r.HasPositions() != t.params.PhraseMatch {
		r.Close()
		return nil, fmt.Errorf("field %q: positions flag does not match params: %w", t.field, apperrors.ErrCorruptFile)
	}
	g := newGeneration(BackendMmap, r)
	gauge := t.metrics.MappedBytes.WithLabelValues(t.field)
	gauge.Add(float64(r.Size()))
	size := r.Size()
	g.onFree = func() { gauge.Sub(float64(size)) }
	t.logger.Info("text index mapped", "path", path, "size", size, "version", r.Header().Version)
	return g, nil
}

// Flush persists a snapshot of an on-disk mutable index without freezing it.
// Frozen indexes are already durable, and in-memory fields have nothing to
// write.
func (t *TextIndex) Flush() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	g := t.acquire()
	defer g.releaseRead()
	if g.mutable == nil || !t.params.OnDisk || t.dir == "" {
		return nil
	}
	layout, err := index.Build(g.mutable, hwcounter.Disposable())
	if err == nil {
		err = t.persist(layout)
	}
	t.metrics.IndexFlushesTotal.WithLabelValues(metrics.Status(err)).Inc()
	if err != nil {
		return err
	}
	t.logger.Debug("text index flushed", "points", layout.PointsCount)
	return nil
}

// Flusher returns a function that performs Flush later.
func (t *TextIndex) Flusher() func() error {
	return t.Flush
}

// Files lists the on-disk artifacts of the index.
func (t *TextIndex) Files() []string {
	if t.dir == "" {
		return nil
	}
	var out []string
	for _, name := range []string{segment.FileName, ParamsFileName} {
		p := filepath.Join(t.dir, name)
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}

// ImmutableFiles lists files that never change once written: the mapped
// index file of a frozen on-disk index.
func (t *TextIndex) ImmutableFiles() []string {
	g := t.acquire()
	defer g.releaseRead()
	if g.reader == nil {
		return nil
	}
	return []string{g.reader.Path()}
}

// VersionedFiles is always empty; index files are rewritten whole.
func (t *TextIndex) VersionedFiles() []VersionedFile {
	return nil
}

// VersionedFile is a file paired with the sequence number it was written at.
type VersionedFile struct {
	Path    string
	Version uint64
}

// Clear drops all indexed data and removes the index files. The index starts
// over as an empty mutable index. Queries already running keep their
// generation until they finish.
func (t *TextIndex) Clear() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.swap(newGeneration(BackendMutable, index.NewMutable(t.params.PhraseMatch)))
	var errs error
	for _, p := range t.Files() {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = multierr.Append(errs, err)
		}
	}
	if errs != nil {
		return fmt.Errorf("clearing field %q: %w", t.field, errs)
	}
	t.logger.Info("text index cleared")
	return nil
}

// Close releases the current generation, unmapping its file once running
// queries finish. Files stay on disk. The index is left empty and mutable.
func (t *TextIndex) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.swap(newGeneration(BackendMutable, index.NewMutable(t.params.PhraseMatch)))
	return nil
}

// Telemetry describes the index for diagnostics.
type Telemetry struct {
	Field        string  `json:"field"`
	Backend      Backend `json:"backend"`
	PointsCount  int     `json:"points_count"`
	TokensCount  int     `json:"tokens_count"`
	HasPositions bool    `json:"has_positions"`
	OnDiskBytes  int64   `json:"on_disk_bytes"`
}

func (t *TextIndex) Telemetry() Telemetry {
	g := t.acquire()
	defer g.releaseRead()
	tel := Telemetry{
		Field:        t.field,
		Backend:      g.backend,
		PointsCount:  g.inv.PointsCount(),
		TokensCount:  g.inv.TokensCount(),
		HasPositions: g.inv.HasPositions(),
	}
	if g.reader != nil {
		tel.OnDiskBytes = g.reader.Size()
	}
	return tel
}
