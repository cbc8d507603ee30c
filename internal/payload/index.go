// Package payload is the struct payload index of a segment: it keeps point
// payloads in a storage backend, maintains field indexes over them, and
// answers filters by combining index lookups with payload scans.
package payload

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/cespare/xxhash/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/payload/storage"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/posting"
	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/hwcounter"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/metrics"
)

const (
	SchemaFileName = "payload_index.yaml"
	PointsFileName = "points.roaring"
	fieldsDirName  = "fields"
)

type (
	PointOffset = posting.PointOffset
	Payload     = storage.Payload
)

type schemaFile struct {
	Sealed bool                   `yaml:"sealed"`
	Fields map[string]FieldSchema `yaml:"fields"`
}

// Index is safe for concurrent use. Queries share mu; ApplyIndex, DropIndex
// and sealing take it exclusively. Payload writes are serialized by writeMu,
// which builds hold shared so a build sees a stable payload set.
type Index struct {
	dir   string
	store storage.Storage

	mu     sync.RWMutex
	schema map[string]FieldSchema
	text   map[string]*textindex.TextIndex

	writeMu sync.RWMutex

	knownMu sync.RWMutex
	known   *roaring.Bitmap

	// pending tracks, per field, the builds waiting for ApplyIndex.
	pendingMu sync.Mutex
	pending   map[string]*pendingBuilds

	builds singleflight.Group
	sealed atomic.Bool

	// generation changes whenever query results may change.
	generation atomic.Uint64

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Open loads the index stored in dir over store. Field indexes of an open
// segment are rebuilt from payload; a sealed segment reopens its persisted
// on-disk indexes. dir may be empty for a purely in-memory index.
func Open(ctx context.Context, dir string, store storage.Storage) (*Index, error) {
	p := &Index{
		dir:     dir,
		store:   store,
		schema:  make(map[string]FieldSchema),
		text:    make(map[string]*textindex.TextIndex),
		known:   roaring.New(),
		pending: make(map[string]*pendingBuilds),
		logger:  slog.Default().With("component", "payload-index"),
		metrics: metrics.Default(),
	}
	sf, err := p.loadSchema()
	if err != nil {
		return nil, err
	}
	p.sealed.Store(sf.Sealed)
	if err := p.loadKnown(ctx); err != nil {
		return nil, err
	}

	hw := hwcounter.Disposable()
	for _, field := range slices.Sorted(maps.Keys(sf.Fields)) {
		schema := sf.Fields[field]
		p.schema[field] = schema
		if schema.Type != SchemaText {
			continue
		}
		ti, err := p.openText(ctx, field, schema, hw)
		if err != nil {
			return nil, multierr.Append(err, p.closeText())
		}
		p.text[field] = ti
	}
	p.logger.Info("payload index opened",
		"dir", dir,
		"fields", len(p.schema),
		"points", p.known.GetCardinality(),
		"sealed", sf.Sealed,
	)
	return p, nil
}

func (p *Index) openText(ctx context.Context, field string, schema FieldSchema, hw *hwcounter.Cell) (*textindex.TextIndex, error) {
	fdir := p.fieldDir(field)
	if p.sealed.Load() && schema.TextParams().OnDisk && fdir != "" && textindex.Exists(fdir) {
		return textindex.Open(field, fdir)
	}
	return p.buildText(ctx, field, schema, hw)
}

func (p *Index) loadSchema() (schemaFile, error) {
	sf := schemaFile{Fields: map[string]FieldSchema{}}
	if p.dir == "" {
		return sf, nil
	}
	data, err := os.ReadFile(filepath.Join(p.dir, SchemaFileName))
	if errors.Is(err, os.ErrNotExist) {
		return sf, nil
	}
	if err != nil {
		return sf, fmt.Errorf("reading payload schema: %w", err)
	}
	if err := yaml.Unmarshal(data, &sf); err != nil {
		return sf, fmt.Errorf("%w: parsing %s: %v", apperrors.ErrCorruptFile, SchemaFileName, err)
	}
	if sf.Fields == nil {
		sf.Fields = map[string]FieldSchema{}
	}
	return sf, nil
}

// loadKnown reads the point set, or rebuilds it from storage when the file
// is missing.
func (p *Index) loadKnown(ctx context.Context) error {
	if p.dir != "" {
		f, err := os.Open(filepath.Join(p.dir, PointsFileName))
		if err == nil {
			defer f.Close()
			if _, err := p.known.ReadFrom(f); err != nil {
				return fmt.Errorf("%w: reading %s: %v", apperrors.ErrCorruptFile, PointsFileName, err)
			}
			return nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("opening point set: %w", err)
		}
	}
	return p.store.Iter(ctx, func(point PointOffset, _ Payload) error {
		p.known.Add(point)
		return nil
	})
}

// persistMeta writes the schema and the point set.
func (p *Index) persistMeta() error {
	if p.dir == "" {
		return nil
	}
	p.mu.RLock()
	sf := schemaFile{Sealed: p.sealed.Load(), Fields: make(map[string]FieldSchema, len(p.schema))}
	for k, v := range p.schema {
		sf.Fields[k] = v
	}
	p.mu.RUnlock()
	data, err := yaml.Marshal(sf)
	if err != nil {
		return fmt.Errorf("encoding payload schema: %w", err)
	}
	if err := writeAtomic(filepath.Join(p.dir, SchemaFileName), data); err != nil {
		return err
	}

	p.knownMu.RLock()
	points, err := p.known.ToBytes()
	p.knownMu.RUnlock()
	if err != nil {
		return fmt.Errorf("encoding point set: %w", err)
	}
	return writeAtomic(filepath.Join(p.dir, PointsFileName), points)
}

func writeAtomic(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating directory for %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(tmp), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", filepath.Base(path), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", filepath.Base(path), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", filepath.Base(path), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("renaming %s: %w", filepath.Base(path), err)
	}
	d, err := os.Open(filepath.Dir(path))
	if err != nil {
		return fmt.Errorf("opening directory of %s: %w", filepath.Base(path), err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing directory of %s: %w", filepath.Base(path), err)
	}
	return nil
}

// fieldDir names the directory of a field index. The hash suffix keeps
// distinct keys apart after unsafe characters are replaced.
func (p *Index) fieldDir(field string) string {
	if p.dir == "" {
		return ""
	}
	clean := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, field)
	return filepath.Join(p.dir, fieldsDirName, fmt.Sprintf("%s-%016x", clean, xxhash.Sum64String(field)))
}

// IndexedFields returns the declared schema of every indexed field.
func (p *Index) IndexedFields() map[string]FieldSchema {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]FieldSchema, len(p.schema))
	for k, v := range p.schema {
		out[k] = v
	}
	return out
}

// BuildIndex builds the index of field from the stored payloads unless a
// compatible one exists. Concurrent builds of one field share the work. The
// result takes effect once passed to ApplyIndex.
func (p *Index) BuildIndex(ctx context.Context, field string, schema FieldSchema, hw *hwcounter.Cell) (BuildResult, error) {
	if field == "" {
		return BuildResult{}, fmt.Errorf("%w: empty field name", apperrors.ErrInvalidInput)
	}
	if err := schema.Validate(); err != nil {
		return BuildResult{}, fmt.Errorf("field %q: %w", field, err)
	}
	p.mu.RLock()
	cur, exists := p.schema[field]
	p.mu.RUnlock()
	if exists {
		if cur.Compatible(schema) {
			return BuildResult{Status: AlreadyBuilt, Field: field, Schema: cur}, nil
		}
		return BuildResult{Status: IncompatibleSchema, Field: field, Schema: cur}, nil
	}
	if schema.Type != SchemaText {
		return BuildResult{Status: Built, Field: field, Schema: schema}, nil
	}

	v, err, _ := p.builds.Do(field, func() (any, error) {
		p.writeMu.RLock()
		defer p.writeMu.RUnlock()
		ti, err := p.buildText(ctx, field, schema, hw)
		if err != nil {
			return nil, err
		}
		p.trackBuild(field, ti)
		return BuildResult{Status: Built, Field: field, Schema: schema, Text: ti}, nil
	})
	if err != nil {
		return BuildResult{}, err
	}
	res := v.(BuildResult)
	if !res.Schema.Compatible(schema) {
		return BuildResult{Status: IncompatibleSchema, Field: field, Schema: res.Schema}, nil
	}
	return res, nil
}

func (p *Index) buildText(ctx context.Context, field string, schema FieldSchema, hw *hwcounter.Cell) (*textindex.TextIndex, error) {
	start := time.Now()
	fdir := p.fieldDir(field)
	if fdir != "" {
		if err := os.RemoveAll(fdir); err != nil {
			return nil, fmt.Errorf("clearing index directory of field %q: %w", field, err)
		}
	}
	ti, err := textindex.New(field, fdir, schema.TextParams())
	if err != nil {
		return nil, err
	}
	skipped := 0
	err = p.store.Iter(ctx, func(point PointOffset, pl Payload) error {
		values := ValuesAt(pl, field)
		if len(values) == 0 {
			return nil
		}
		err := ti.AddPoint(point, values, hw)
		if errors.Is(err, apperrors.ErrPayloadType) {
			skipped++
			p.logger.Warn("skipping point with non-text value", "field", field, "point", point)
			return nil
		}
		return err
	})
	if err == nil && p.sealed.Load() {
		err = ti.Freeze(hw)
	}
	p.metrics.IndexBuildsTotal.WithLabelValues(metrics.Status(err)).Inc()
	if err != nil {
		return nil, multierr.Append(fmt.Errorf("building index of field %q: %w", field, err), ti.Clear())
	}
	p.logger.Info("field index built",
		"field", field,
		"points", ti.PointsCount(),
		"skipped", skipped,
		"duration", time.Since(start),
	)
	return ti, nil
}

// ApplyIndex installs a built index, first replaying payload writes made
// since the build. Results other than Built are ignored.
func (p *Index) ApplyIndex(ctx context.Context, res BuildResult) error {
	if res.Status != Built {
		return nil
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	p.mu.Lock()
	if _, exists := p.schema[res.Field]; exists {
		installed := p.text[res.Field]
		p.mu.Unlock()
		if res.Text != nil && res.Text != installed {
			return res.Text.Close()
		}
		return nil
	}
	if res.Text != nil {
		if err := p.catchUp(ctx, res); err != nil {
			p.mu.Unlock()
			return err
		}
		p.text[res.Field] = res.Text
	}
	p.schema[res.Field] = res.Schema
	p.mu.Unlock()
	p.releaseBuilds(res.Field, res.Text)
	p.generation.Add(1)

	p.logger.Info("field index applied", "field", res.Field, "type", res.Schema.Type)
	return p.persistMeta()
}

// pendingBuilds holds the unapplied builds of one field. touched collects
// every point written since the oldest of them, so it covers each one;
// replaying a point twice is harmless.
type pendingBuilds struct {
	touched *roaring.Bitmap
	texts   map[*textindex.TextIndex]struct{}
}

// trackBuild registers a finished build. The caller holds writeMu shared, so
// no write can fall between the build and its registration.
func (p *Index) trackBuild(field string, ti *textindex.TextIndex) {
	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	pb := p.pending[field]
	if pb == nil {
		pb = &pendingBuilds{touched: roaring.New(), texts: make(map[*textindex.TextIndex]struct{})}
		p.pending[field] = pb
	}
	pb.texts[ti] = struct{}{}
}

// releaseBuilds forgets the pending builds of field and closes every one of
// them except keep.
func (p *Index) releaseBuilds(field string, keep *textindex.TextIndex) {
	p.pendingMu.Lock()
	pb := p.pending[field]
	delete(p.pending, field)
	p.pendingMu.Unlock()
	if pb == nil {
		return
	}
	for ti := range pb.texts {
		if ti != keep {
			ti.Close()
		}
	}
}

func (p *Index) catchUp(ctx context.Context, res BuildResult) error {
	p.pendingMu.Lock()
	pb := p.pending[res.Field]
	var touched *roaring.Bitmap
	if pb != nil {
		if _, ok := pb.texts[res.Text]; ok {
			touched = pb.touched.Clone()
		}
	}
	p.pendingMu.Unlock()
	if touched == nil {
		return fmt.Errorf("%w: build of field %q was released, build it again", apperrors.ErrInvalidInput, res.Field)
	}
	hw := hwcounter.Disposable()
	it := touched.Iterator()
	for it.HasNext() {
		point := it.Next()
		pl, err := p.store.Get(ctx, point)
		if err != nil {
			return fmt.Errorf("replaying point %d into field %q: %w", point, res.Field, err)
		}
		if err := reindexField(res.Text, point, ValuesAt(pl, res.Field), hw); err != nil {
			return err
		}
	}
	return nil
}

func reindexField(ti *textindex.TextIndex, point PointOffset, values []any, hw *hwcounter.Cell) error {
	if len(values) == 0 {
		return ti.RemovePoint(point, hw)
	}
	return ti.AddPoint(point, values, hw)
}

// SetIndexed builds and installs the index of field, replacing an index with
// an incompatible schema.
func (p *Index) SetIndexed(ctx context.Context, field string, schema FieldSchema, hw *hwcounter.Cell) error {
	if _, err := p.DropIndexIfIncompatible(field, schema); err != nil {
		return err
	}
	res, err := p.BuildIndex(ctx, field, schema, hw)
	if err != nil {
		return err
	}
	if res.Status == IncompatibleSchema {
		return fmt.Errorf("field %q: %w", field, apperrors.ErrIncompatibleSchema)
	}
	return p.ApplyIndex(ctx, res)
}

// DropIndex removes the index of field and its files. Dropping a field that
// is not indexed reports false.
func (p *Index) DropIndex(field string) (bool, error) {
	p.mu.Lock()
	_, exists := p.schema[field]
	ti := p.text[field]
	delete(p.schema, field)
	delete(p.text, field)
	p.mu.Unlock()
	p.releaseBuilds(field, nil)

	if !exists {
		return false, nil
	}
	p.generation.Add(1)
	var errs error
	if ti != nil {
		errs = multierr.Append(errs, ti.Clear())
	}
	if fdir := p.fieldDir(field); fdir != "" {
		errs = multierr.Append(errs, os.RemoveAll(fdir))
	}
	errs = multierr.Append(errs, p.persistMeta())
	if errs != nil {
		return true, fmt.Errorf("dropping index of field %q: %w", field, errs)
	}
	p.logger.Info("field index dropped", "field", field)
	return true, nil
}

// DropIndexIfIncompatible drops the index of field when it cannot serve
// schema.
func (p *Index) DropIndexIfIncompatible(field string, schema FieldSchema) (bool, error) {
	p.mu.RLock()
	cur, exists := p.schema[field]
	p.mu.RUnlock()
	if !exists || cur.Compatible(schema) {
		return false, nil
	}
	return p.DropIndex(field)
}

// IndexedPoints is the number of points the index of field holds.
func (p *Index) IndexedPoints(field string) int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if ti := p.text[field]; ti != nil {
		return ti.PointsCount()
	}
	return 0
}

// FreezeIndexes seals the segment: every field index is frozen and later
// payload writes fail with ErrReadOnly.
func (p *Index) FreezeIndexes(hw *hwcounter.Cell) error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.mu.RLock()
	var errs error
	for _, ti := range p.text {
		errs = multierr.Append(errs, ti.Freeze(hw))
	}
	p.mu.RUnlock()
	if errs != nil {
		return fmt.Errorf("freezing field indexes: %w", errs)
	}
	p.sealed.Store(true)
	p.generation.Add(1)
	return p.persistMeta()
}

func (p *Index) Sealed() bool { return p.sealed.Load() }

// Generation is a counter that advances on every payload write and index
// change. Equal generations imply equal query results.
func (p *Index) Generation() uint64 { return p.generation.Load() }

// Ping probes the storage backend.
func (p *Index) Ping(ctx context.Context) error {
	_, err := p.store.Get(ctx, 0)
	return err
}

// PointsCount is the number of points the index knows of.
func (p *Index) PointsCount() int {
	p.knownMu.RLock()
	defer p.knownMu.RUnlock()
	return int(p.known.GetCardinality())
}

func (p *Index) isKnown(point PointOffset) bool {
	p.knownMu.RLock()
	defer p.knownMu.RUnlock()
	return p.known.Contains(point)
}

func (p *Index) knownSnapshot() *roaring.Bitmap {
	p.knownMu.RLock()
	defer p.knownMu.RUnlock()
	return p.known.Clone()
}

// Flusher snapshots the set of things to persist now and returns a function
// that persists them. Each call of the function persists current state
// again.
func (p *Index) Flusher() func() error {
	p.mu.RLock()
	flushers := []func() error{p.store.Flusher()}
	for _, ti := range p.text {
		flushers = append(flushers, ti.Flusher())
	}
	p.mu.RUnlock()
	return func() error {
		var g errgroup.Group
		for _, f := range flushers {
			g.Go(f)
		}
		if err := g.Wait(); err != nil {
			return err
		}
		return p.persistMeta()
	}
}

// Files lists every on-disk artifact of the payload index.
func (p *Index) Files() []string {
	var out []string
	if p.dir != "" {
		for _, name := range []string{SchemaFileName, PointsFileName} {
			path := filepath.Join(p.dir, name)
			if _, err := os.Stat(path); err == nil {
				out = append(out, path)
			}
		}
	}
	out = append(out, p.store.Files()...)
	p.mu.RLock()
	defer p.mu.RUnlock()
	for _, ti := range p.text {
		out = append(out, ti.Files()...)
	}
	slices.Sort(out)
	return out
}

// ImmutableFiles lists files that never change once written.
func (p *Index) ImmutableFiles() []string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []string
	for _, ti := range p.text {
		out = append(out, ti.ImmutableFiles()...)
	}
	slices.Sort(out)
	return out
}

func (p *Index) VersionedFiles() []textindex.VersionedFile {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []textindex.VersionedFile
	for _, ti := range p.text {
		out = append(out, ti.VersionedFiles()...)
	}
	return out
}

// Telemetry describes the payload index and each of its text fields.
type Telemetry struct {
	Points int                   `json:"points"`
	Sealed bool                  `json:"sealed"`
	Fields []textindex.Telemetry `json:"fields"`
}

func (p *Index) Telemetry() Telemetry {
	p.mu.RLock()
	defer p.mu.RUnlock()
	tel := Telemetry{Points: p.PointsCount(), Sealed: p.sealed.Load()}
	for _, field := range slices.Sorted(maps.Keys(p.text)) {
		tel.Fields = append(tel.Fields, p.text[field].Telemetry())
	}
	return tel
}

func (p *Index) closeText() error {
	var errs error
	for _, ti := range p.text {
		errs = multierr.Append(errs, ti.Close())
	}
	return errs
}

// Close releases every field index and the storage backend. Files stay on
// disk.
func (p *Index) Close() error {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	p.mu.Lock()
	defer p.mu.Unlock()
	return multierr.Append(p.closeText(), p.store.Close())
}
