package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"sync"
)

// MemoryFileName is the snapshot written by Memory's flusher.
const MemoryFileName = "payload.json"

// Memory keeps payloads in a map and snapshots them to a JSON file on flush.
type Memory struct {
	mu    sync.RWMutex
	path  string
	data  map[PointOffset]Payload
	dirty bool
}

// NewMemory loads the snapshot at path if it exists. An empty path keeps
// everything in memory.
func NewMemory(path string) (*Memory, error) {
	m := &Memory{path: path, data: make(map[PointOffset]Payload)}
	if path == "" {
		return m, nil
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return m, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading payload snapshot: %w", err)
	}
	var stored map[string]Payload
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("parsing payload snapshot %s: %w", path, err)
	}
	for k, p := range stored {
		id, err := strconv.ParseUint(k, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("parsing payload snapshot %s: bad point id %q", path, k)
		}
		m.data[PointOffset(id)] = p
	}
	return m, nil
}

func (m *Memory) Get(_ context.Context, point PointOffset) (Payload, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return merge(nil, m.data[point]), nil
}

func (m *Memory) Set(_ context.Context, point PointOffset, p Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[point] = merge(merge(nil, m.data[point]), p)
	m.dirty = true
	return nil
}

func (m *Memory) Overwrite(_ context.Context, point PointOffset, p Payload) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[point] = merge(nil, p)
	m.dirty = true
	return nil
}

func (m *Memory) Delete(_ context.Context, point PointOffset, key string) (any, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.data[point]
	if !ok {
		return nil, false, nil
	}
	v, ok := cur[key]
	if !ok {
		return nil, false, nil
	}
	next := merge(nil, cur)
	delete(next, key)
	m.data[point] = next
	m.dirty = true
	return v, true, nil
}

func (m *Memory) Clear(_ context.Context, point PointOffset) (Payload, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old := m.data[point]
	if old == nil {
		return Payload{}, nil
	}
	delete(m.data, point)
	m.dirty = true
	return old, nil
}

func (m *Memory) Iter(ctx context.Context, fn func(PointOffset, Payload) error) error {
	m.mu.RLock()
	points := slices.Sorted(maps.Keys(m.data))
	m.mu.RUnlock()

	for _, point := range points {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.RLock()
		p, ok := m.data[point]
		m.mu.RUnlock()
		if !ok {
			continue
		}
		if err := fn(point, merge(nil, p)); err != nil {
			if errors.Is(err, ErrStop) {
				return nil
			}
			return err
		}
	}
	return nil
}

// Flusher snapshots the current state when called; it writes nothing if
// nothing changed since the last flush.
func (m *Memory) Flusher() func() error {
	return func() error {
		if m.path == "" {
			return nil
		}
		m.mu.Lock()
		defer m.mu.Unlock()
		if !m.dirty {
			return nil
		}
		stored := make(map[string]Payload, len(m.data))
		for id, p := range m.data {
			stored[strconv.FormatUint(uint64(id), 10)] = p
		}
		raw, err := json.Marshal(stored)
		if err != nil {
			return fmt.Errorf("encoding payload snapshot: %w", err)
		}
		if err := replaceFile(m.path, raw); err != nil {
			return fmt.Errorf("writing payload snapshot: %w", err)
		}
		m.dirty = false
		return nil
	}
}

// replaceFile writes data next to path, syncs it, renames it over path and
// syncs the directory so the rename itself survives a crash.
func replaceFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("creating directory: %w", err)
	}
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Base(tmp), err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("syncing %s: %w", filepath.Base(tmp), err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("closing %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("renaming %s: %w", filepath.Base(tmp), err)
	}
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("opening %s: %w", dir, err)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return fmt.Errorf("syncing %s: %w", dir, err)
	}
	return nil
}

func (m *Memory) Files() []string {
	if m.path == "" {
		return nil
	}
	if _, err := os.Stat(m.path); err != nil {
		return nil
	}
	return []string{m.path}
}

func (m *Memory) Close() error { return nil }
