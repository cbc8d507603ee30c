package textindex

import (
	"sync/atomic"

	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/index"
	"github.com/Adithya-Monish-Kumar-K/payload-text-index/internal/textindex/segment"
)

// Backend names the storage variant of a generation.
type Backend string

const (
	BackendMutable   Backend = "mutable"
	BackendImmutable Backend = "immutable"
	BackendMmap      Backend = "mmap"
)

// generation is one immutable-once-published backend. The TextIndex holds one
// reference; every in-flight query holds another. The last release closes
// the mapping, so replacing the current generation never invalidates a
// running query.
type generation struct {
	backend Backend
	inv     index.Inverted
	mutable *index.Mutable
	reader  *segment.Reader
	refs    atomic.Int64
	onFree  func()
}

func newGeneration(backend Backend, inv index.Inverted) *generation {
	g := &generation{backend: backend, inv: inv}
	switch v := inv.(type) {
	case *index.Mutable:
		g.mutable = v
	case *segment.Reader:
		g.reader = v
	}
	g.refs.Store(1)
	return g
}

// tryRetain takes a read reference unless the generation is already freed.
func (g *generation) tryRetain() bool {
	for {
		n := g.refs.Load()
		if n <= 0 {
			return false
		}
		if g.refs.CompareAndSwap(n, n+1) {
			if g.reader != nil {
				g.reader.Retain()
			}
			return true
		}
	}
}

// releaseRead drops a reference taken by tryRetain.
func (g *generation) releaseRead() {
	if g.reader != nil {
		g.reader.Release()
	}
	g.unref()
}

// unref drops a reference; the owner's reference is dropped with unref alone.
func (g *generation) unref() {
	if g.refs.Add(-1) == 0 {
		if g.reader != nil {
			g.reader.Close()
		}
		if g.onFree != nil {
			g.onFree()
		}
	}
}
