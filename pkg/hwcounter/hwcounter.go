// Package hwcounter provides the resource-accounting handle passed through
// every index and query call. A Cell is owned by one request; it is never
// global, so concurrent queries keep independent tallies.
package hwcounter

import (
	"fmt"
	"sync/atomic"

	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
)

// Cell accumulates measured cost by category. The zero value is an unlimited
// cell; a nil *Cell ignores every charge.
type Cell struct {
	cpu               atomic.Int64
	payloadRead       atomic.Int64
	payloadWrite      atomic.Int64
	payloadIndexRead  atomic.Int64
	payloadIndexWrite atomic.Int64

	budget int64
	parent *Cell
}

// Snapshot is a point-in-time copy of a Cell's counters.
type Snapshot struct {
	CPU               int64 `json:"cpu"`
	PayloadRead       int64 `json:"payload_io_read"`
	PayloadWrite      int64 `json:"payload_io_write"`
	PayloadIndexRead  int64 `json:"payload_index_io_read"`
	PayloadIndexWrite int64 `json:"payload_index_io_write"`
}

// Total sums every category.
func (s Snapshot) Total() int64 {
	return s.CPU + s.PayloadRead + s.PayloadWrite + s.PayloadIndexRead + s.PayloadIndexWrite
}

// New returns a Cell with the given total budget. A budget <= 0 means unlimited.
func New(budget int64) *Cell {
	return &Cell{budget: budget}
}

// Disposable returns an unlimited cell whose measurements are discarded by
// the caller, for internal maintenance paths such as index builds.
func Disposable() *Cell {
	return &Cell{}
}

// Child returns a cell that records into itself and forwards every charge to c.
func (c *Cell) Child() *Cell {
	return &Cell{parent: c}
}

func (c *Cell) AddCPU(n int) {
	c.add(n, func(x *Cell) *atomic.Int64 { return &x.cpu })
}

func (c *Cell) AddPayloadRead(n int) {
	c.add(n, func(x *Cell) *atomic.Int64 { return &x.payloadRead })
}

func (c *Cell) AddPayloadWrite(n int) {
	c.add(n, func(x *Cell) *atomic.Int64 { return &x.payloadWrite })
}

func (c *Cell) AddPayloadIndexRead(n int) {
	c.add(n, func(x *Cell) *atomic.Int64 { return &x.payloadIndexRead })
}

func (c *Cell) AddPayloadIndexWrite(n int) {
	c.add(n, func(x *Cell) *atomic.Int64 { return &x.payloadIndexWrite })
}

func (c *Cell) add(n int, sel func(*Cell) *atomic.Int64) {
	if n <= 0 {
		return
	}
	for cur := c; cur != nil; cur = cur.parent {
		sel(cur).Add(int64(n))
	}
}

func (c *Cell) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	return Snapshot{
		CPU:               c.cpu.Load(),
		PayloadRead:       c.payloadRead.Load(),
		PayloadWrite:      c.payloadWrite.Load(),
		PayloadIndexRead:  c.payloadIndexRead.Load(),
		PayloadIndexWrite: c.payloadIndexWrite.Load(),
	}
}

// Check returns ErrBudgetExceeded once the measured cost of this cell, or of
// any ancestor with a budget, passes its budget.
func (c *Cell) Check() error {
	for cur := c; cur != nil; cur = cur.parent {
		if cur.budget <= 0 {
			continue
		}
		if used := cur.Snapshot().Total(); used > cur.budget {
			return fmt.Errorf("used %d of %d: %w", used, cur.budget, apperrors.ErrBudgetExceeded)
		}
	}
	return nil
}
