package hwcounter

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Adithya-Monish-Kumar-K/payload-text-index/pkg/errors"
)

func TestCellBudget(t *testing.T) {
	c := New(10)
	c.AddCPU(4)
	c.AddPayloadIndexRead(6)
	require.NoError(t, c.Check())

	c.AddPayloadRead(1)
	assert.ErrorIs(t, c.Check(), apperrors.ErrBudgetExceeded)
	assert.Equal(t, int64(11), c.Snapshot().Total())
}

func TestChildForwardsToParent(t *testing.T) {
	parent := New(5)
	child := parent.Child()
	child.AddPayloadIndexWrite(3)
	child.AddCPU(3)

	assert.Equal(t, int64(6), child.Snapshot().Total())
	assert.Equal(t, int64(3), parent.Snapshot().PayloadIndexWrite)
	assert.ErrorIs(t, child.Check(), apperrors.ErrBudgetExceeded)
}

func TestNilAndDisposable(t *testing.T) {
	var c *Cell
	c.AddCPU(100)
	assert.NoError(t, c.Check())

	d := Disposable()
	d.AddCPU(1 << 40)
	assert.NoError(t, d.Check())
}

func TestConcurrentCharges(t *testing.T) {
	c := New(0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				c.AddCPU(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(8000), c.Snapshot().CPU)
}
