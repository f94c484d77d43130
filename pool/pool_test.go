package pool_test

import (
	"math/rand"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipelined/worklet"
	"github.com/pipelined/worklet/metric"
	"github.com/pipelined/worklet/pool"
)

type osc struct {
	disconnected int
}

func (o *osc) Disconnect() {
	o.disconnected++
}

func newOscs(n int) []*osc {
	oscs := make([]*osc, n)
	for i := range oscs {
		oscs[i] = &osc{}
	}
	return oscs
}

func newPool(n int) (*pool.Pool[*osc], []*osc, *test.Hook) {
	logger, hook := test.NewNullLogger()
	oscs := newOscs(n)
	return pool.New(oscs, pool.WithLogger(logger)), oscs, hook
}

func TestAllocateAll(t *testing.T) {
	n := 128
	p, _, _ := newPool(n)
	seen := map[int]struct{}{}
	for i := 0; i < n; i++ {
		slot, ok := p.Allocate()
		require.True(t, ok)
		_, dup := seen[slot]
		assert.False(t, dup, "slot %d allocated twice", slot)
		seen[slot] = struct{}{}
	}
	_, ok := p.Allocate()
	assert.False(t, ok)
	assert.Equal(t, 0, p.Len())
	assert.Equal(t, n, p.Used())
}

func TestFree(t *testing.T) {
	p, oscs, hook := newPool(4)

	a, _ := p.Allocate()
	b, _ := p.Allocate()
	assert.Equal(t, 0, a)
	assert.Equal(t, 1, b)

	require.NoError(t, p.Free(a))
	assert.Equal(t, 1, oscs[a].disconnected)
	_, ok := p.Get(a)
	assert.False(t, ok)

	// freed slot is reused first
	c, _ := p.Allocate()
	assert.Equal(t, a, c)
	res, ok := p.Get(c)
	assert.True(t, ok)
	assert.Same(t, oscs[a], res)
	assert.Empty(t, hook.AllEntries())
}

func TestFreeMisuse(t *testing.T) {
	faults, err := metric.NewFaults(nil)
	require.NoError(t, err)
	logger, hook := test.NewNullLogger()
	oscs := newOscs(3)
	p := pool.New(oscs, pool.WithLogger(logger), pool.WithFaults(faults))

	slot, _ := p.Allocate()
	require.NoError(t, p.Free(slot))

	tests := []struct {
		slot     int
		expected error
	}{
		{slot: slot, expected: worklet.ErrNotUsed},
		{slot: 2, expected: worklet.ErrNotUsed},
		{slot: 3, expected: worklet.ErrOutOfRange},
		{slot: -1, expected: worklet.ErrOutOfRange},
	}
	for _, test := range tests {
		before := p.Len()
		assert.ErrorIs(t, p.Free(test.slot), test.expected)
		assert.Equal(t, before, p.Len())
	}
	assert.Equal(t, len(tests), len(hook.AllEntries()))
	assert.Equal(t, float64(len(tests)), testutil.ToFloat64(faults.Counter(worklet.FaultInvariant)))
	assert.Equal(t, 1, oscs[slot].disconnected)

	// layout is intact: all slots are still allocatable exactly once
	for i := 0; i < 3; i++ {
		_, ok := p.Allocate()
		assert.True(t, ok)
	}
	_, ok := p.Allocate()
	assert.False(t, ok)
	assert.Equal(t, 1.0, testutil.ToFloat64(faults.Counter(worklet.FaultExhausted)))
}

func TestEmpty(t *testing.T) {
	p, _, _ := newPool(0)
	_, ok := p.Allocate()
	assert.False(t, ok)
	assert.Equal(t, 0, p.Cap())
}

// TestRandomOps checks that free and used slots always partition the pool
// under arbitrary sequences of operations.
func TestRandomOps(t *testing.T) {
	n := 16
	p, _, _ := newPool(n)
	rnd := rand.New(rand.NewSource(1))
	used := map[int]struct{}{}
	for i := 0; i < 10000; i++ {
		if rnd.Intn(2) == 0 {
			slot, ok := p.Allocate()
			if len(used) == n {
				assert.False(t, ok)
				continue
			}
			require.True(t, ok)
			_, dup := used[slot]
			require.False(t, dup, "slot %d allocated while used", slot)
			used[slot] = struct{}{}
		} else {
			slot := rnd.Intn(n)
			_, wasUsed := used[slot]
			err := p.Free(slot)
			if wasUsed {
				require.NoError(t, err)
				delete(used, slot)
			} else {
				require.ErrorIs(t, err, worklet.ErrNotUsed)
			}
		}
		require.Equal(t, n, p.Len()+p.Used())
		require.Equal(t, len(used), p.Used())
	}
}

func TestSnapshot(t *testing.T) {
	p, _, _ := newPool(4)
	a, _ := p.Allocate()
	p.Allocate()
	p.Allocate()
	require.NoError(t, p.Free(a))

	data, err := p.Snapshot()
	require.NoError(t, err)

	restored, _, _ := newPool(4)
	require.NoError(t, restored.Restore(data))
	assert.Equal(t, p.Used(), restored.Used())
	for i := 0; i < 4; i++ {
		assert.Equal(t, p.IsUsed(i), restored.IsUsed(i))
	}
	// both pools hand out the same slots in the same order
	for {
		expected, ok := p.Allocate()
		actual, restoredOK := restored.Allocate()
		assert.Equal(t, ok, restoredOK)
		if !ok {
			break
		}
		assert.Equal(t, expected, actual)
	}
}

func TestRestoreInvalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "malformed", data: `{`},
		{name: "size", data: `{"head":0,"next":[-1],"used":[false]}`},
		{name: "cycle", data: `{"head":0,"next":[1,0],"used":[false,false]}`},
		{name: "used linked", data: `{"head":0,"next":[1,-1],"used":[false,true]}`},
		{name: "unlinked free", data: `{"head":-1,"next":[-1,-1],"used":[false,true]}`},
		{name: "out of range", data: `{"head":5,"next":[-1,-1],"used":[false,false]}`},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			p, _, _ := newPool(2)
			assert.Error(t, p.Restore([]byte(test.data)))
			assert.Equal(t, 0, p.Used())
		})
	}
}
