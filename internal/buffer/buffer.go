// Package buffer caches pools of multi-channel frame buffers.
package buffer

import (
	"sync"

	"pipelined.dev/signal"
	"pipelined.dev/signal/pool"

	"github.com/pipelined/worklet"
)

// Pool allocates buffers of fixed number of channels, each channel one frame
// long.
type Pool struct {
	channels int
	p        *pool.Pool
}

var m = struct {
	sync.Mutex
	pools map[int]*Pool
}{
	pools: map[int]*Pool{},
}

// Get returns pool for provided number of channels. Pools are cached
// internally, so multiple calls with the same channels return the same pool.
func Get(channels int) *Pool {
	m.Lock()
	defer m.Unlock()
	if p, ok := m.pools[channels]; ok {
		return p
	}

	p := New(channels)
	m.pools[channels] = p
	return p
}

// New returns new pool of buffers.
func New(channels int) *Pool {
	return &Pool{
		channels: channels,
		p:        pool.New(channels, worklet.FrameSize),
	}
}

// Alloc returns zeroed buffer.
func (p *Pool) Alloc() [][]float64 {
	b := *p.p.Alloc()
	for _, c := range b {
		for i := range c {
			c[i] = 0
		}
	}
	return b
}

// Free returns buffer to the pool. Buffers of different shape are ignored.
func (p *Pool) Free(b [][]float64) {
	sb := signal.Float64(b)
	if sb.NumChannels() != p.channels || sb.Size() != worklet.FrameSize {
		return
	}
	p.p.Free(&sb)
}

// Channels returns number of channels of allocated buffers.
func (p *Pool) Channels() int {
	return p.channels
}
