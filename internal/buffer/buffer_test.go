package buffer_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/pipelined/worklet"
	"github.com/pipelined/worklet/internal/buffer"
)

func TestPool(t *testing.T) {
	tests := []struct {
		channels int
		allocs   int
	}{
		{
			channels: 1,
			allocs:   10,
		},
		{
			channels: 8,
			allocs:   1000,
		},
	}
	for _, test := range tests {
		p := buffer.New(test.channels)
		for i := 0; i < test.allocs; i++ {
			b := p.Alloc()
			assert.Equal(t, test.channels, len(b))
			for _, c := range b {
				assert.Equal(t, worklet.FrameSize, len(c))
				assert.Zero(t, c[0])
				c[0] = 1
			}
			p.Free(b)
		}
	}
}

func TestGet(t *testing.T) {
	assert.Same(t, buffer.Get(2), buffer.Get(2))
	assert.NotSame(t, buffer.Get(2), buffer.Get(3))
	assert.Equal(t, 3, buffer.Get(3).Channels())
}

func TestFreeForeign(t *testing.T) {
	p := buffer.New(2)
	p.Free([][]float64{make([]float64, 3), make([]float64, 3)})
	p.Free([][]float64{make([]float64, worklet.FrameSize)})
	p.Free(nil)
	for i := 0; i < 10; i++ {
		b := p.Alloc()
		assert.Equal(t, 2, len(b))
		assert.Equal(t, worklet.FrameSize, len(b[0]))
		assert.Equal(t, worklet.FrameSize, len(b[1]))
	}
}
