package processor

import (
	"github.com/cwbudde/algo-vecmath"

	"github.com/pipelined/worklet"
)

// Parameters of Mix.
const (
	MixParam    = "mix"
	InputAParam = "inputA"
	InputBParam = "inputB"
)

// Mix crossfades two parameter streams: a*(1-mix) + b*mix. Frames with
// mix stream that is neither k-rate nor a-rate leave output untouched.
type Mix struct {
	inv     []float64
	scratch []float64
}

// NewMix returns mix processor.
func NewMix() *Mix {
	return &Mix{
		inv:     make([]float64, worklet.FrameSize),
		scratch: make([]float64, worklet.FrameSize),
	}
}

// Process mixes inputA and inputB streams.
func (m *Mix) Process(b *worklet.Block) {
	out := output(b)
	if out == nil {
		return
	}
	mix := b.Params[MixParam]
	a, bb := b.Params[InputAParam], b.Params[InputBParam]
	switch len(mix) {
	case 1:
		for i := range out {
			out[i] = a.At(i)*(1-mix[0]) + bb.At(i)*mix[0]
		}
	case worklet.FrameSize:
		if len(a) != len(out) || len(bb) != len(out) {
			for i := range out {
				out[i] = a.At(i)*(1-mix[i]) + bb.At(i)*mix[i]
			}
			break
		}
		for i := range m.inv {
			m.inv[i] = 1 - mix[i]
		}
		vecmath.MulBlock(out, a, m.inv)
		vecmath.MulBlock(m.scratch, bb, mix)
		for i := range out {
			out[i] += m.scratch[i]
		}
	default:
		return
	}
	copyOutput(b)
}
