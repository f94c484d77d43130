package processor

import (
	"github.com/pipelined/worklet"
)

// Edge detects rising edges of a gate. Input samples above zero are high.
// Every low to high transition posts one Edge event; falling edges post
// nothing. Output is the gate itself: 1 when high, 0 when low.
type Edge struct {
	reporter
	high bool
}

// NewEdge returns edge detector.
func NewEdge(opts ...Option) *Edge {
	return &Edge{
		reporter: newReporter("edge", opts),
	}
}

// Process detects edges of the gate param or, if absent, the first input.
func (e *Edge) Process(b *worklet.Block) {
	in := b.Source("gate")
	out := output(b)
	for i := 0; i < worklet.FrameSize; i++ {
		high := in.At(i) > 0
		if high && !e.high {
			edge := worklet.Edge{Sample: i}
			if b.Clock.SampleRate > 0 {
				edge.Time = b.Clock.Time + float64(i)/float64(b.Clock.SampleRate)
			}
			e.emit(edge)
		}
		e.high = high
		if i < len(out) {
			if high {
				out[i] = 1
			} else {
				out[i] = 0
			}
		}
	}
	if out != nil {
		copyOutput(b)
	}
}

// Reset forgets the gate level, next high sample is an edge.
func (e *Edge) Reset() {
	e.high = false
}
