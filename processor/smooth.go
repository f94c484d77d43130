package processor

import (
	"fmt"
	"math"

	"github.com/pipelined/worklet"
)

// SmoothState is applied to Smooth with ApplyState message.
type SmoothState struct {
	Coefficient float64
}

// Smooth is a one-pole lowpass: s = s*k + x*(1-k). Non-finite running state
// is reported once and reset to zero.
type Smooth struct {
	reporter
	k     float64
	state float64
}

// NewSmooth returns smoothing processor with coefficient k.
func NewSmooth(k float64, opts ...Option) *Smooth {
	return &Smooth{
		reporter: newReporter("smooth", opts),
		k:        k,
	}
}

// Handle applies SmoothState.
func (s *Smooth) Handle(m worklet.Message) error {
	msg, ok := m.(worklet.ApplyState)
	if !ok {
		return worklet.ErrUnknownMessage
	}
	state, ok := msg.State.(SmoothState)
	if !ok {
		return fmt.Errorf("smooth state %T: %w", msg.State, worklet.ErrUnknownMessage)
	}
	s.k = state.Coefficient
	return nil
}

// Process smooths the first input.
func (s *Smooth) Process(b *worklet.Block) {
	out := output(b)
	if out == nil {
		return
	}
	if len(b.Inputs) == 0 {
		b.Silence()
		return
	}
	in := b.Inputs[0]
	state := s.state
	for i := range out {
		state = state*s.k + in[i]*(1-s.k)
		if math.IsNaN(state) || math.IsInf(state, 0) {
			s.fault(worklet.FaultNumeric, fmt.Errorf("smooth: %w", worklet.ErrNonFinite))
			state = 0
		}
		out[i] = state
	}
	s.state = state
	copyOutput(b)
}
