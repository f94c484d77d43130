package processor

import (
	"fmt"
	"math"

	"github.com/pipelined/worklet"
)

// QuantizeMode selects the rounding of quantized values.
type QuantizeMode int

// Quantization modes.
const (
	Round QuantizeMode = iota
	Floor
	Ceil
	Trunc
)

// ParseQuantizeMode returns mode by its name. Empty name is Round.
func ParseQuantizeMode(s string) (QuantizeMode, error) {
	switch s {
	case "", "round":
		return Round, nil
	case "floor":
		return Floor, nil
	case "ceil":
		return Ceil, nil
	case "trunc":
		return Trunc, nil
	}
	return 0, fmt.Errorf("quantize mode %q: %w", s, worklet.ErrUnknownMessage)
}

func (m QuantizeMode) String() string {
	switch m {
	case Round:
		return "round"
	case Floor:
		return "floor"
	case Ceil:
		return "ceil"
	case Trunc:
		return "trunc"
	}
	return "unknown"
}

// QuantizeState is applied to Quantize with ApplyState message. It takes
// effect from the next frame.
type QuantizeState struct {
	Interval float64
	Mode     QuantizeMode
}

// Quantize snaps samples to multiples of the interval. Interval that is
// not positive passes input through.
type Quantize struct {
	state QuantizeState
}

// NewQuantize returns quantizer.
func NewQuantize(s QuantizeState) *Quantize {
	return &Quantize{state: s}
}

// Handle applies QuantizeState.
func (q *Quantize) Handle(m worklet.Message) error {
	msg, ok := m.(worklet.ApplyState)
	if !ok {
		return worklet.ErrUnknownMessage
	}
	s, ok := msg.State.(QuantizeState)
	if !ok {
		return fmt.Errorf("quantize state %T: %w", msg.State, worklet.ErrUnknownMessage)
	}
	if s.Mode < Round || s.Mode > Trunc {
		return fmt.Errorf("quantize mode %d: %w", s.Mode, worklet.ErrOutOfRange)
	}
	q.state = s
	return nil
}

// Process quantizes the input param or, if absent, the first input.
func (q *Quantize) Process(b *worklet.Block) {
	out := output(b)
	if out == nil {
		return
	}
	in := b.Source("input")
	for i := range out {
		out[i] = q.state.Quantize(in.At(i))
	}
	copyOutput(b)
}

// Quantize returns quantized value of x.
func (s QuantizeState) Quantize(x float64) float64 {
	interval := s.Interval
	if !(interval > 0) {
		return x
	}
	diff := math.Mod(x, interval)
	switch s.Mode {
	case Round:
		abs := math.Abs(x)
		absDiff := math.Mod(abs, interval)
		v := abs - absDiff
		if absDiff > interval/2 {
			v += interval
		}
		// +0 turns negative zero into zero
		return math.Copysign(v, x) + 0
	case Floor:
		if x >= 0 || diff == 0 {
			return x - diff
		}
		return (x - diff) - interval
	case Ceil:
		if x < 0 || diff == 0 {
			return x - diff + 0
		}
		return (x - diff) + interval
	case Trunc:
		return x - diff + 0
	}
	return x
}
