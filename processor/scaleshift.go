package processor

import (
	"errors"
	"fmt"
	"math"

	"github.com/pipelined/worklet"
)

// ScaleShiftState maps input range to output range along exponential curve.
// Steepness is the ratio between the largest and the smallest value of the
// curve segment, it must be greater than 1.
type ScaleShiftState struct {
	LinearToExponential bool
	Steepness           float64
	InputMin            float64
	InputMax            float64
	OutputMin           float64
	OutputMax           float64
}

var errSteepness = errors.New("steepness must be greater than 1")

// DefaultScaleShift maps [0, 1] onto [0, 1] with curve suitable for filter
// cutoff frequencies.
var DefaultScaleShift = ScaleShiftState{
	LinearToExponential: true,
	Steepness:           44100.0 / 2 / 20,
	InputMax:            1,
	OutputMax:           1,
}

// ScaleShift converts input values between linear and exponential ranges.
// Input is clamped to the input range.
type ScaleShift struct {
	reporter
	state   ScaleShiftState
	convert func(float64) float64
}

// NewScaleShift returns converter. State must be valid.
func NewScaleShift(s ScaleShiftState, opts ...Option) (*ScaleShift, error) {
	p := ScaleShift{reporter: newReporter("scaleshift", opts)}
	if err := p.apply(s); err != nil {
		return nil, err
	}
	return &p, nil
}

// Handle applies ScaleShiftState.
func (p *ScaleShift) Handle(m worklet.Message) error {
	msg, ok := m.(worklet.ApplyState)
	if !ok {
		return worklet.ErrUnknownMessage
	}
	s, ok := msg.State.(ScaleShiftState)
	if !ok {
		return fmt.Errorf("scale shift state %T: %w", msg.State, worklet.ErrUnknownMessage)
	}
	return p.apply(s)
}

func (p *ScaleShift) apply(s ScaleShiftState) error {
	if !(s.Steepness > 1) {
		return fmt.Errorf("scale shift: %w", errSteepness)
	}
	if s.InputMax-s.InputMin <= 0 {
		p.logger.Warn(fmt.Sprintf("invalid input range [%v, %v], output is constant", s.InputMin, s.InputMax))
	}
	p.state = s
	if s.LinearToExponential {
		p.convert = linearToExponential(s.InputMin, s.InputMax, s.OutputMin, s.OutputMax, s.Steepness)
	} else {
		p.convert = exponentialToLinear(s.InputMin, s.InputMax, s.OutputMin, s.OutputMax, s.Steepness)
	}
	return nil
}

// Process converts the first input.
func (p *ScaleShift) Process(b *worklet.Block) {
	out := output(b)
	if out == nil {
		return
	}
	in := b.Source("input")
	for i := range out {
		out[i] = p.convert(clamp(p.state.InputMin, p.state.InputMax, in.At(i)))
	}
	copyOutput(b)
}

// Response samples the conversion curve over the input range.
func (p *ScaleShift) Response(n int) (in, out []float64) {
	in, out = make([]float64, n), make([]float64, n)
	if n < 2 {
		return in, out
	}
	step := (p.state.InputMax - p.state.InputMin) / float64(n-1)
	for i := range in {
		in[i] = p.state.InputMin + float64(i)*step
		if step <= 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = p.convert(in[i])
	}
	return in, out
}

func clamp(min, max, v float64) float64 {
	return math.Min(max, math.Max(min, v))
}

func linearToExponential(xMin, xMax, yMin, yMax, steepness float64) func(float64) float64 {
	inputRange := xMax - xMin
	if inputRange <= 0 {
		return func(float64) float64 { return yMin }
	}
	outputRange := yMax - yMin
	return func(x float64) float64 {
		normalized := clamp(0, 1, (x-xMin)/inputRange)
		return yMin + outputRange*(math.Pow(steepness, normalized)-1)/(steepness-1)
	}
}

// exponentialToLinear is the inverse of linearToExponential. Ranges are
// given in the order of the conversion: input is exponential. Empty input
// range maps onto the output minimum.
func exponentialToLinear(inMin, inMax, outMin, outMax, steepness float64) func(float64) float64 {
	inputRange := inMax - inMin
	if inputRange <= 0 {
		return func(float64) float64 { return outMin }
	}
	outputRange := outMax - outMin
	return func(y float64) float64 {
		normalized := clamp(0, 1, (y-inMin)/inputRange)
		return outMin + outputRange*math.Log(1+normalized*(steepness-1))/math.Log(steepness)
	}
}
