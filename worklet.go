package worklet

import (
	"time"

	"github.com/pipelined/signal"
	"github.com/rs/xid"
)

// FrameSize is the number of samples per channel in one rendering quantum.
// Frames are never resized.
const FrameSize = 128

// Param is a single parameter stream for one frame. It holds either one
// value applied to the whole frame (k-rate) or one value per sample (a-rate).
type Param []float64

// At returns the value of the stream for sample i. Empty streams read as zero.
func (p Param) At(i int) float64 {
	switch len(p) {
	case 0:
		return 0
	case 1:
		return p[0]
	}
	return p[i]
}

// KRate returns true if stream holds a single value for the whole frame.
func (p Param) KRate() bool {
	return len(p) == 1
}

// Params maps parameter names to their streams.
type Params map[string]Param

// Validate returns ErrInvalidShape if any stream is neither k-rate nor
// a-rate. Absent streams are valid and read as zero.
func (p Params) Validate() error {
	for name, s := range p {
		if len(s) != 1 && len(s) != FrameSize {
			return &ShapeError{Name: name, Len: len(s)}
		}
	}
	return nil
}

// Clock is a snapshot of the shared musical clock taken at the first sample
// of a frame. It's passed to every node on every frame.
type Clock struct {
	SampleRate int
	Time       float64 // seconds
	Beat       float64
	BPM        float64
	Started    bool
}

// Duration returns the length of one frame in seconds.
func (c Clock) Duration() float64 {
	if c.SampleRate <= 0 {
		return 0
	}
	return float64(FrameSize) / float64(c.SampleRate)
}

// FrameDuration returns the length of one frame rounded down to
// nanoseconds.
func (c Clock) FrameDuration() time.Duration {
	if c.SampleRate <= 0 {
		return 0
	}
	return signal.DurationOf(c.SampleRate, FrameSize)
}

// End returns the time right after the last sample of the frame.
func (c Clock) End() float64 {
	return c.Time + c.Duration()
}

// EndBeat returns the beat right after the last sample of the frame. Beats
// don't advance while the clock is stopped.
func (c Clock) EndBeat() float64 {
	if !c.Started {
		return c.Beat
	}
	return c.Beat + c.BPM/60*c.Duration()
}

// Block is the argument of a single rendering callback.
type Block struct {
	Inputs  [][]float64
	Outputs [][]float64
	Params  Params
	Clock   Clock
}

// Silence zeroes all output channels.
func (b *Block) Silence() {
	for _, out := range b.Outputs {
		for i := range out {
			out[i] = 0
		}
	}
}

// Passthrough copies inputs into outputs channel by channel. Output channels
// without matching input are zeroed.
func (b *Block) Passthrough() {
	for c, out := range b.Outputs {
		if c < len(b.Inputs) {
			copy(out, b.Inputs[c])
			continue
		}
		for i := range out {
			out[i] = 0
		}
	}
}

// Source returns the stream named by param if it's present, otherwise the
// first input channel.
func (b *Block) Source(param string) Param {
	if p, ok := b.Params[param]; ok {
		return p
	}
	if len(b.Inputs) > 0 {
		return Param(b.Inputs[0])
	}
	return nil
}

// Emitter posts messages from the rendering context to the control context.
// Implementations must never block; false is returned if the message was
// dropped.
type Emitter interface {
	Emit(Message) bool
}

// NewUID returns new unique id value.
func NewUID() string {
	return xid.New().String()
}
