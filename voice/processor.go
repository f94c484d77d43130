package voice

import (
	"fmt"
	"math"

	"github.com/pipelined/worklet"
)

type oscillator struct {
	active    bool
	frequency float64
	gain      float64
	phase     float64
}

// Processor sums active oscillators into its outputs.
type Processor struct {
	voices []oscillator
}

// NewProcessor returns generator of size slots.
func NewProcessor(size int) *Processor {
	return &Processor{
		voices: make([]oscillator, size),
	}
}

// Handle applies slot assignments.
func (p *Processor) Handle(m worklet.Message) error {
	switch m := m.(type) {
	case worklet.VoiceOn:
		if m.Slot < 0 || m.Slot >= len(p.voices) {
			return fmt.Errorf("voice on %d: %w", m.Slot, worklet.ErrOutOfRange)
		}
		v := &p.voices[m.Slot]
		if !v.active {
			v.phase = 0
		}
		v.active = true
		v.frequency = m.Frequency
		v.gain = m.Gain
	case worklet.VoiceOff:
		if m.Slot < 0 || m.Slot >= len(p.voices) {
			return fmt.Errorf("voice off %d: %w", m.Slot, worklet.ErrOutOfRange)
		}
		p.voices[m.Slot].active = false
	default:
		return worklet.ErrUnknownMessage
	}
	return nil
}

// Process renders a frame.
func (p *Processor) Process(b *worklet.Block) {
	b.Silence()
	if len(b.Outputs) == 0 || b.Clock.SampleRate <= 0 {
		return
	}
	out := b.Outputs[0]
	sr := float64(b.Clock.SampleRate)
	for i := range p.voices {
		v := &p.voices[i]
		if !v.active {
			continue
		}
		step := v.frequency / sr
		for j := range out {
			out[j] += v.gain * math.Sin(2*math.Pi*v.phase)
			v.phase += step
			v.phase -= math.Floor(v.phase)
		}
	}
	for _, o := range b.Outputs[1:] {
		copy(o, out)
	}
}

// Active returns number of sounding slots.
func (p *Processor) Active() int {
	n := 0
	for _, v := range p.voices {
		if v.active {
			n++
		}
	}
	return n
}
