/*
Package voice provides a bank of pooled sine generators.

Bank runs on the control context and owns slot allocation. Processor runs on
the rendering context and only reads slot assignments posted by Bank.
*/
package voice

import (
	"context"
	"math"
	"sync"

	"github.com/pipelined/worklet"
	"github.com/pipelined/worklet/log"
	"github.com/pipelined/worklet/metric"
	"github.com/pipelined/worklet/pool"
)

// DefaultGain is the gain of a single voice.
const DefaultGain = 0.2

// Port accepts control messages of the generator node.
type Port interface {
	Post(worklet.Message) error
}

// Voice is a pooled generator slot. Freeing its slot turns it off.
type Voice struct {
	slot   int
	note   int
	port   Port
	logger log.Logger
}

// Disconnect posts VoiceOff for the slot.
func (v *Voice) Disconnect() {
	if err := v.port.Post(worklet.VoiceOff{Slot: v.slot}); err != nil {
		v.logger.Error("voice off: ", err)
	}
}

// Note returns the note that voice plays.
func (v *Voice) Note() int {
	return v.note
}

// Bank assigns notes to generator slots.
type Bank struct {
	logger log.Logger
	faults *metric.Faults
	gain   float64

	mu    sync.Mutex
	port  Port
	pool  *pool.Pool[*Voice]
	notes map[int]int
}

// Option configures bank.
type Option func(*Bank)

// WithLogger sets bank logger.
func WithLogger(l log.Logger) Option {
	return func(b *Bank) {
		b.logger = l
	}
}

// WithFaults sets counters of exhausted slots.
func WithFaults(f *metric.Faults) Option {
	return func(b *Bank) {
		b.faults = f
	}
}

// WithGain sets gain of each voice.
func WithGain(g float64) Option {
	return func(b *Bank) {
		b.gain = g
	}
}

// NewBank returns bank of size slots that posts assignments to port.
func NewBank(port Port, size int, opts ...Option) *Bank {
	b := Bank{
		port:  port,
		gain:  DefaultGain,
		notes: map[int]int{},
	}
	for _, opt := range opts {
		opt(&b)
	}
	if b.logger == nil {
		b.logger = log.WithComponent(log.GetLogger(), "voice")
	}
	voices := make([]*Voice, size)
	for i := range voices {
		voices[i] = &Voice{slot: i, port: port, logger: b.logger}
	}
	b.pool = pool.New(voices, pool.WithLogger(b.logger), pool.WithFaults(b.faults))
	return &b
}

// Frequency returns equal-tempered frequency of MIDI note.
func Frequency(note int) float64 {
	return 440 * math.Pow(2, float64(note-69)/12)
}

// NoteOn assigns a slot to the note. If note is already playing, its slot
// is retriggered. False is returned when all slots are in use; the note
// is dropped then.
func (b *Bank) NoteOn(note int, freq float64) (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	slot, ok := b.notes[note]
	if !ok {
		if slot, ok = b.pool.Allocate(); !ok {
			b.logger.Debug("no free voice for note ", note)
			return 0, false
		}
		v, _ := b.pool.Get(slot)
		v.note = note
		b.notes[note] = slot
	}
	if err := b.port.Post(worklet.VoiceOn{Slot: slot, Frequency: freq, Gain: b.gain}); err != nil {
		b.logger.Error("voice on: ", err)
	}
	return slot, true
}

// NoteOff releases slot of the note. False is returned if note isn't
// playing.
func (b *Bank) NoteOff(note int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.noteOff(note)
}

func (b *Bank) noteOff(note int) bool {
	slot, ok := b.notes[note]
	if !ok {
		return false
	}
	delete(b.notes, note)
	return b.pool.Free(slot) == nil
}

// AllOff releases all slots.
func (b *Bank) AllOff() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for note := range b.notes {
		b.noteOff(note)
	}
}

// Active returns number of playing voices.
func (b *Bank) Active() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.pool.Used()
}

// Listen plays notes reported by a module-backed node until events channel
// is closed or context is done.
func (b *Bank) Listen(ctx context.Context, events <-chan worklet.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-events:
			if !ok {
				return nil
			}
			switch e := m.(type) {
			case worklet.NoteDown:
				b.NoteOn(e.Note, Frequency(e.Note))
			case worklet.NoteUp:
				b.NoteOff(e.Note)
			case worklet.Fault:
				b.logger.Error("module fault: ", e.Err)
			}
		}
	}
}
