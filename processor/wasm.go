package processor

import (
	"errors"
	"fmt"

	"github.com/pipelined/worklet"
	"github.com/pipelined/worklet/module"
)

// Parameters of Wasm.
const (
	InputParam   = "input"
	ControlParam = "control"
)

// ErrNoEntry is returned when module exports neither io buffer nor process
// function.
var ErrNoEntry = errors.New("module has no process entry")

// Call is an invocation of a module export.
type Call struct {
	Name string
	Args []float64
}

// StateMapper translates processor state into module calls.
type StateMapper func(state interface{}) ([]Call, error)

// Wasm is a processor backed by a module. Modules with io buffer process
// whole frames: input is written into the buffer, process is triggered and
// the buffer is read into outputs. Modules without io buffer are control
// modules: process is called once per frame with the control parameter.
type Wasm struct {
	reporter
	h       *module.Handle
	mapper  StateMapper
	frame   []float64
	control bool
}

// NewWasm returns module-backed processor. ModuleCalls mapper is used if
// nil is passed.
func NewWasm(mapper StateMapper, opts ...Option) *Wasm {
	if mapper == nil {
		mapper = ModuleCalls
	}
	return &Wasm{
		reporter: newReporter("wasm", opts),
		mapper:   mapper,
		frame:    make([]float64, worklet.FrameSize),
	}
}

// Bind sets module of the processor.
func (w *Wasm) Bind(h *module.Handle) error {
	if _, ok := h.IOBuffer(); ok {
		w.control = false
	} else if h.Has(module.ProcessFn) {
		w.control = true
	} else {
		return ErrNoEntry
	}
	w.h = h
	return nil
}

// Imports posts notes played by the module.
func (w *Wasm) Imports() module.Imports {
	return module.Imports{
		NoteDown: func(note int) {
			w.emit(worklet.NoteDown{Note: note})
		},
		NoteUp: func(note int) {
			w.emit(worklet.NoteUp{Note: note})
		},
	}
}

// Handle applies state through mapped calls and custom operations as
// direct calls.
func (w *Wasm) Handle(m worklet.Message) error {
	switch msg := m.(type) {
	case worklet.ApplyState:
		calls, err := w.mapper(msg.State)
		if err != nil {
			return err
		}
		for _, c := range calls {
			if _, err := w.h.Call(c.Name, c.Args...); err != nil {
				return err
			}
		}
		return nil
	case worklet.CustomOp:
		_, err := w.h.Call(msg.Name, msg.Args...)
		return err
	}
	return worklet.ErrUnknownMessage
}

// Process renders one frame through the module.
func (w *Wasm) Process(b *worklet.Block) {
	if w.control {
		b.Silence()
		if _, err := w.h.Call(module.ProcessFn, b.Params[ControlParam].At(0)); err != nil {
			w.fault(worklet.FaultProtocol, fmt.Errorf("wasm: %w", err))
		}
		return
	}

	src := b.Source(InputParam)
	if len(src) == len(w.frame) {
		copy(w.frame, src)
	} else {
		v := src.At(0)
		for i := range w.frame {
			w.frame[i] = v
		}
	}
	if err := w.render(); err != nil {
		w.fault(worklet.FaultProtocol, fmt.Errorf("wasm: %w", err))
		b.Silence()
		return
	}
	for _, out := range b.Outputs {
		copy(out, w.frame)
	}
}

func (w *Wasm) render() error {
	if err := w.h.Write(w.frame); err != nil {
		return err
	}
	if err := w.h.Trigger(); err != nil {
		return err
	}
	return w.h.Read(w.frame)
}

// MIDIQuantizeState configures control module that turns control signal
// into notes. ActiveNotes are flags of the twelve notes of an octave.
type MIDIQuantizeState struct {
	OctaveRange [2]int
	ActiveNotes [12]bool
	Running     bool
}

// ModuleCalls maps states of quantizer modules to their exports.
func ModuleCalls(state interface{}) ([]Call, error) {
	switch s := state.(type) {
	case QuantizeState:
		return []Call{
			{Name: "set_quantization_state", Args: []float64{s.Interval, float64(s.Mode)}},
		}, nil
	case MIDIQuantizeState:
		calls := make([]Call, 0, len(s.ActiveNotes)+3)
		calls = append(calls, Call{
			Name: "set_octave_range",
			Args: []float64{float64(s.OctaveRange[0]), float64(s.OctaveRange[1])},
		})
		for i, active := range s.ActiveNotes {
			calls = append(calls, Call{Name: "set_note_active", Args: []float64{float64(i), flag(active)}})
		}
		return append(calls,
			Call{Name: "set_is_running", Args: []float64{flag(s.Running)}},
			Call{Name: "finalize_state_update"},
		), nil
	}
	return nil, fmt.Errorf("module state %T: %w", state, worklet.ErrUnknownMessage)
}

func flag(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
