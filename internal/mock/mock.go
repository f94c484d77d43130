// Package mock provides fake module runtime and allows to test nodes
// without compiled modules.
package mock

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetratelabs/wazero/api"

	"github.com/pipelined/worklet"
	"github.com/pipelined/worklet/module"
)

// IOOffset is the offset of the io buffer in mocked modules.
const IOOffset = 64

// ErrCompile is returned by mocked runtime when configured to fail.
var ErrCompile = errors.New("mock compile error")

// Runtime mocks module runtime. Every instance is created by NewModule.
type Runtime struct {
	// Delay is slept on every compilation.
	Delay time.Duration
	// ErrorOnCompile is returned from Compile if set.
	ErrorOnCompile error
	// ErrorOnInstantiate is returned from Instantiate if set.
	ErrorOnInstantiate error
	// NewModule creates new instance. Gain module is used if nil.
	NewModule func() *Module

	compiled int32
	mu       sync.Mutex
	modules  []*Module
}

// Compiled is a compiled mock module.
type Compiled struct {
	Bytes  []byte
	Closed bool
}

// Close implements module.Compiled.
func (c *Compiled) Close(context.Context) error {
	c.Closed = true
	return nil
}

// Compile counts compilations and returns compiled module.
func (r *Runtime) Compile(ctx context.Context, b []byte) (module.Compiled, error) {
	atomic.AddInt32(&r.compiled, 1)
	if r.Delay > 0 {
		select {
		case <-time.After(r.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if r.ErrorOnCompile != nil {
		return nil, r.ErrorOnCompile
	}
	return &Compiled{Bytes: b}, nil
}

// Instantiate creates new mock instance bound to imports.
func (r *Runtime) Instantiate(ctx context.Context, c module.Compiled, im module.Imports) (*module.Handle, error) {
	if r.ErrorOnInstantiate != nil {
		return nil, r.ErrorOnInstantiate
	}
	var m *Module
	if r.NewModule != nil {
		m = r.NewModule()
	} else {
		m = Gain(2)
	}
	r.mu.Lock()
	r.modules = append(r.modules, m)
	r.mu.Unlock()
	return module.NewHandle(ctx, m, im)
}

// Compilations returns number of Compile calls.
func (r *Runtime) Compilations() int {
	return int(atomic.LoadInt32(&r.compiled))
}

// Modules returns all created instances.
func (r *Runtime) Modules() []*Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Module(nil), r.modules...)
}

// Module mocks module instance. Memory is a slice of 32-bit floats.
type Module struct {
	Mem    []float32
	Funcs  map[string]*Func
	closed int32
}

// Func mocks exported function. Fn receives the call stack with encoded
// parameters and must leave results in it.
type Func struct {
	ParamTypes  []api.ValueType
	ResultTypes []api.ValueType
	Fn          func(ctx context.Context, stack []uint64) error
	Calls       int
}

// Params implements module.Func.
func (f *Func) Params() []api.ValueType { return f.ParamTypes }

// Results implements module.Func.
func (f *Func) Results() []api.ValueType { return f.ResultTypes }

// CallWithStack implements module.Func.
func (f *Func) CallWithStack(ctx context.Context, stack []uint64) error {
	f.Calls++
	if f.Fn == nil {
		return nil
	}
	return f.Fn(ctx, stack)
}

// Func implements module.Instance.
func (m *Module) Func(name string) (module.Func, bool) {
	f, ok := m.Funcs[name]
	if !ok {
		return nil, false
	}
	return f, true
}

// Memory implements module.Instance.
func (m *Module) Memory() module.Memory {
	return memory(m.Mem)
}

// Close implements module.Instance.
func (m *Module) Close(context.Context) error {
	atomic.StoreInt32(&m.closed, 1)
	return nil
}

// Closed returns true if instance was closed.
func (m *Module) Closed() bool {
	return atomic.LoadInt32(&m.closed) == 1
}

// IO returns the io buffer view.
func (m *Module) IO() []float32 {
	return m.Mem[IOOffset/4 : IOOffset/4+worklet.FrameSize]
}

// NewModule returns module with io buffer and process function applying fn
// to every sample.
func NewModule(fn func(float32) float32) *Module {
	m := Module{
		Mem: make([]float32, IOOffset/4+worklet.FrameSize),
	}
	m.Funcs = map[string]*Func{
		module.IOBufferFn: {
			ResultTypes: []api.ValueType{api.ValueTypeI32},
			Fn: func(_ context.Context, stack []uint64) error {
				stack[0] = api.EncodeI32(IOOffset)
				return nil
			},
		},
		module.ProcessFn: {
			Fn: func(context.Context, []uint64) error {
				io := m.IO()
				for i := range io {
					io[i] = fn(io[i])
				}
				return nil
			},
		},
	}
	return &m
}

// Gain returns module that multiplies samples by g.
func Gain(g float32) *Module {
	return NewModule(func(v float32) float32 {
		return v * g
	})
}

// WithNotes makes process call note_down with the number of calls so far
// and note_up with the previous one.
func (m *Module) WithNotes() *Module {
	process := m.Funcs[module.ProcessFn]
	inner := process.Fn
	calls := 0
	process.Fn = func(ctx context.Context, stack []uint64) error {
		calls++
		if im, ok := module.ImportsFromContext(ctx); ok {
			if im.NoteDown != nil {
				im.NoteDown(calls)
			}
			if im.NoteUp != nil {
				im.NoteUp(calls - 1)
			}
		}
		return inner(ctx, stack)
	}
	return m
}

type memory []float32

func (m memory) ReadFloat32Le(offset uint32) (float32, bool) {
	i := int(offset / 4)
	if offset%4 != 0 || i >= len(m) {
		return 0, false
	}
	return m[i], true
}

func (m memory) WriteFloat32Le(offset uint32, v float32) bool {
	i := int(offset / 4)
	if offset%4 != 0 || i >= len(m) {
		return false
	}
	m[i] = v
	return true
}
