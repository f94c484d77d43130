package module

import (
	"context"
	"fmt"
	"math"

	"github.com/tetratelabs/wazero/api"

	"github.com/pipelined/worklet"
)

// Instance is an instantiated module.
type Instance interface {
	Func(name string) (Func, bool)
	Memory() Memory
	Close(context.Context) error
}

// Func is an exported module function.
type Func interface {
	Params() []api.ValueType
	Results() []api.ValueType
	CallWithStack(ctx context.Context, stack []uint64) error
}

// Memory is a linear memory of the instance.
type Memory interface {
	ReadFloat32Le(offset uint32) (float32, bool)
	WriteFloat32Le(offset uint32, v float32) bool
}

// Handle owns one module instance. It belongs to exactly one node and
// must only be used from its rendering context, except Close.
type Handle struct {
	inst    Instance
	ctx     context.Context
	mem     Memory
	process Func
	io      uint32
	hasIO   bool
	stack   []uint64
	closed  bool
}

// NewHandle binds instance to imports and resolves the io buffer and process
// exports.
func NewHandle(ctx context.Context, inst Instance, im Imports) (*Handle, error) {
	h := Handle{
		inst:  inst,
		ctx:   WithImports(context.Background(), im),
		mem:   inst.Memory(),
		stack: make([]uint64, 8),
	}
	h.process, _ = inst.Func(ProcessFn)
	ioFn, ok := inst.Func(IOBufferFn)
	if !ok {
		ioFn, ok = inst.Func(legacyIOBuf)
	}
	if ok {
		res, err := h.call(ioFn)
		if err != nil {
			inst.Close(ctx)
			return nil, fmt.Errorf("resolve io buffer: %w", err)
		}
		if len(res) > 0 {
			h.io = uint32(res[0])
			h.hasIO = true
		}
	}
	return &h, nil
}

// IOBuffer returns offset of frame-long buffer shared with the module.
func (h *Handle) IOBuffer() (uint32, bool) {
	return h.io, h.hasIO && h.mem != nil
}

// Write copies frame into the io buffer.
func (h *Handle) Write(frame []float64) error {
	if h.closed {
		return worklet.ErrClosed
	}
	if !h.hasIO || h.mem == nil {
		return fmt.Errorf("write frame: %w", worklet.ErrOutOfRange)
	}
	for i, v := range frame {
		if !h.mem.WriteFloat32Le(h.io+uint32(i)*4, float32(v)) {
			return fmt.Errorf("write sample %d: %w", i, worklet.ErrOutOfRange)
		}
	}
	return nil
}

// Read copies the io buffer into frame.
func (h *Handle) Read(frame []float64) error {
	if h.closed {
		return worklet.ErrClosed
	}
	if !h.hasIO || h.mem == nil {
		return fmt.Errorf("read frame: %w", worklet.ErrOutOfRange)
	}
	for i := range frame {
		v, ok := h.mem.ReadFloat32Le(h.io + uint32(i)*4)
		if !ok {
			return fmt.Errorf("read sample %d: %w", i, worklet.ErrOutOfRange)
		}
		frame[i] = float64(v)
	}
	return nil
}

// Trigger runs the process export once. Modules without process export
// leave the io buffer as is.
func (h *Handle) Trigger() error {
	if h.closed {
		return worklet.ErrClosed
	}
	if h.process == nil {
		return nil
	}
	_, err := h.call(h.process)
	return err
}

// Has returns true if module exports function with provided name.
func (h *Handle) Has(name string) bool {
	_, ok := h.inst.Func(name)
	return ok
}

// Call invokes exported function. Arguments are converted to the types of
// the function parameters, missing ones are zero.
func (h *Handle) Call(name string, args ...float64) ([]float64, error) {
	if h.closed {
		return nil, worklet.ErrClosed
	}
	fn, ok := h.inst.Func(name)
	if !ok {
		return nil, fmt.Errorf("call %q: %w", name, worklet.ErrUnknownMessage)
	}
	params := fn.Params()
	if len(args) > len(params) {
		return nil, fmt.Errorf("call %q: %d arguments for %d parameters", name, len(args), len(params))
	}
	stack := h.stackFor(fn)
	for i, t := range params {
		var v float64
		if i < len(args) {
			v = args[i]
		}
		stack[i] = encode(t, v)
	}
	if err := fn.CallWithStack(h.ctx, stack); err != nil {
		return nil, fmt.Errorf("call %q: %w", name, err)
	}
	results := fn.Results()
	out := make([]float64, len(results))
	for i, t := range results {
		out[i] = decode(t, stack[i])
	}
	return out, nil
}

// call runs function without arguments and returns raw results.
func (h *Handle) call(fn Func) ([]uint64, error) {
	stack := h.stackFor(fn)
	for i := range stack {
		stack[i] = 0
	}
	if err := fn.CallWithStack(h.ctx, stack); err != nil {
		return nil, err
	}
	return stack[:len(fn.Results())], nil
}

func (h *Handle) stackFor(fn Func) []uint64 {
	n := len(fn.Params())
	if r := len(fn.Results()); r > n {
		n = r
	}
	if n > len(h.stack) {
		h.stack = make([]uint64, n)
	}
	return h.stack[:n]
}

// Close destroys the instance. Closed handle refuses all calls.
func (h *Handle) Close(ctx context.Context) error {
	if h.closed {
		return nil
	}
	h.closed = true
	return h.inst.Close(ctx)
}

// Closed returns true if handle was closed.
func (h *Handle) Closed() bool {
	return h.closed
}

func encode(t api.ValueType, v float64) uint64 {
	switch t {
	case api.ValueTypeI32:
		return api.EncodeI32(int32(v))
	case api.ValueTypeI64:
		return api.EncodeI64(int64(v))
	case api.ValueTypeF32:
		return api.EncodeF32(float32(v))
	case api.ValueTypeF64:
		return api.EncodeF64(v)
	}
	return 0
}

func decode(t api.ValueType, v uint64) float64 {
	switch t {
	case api.ValueTypeI32:
		return float64(api.DecodeI32(v))
	case api.ValueTypeI64:
		return float64(int64(v))
	case api.ValueTypeF32:
		return float64(api.DecodeF32(v))
	case api.ValueTypeF64:
		return api.DecodeF64(v)
	}
	return math.NaN()
}
