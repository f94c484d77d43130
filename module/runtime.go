// Package module runs compiled binary modules that implement node kernels.
//
// A module exports a linear memory, a frame-long io buffer pointer and a
// process function. Modules may import note_down, note_up, log_err and
// run_callback functions from the env namespace. play_note and release_note
// are aliases of note_down and note_up.
package module

import (
	"context"
	"errors"
	"fmt"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/api"
)

// Names of the host module and its functions.
const (
	HostModule  = "env"
	NoteDownFn  = "note_down"
	NoteUpFn    = "note_up"
	LogErrFn    = "log_err"
	CallbackFn  = "run_callback"
	PlayNoteFn  = "play_note"
	ReleaseFn   = "release_note"
	IOBufferFn  = "io_buf_ptr"
	ProcessFn   = "process"
	legacyIOBuf = "get_io_buf_ptr"
)

// ErrForeignModule is returned when compiled module was produced by
// another runtime.
var ErrForeignModule = errors.New("module compiled by another runtime")

// Compiled is a module ready for instantiation.
type Compiled interface {
	Close(context.Context) error
}

// Runtime compiles and instantiates modules. It's safe for concurrent use.
type Runtime struct {
	r wazero.Runtime
}

// NewRuntime creates new runtime with host functions registered.
func NewRuntime(ctx context.Context) (*Runtime, error) {
	r := wazero.NewRuntime(ctx)
	_, err := r.NewHostModuleBuilder(HostModule).
		NewFunctionBuilder().WithFunc(noteDown).Export(NoteDownFn).
		NewFunctionBuilder().WithFunc(noteUp).Export(NoteUpFn).
		NewFunctionBuilder().WithFunc(logErr).Export(LogErrFn).
		NewFunctionBuilder().WithFunc(runCallback).Export(CallbackFn).
		NewFunctionBuilder().WithFunc(noteDown).Export(PlayNoteFn).
		NewFunctionBuilder().WithFunc(noteUp).Export(ReleaseFn).
		Instantiate(ctx)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("register host module: %w", err)
	}
	return &Runtime{r: r}, nil
}

// Compile validates and compiles module bytes.
func (rt *Runtime) Compile(ctx context.Context, b []byte) (Compiled, error) {
	c, err := rt.r.CompileModule(ctx, b)
	if err != nil {
		return nil, fmt.Errorf("compile module: %w", err)
	}
	return c, nil
}

// Instantiate creates new instance of compiled module bound to imports.
func (rt *Runtime) Instantiate(ctx context.Context, c Compiled, im Imports) (*Handle, error) {
	compiled, ok := c.(wazero.CompiledModule)
	if !ok {
		return nil, ErrForeignModule
	}
	// anonymous instances allow many nodes to share one compiled module.
	m, err := rt.r.InstantiateModule(ctx, compiled, wazero.NewModuleConfig().WithName(""))
	if err != nil {
		return nil, fmt.Errorf("instantiate module: %w", err)
	}
	return NewHandle(ctx, instance{m}, im)
}

// Close releases all compiled modules and instances.
func (rt *Runtime) Close(ctx context.Context) error {
	return rt.r.Close(ctx)
}

func logErr(ctx context.Context, m api.Module, ptr, n uint32) {
	im, ok := ImportsFromContext(ctx)
	if !ok || im.LogErr == nil {
		return
	}
	b, ok := m.Memory().Read(ptr, n)
	if !ok {
		im.LogErr(fmt.Sprintf("log_err: %d bytes at %d out of memory", n, ptr))
		return
	}
	im.LogErr(string(b))
}

// instance adapts wazero module to Instance.
type instance struct {
	m api.Module
}

func (i instance) Func(name string) (Func, bool) {
	fn := i.m.ExportedFunction(name)
	if fn == nil {
		return nil, false
	}
	return function{fn}, true
}

func (i instance) Memory() Memory {
	if mem := i.m.Memory(); mem != nil {
		return mem
	}
	return nil
}

func (i instance) Close(ctx context.Context) error {
	return i.m.Close(ctx)
}

type function struct {
	fn api.Function
}

func (f function) Params() []api.ValueType {
	return f.fn.Definition().ParamTypes()
}

func (f function) Results() []api.ValueType {
	return f.fn.Definition().ResultTypes()
}

func (f function) CallWithStack(ctx context.Context, stack []uint64) error {
	return f.fn.CallWithStack(ctx, stack)
}
