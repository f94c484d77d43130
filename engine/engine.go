/*
Package engine hosts processing nodes and renders them frame by frame.

Control methods of Engine are safe for concurrent use. They never touch the
graph directly: each change is a closure posted to the engine inbox and
applied by the rendering context at the start of the next frame. Buffers
are allocated on the control context before the closure is posted.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pipelined/worklet"
	"github.com/pipelined/worklet/config"
	"github.com/pipelined/worklet/internal/buffer"
	"github.com/pipelined/worklet/log"
	"github.com/pipelined/worklet/metric"
	"github.com/pipelined/worklet/node"
)

// DefaultInbox is the default number of buffered graph changes.
const DefaultInbox = 256

var (
	// ErrUnknownNode is returned when node wasn't added to the engine.
	ErrUnknownNode = errors.New("unknown node")
	// ErrDuplicateNode is returned when node is added twice.
	ErrDuplicateNode = errors.New("node already added")
)

// Sink consumes rendered frames.
type Sink interface {
	Write([][]float64) error
}

// mutator changes the graph on the rendering context.
type mutator func() error

type entry struct {
	n           *node.Node
	block       worklet.Block
	sources     []*entry
	params      map[string]*entry
	destination bool
}

// Engine renders a graph of nodes.
type Engine struct {
	sampleRate int
	channels   int
	inboxSize  int
	logger     log.Logger
	faults     *metric.Faults
	buffers    *buffer.Pool

	inbox  chan mutator
	reaped chan *node.Node

	mu     sync.Mutex
	closed bool
	nodes  map[*node.Node]struct{}

	// owned by the rendering context
	entries []*entry
	index   map[*node.Node]*entry
	clock   worklet.Clock
	once    log.Once
}

// Option configures engine.
type Option func(*Engine)

// WithLogger sets engine logger.
func WithLogger(l log.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// WithFaults sets fault counters.
func WithFaults(f *metric.Faults) Option {
	return func(e *Engine) {
		e.faults = f
	}
}

// WithInbox sets number of buffered graph changes.
func WithInbox(size int) Option {
	return func(e *Engine) {
		e.inboxSize = size
	}
}

// New returns engine configured by cfg. Configuration must be valid.
func New(cfg config.Config, options ...Option) (*Engine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := Engine{
		sampleRate: cfg.SampleRate,
		channels:   cfg.Channels,
		inboxSize:  DefaultInbox,
		nodes:      map[*node.Node]struct{}{},
		index:      map[*node.Node]*entry{},
		clock: worklet.Clock{
			SampleRate: cfg.SampleRate,
			BPM:        cfg.Tempo,
		},
	}
	for _, option := range options {
		option(&e)
	}
	if e.inboxSize < 1 {
		e.inboxSize = 1
	}
	if e.logger == nil {
		e.logger = log.WithComponent(log.GetLogger(), "engine")
	}
	e.buffers = buffer.Get(e.channels)
	e.inbox = make(chan mutator, e.inboxSize)
	e.reaped = make(chan *node.Node, e.inboxSize)
	return &e, nil
}

// SampleRate returns engine sample rate.
func (e *Engine) SampleRate() int {
	return e.sampleRate
}

// Channels returns number of output channels.
func (e *Engine) Channels() int {
	return e.channels
}

func (e *Engine) post(fn mutator) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return worklet.ErrClosed
	}
	e.inbox <- fn
	return nil
}

// Add appends node to the rendering order. If destination is true, node
// outputs are summed into the engine output.
func (e *Engine) Add(n *node.Node, destination bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return worklet.ErrClosed
	}
	if _, ok := e.nodes[n]; ok {
		e.mu.Unlock()
		return fmt.Errorf("add %s: %w", n.Name(), ErrDuplicateNode)
	}
	e.nodes[n] = struct{}{}
	e.mu.Unlock()

	en := &entry{
		n:           n,
		destination: destination,
		params:      map[string]*entry{},
		block: worklet.Block{
			Inputs:  e.buffers.Alloc(),
			Outputs: e.buffers.Alloc(),
			Params:  worklet.Params{},
		},
	}
	return e.post(func() error {
		e.entries = append(e.entries, en)
		e.index[n] = en
		return nil
	})
}

// Connect sums outputs of src into inputs of dst.
func (e *Engine) Connect(src, dst *node.Node) error {
	return e.post(func() error {
		s, d, err := e.pair(src, dst)
		if err != nil {
			return err
		}
		d.sources = append(d.sources, s)
		return nil
	})
}

// ConnectParam feeds the first output channel of src into the named param
// of dst.
func (e *Engine) ConnectParam(src, dst *node.Node, name string) error {
	return e.post(func() error {
		s, d, err := e.pair(src, dst)
		if err != nil {
			return err
		}
		d.params[name] = s
		d.block.Params[name] = s.block.Outputs[0]
		return nil
	})
}

// SetParam sets k-rate value of the named param of dst. It replaces the
// param connection if there was one.
func (e *Engine) SetParam(dst *node.Node, name string, value float64) error {
	p := worklet.Param{value}
	return e.post(func() error {
		d, ok := e.index[dst]
		if !ok {
			return fmt.Errorf("set %s of %s: %w", name, dst.Name(), ErrUnknownNode)
		}
		delete(d.params, name)
		d.block.Params[name] = p
		return nil
	})
}

// Post applies transport messages: SetTempo, StartTransport and
// StopTransport. They take effect from the next frame.
func (e *Engine) Post(m worklet.Message) error {
	switch m := m.(type) {
	case worklet.SetTempo:
		if m.BPM <= 0 {
			return fmt.Errorf("tempo %v: %w", m.BPM, worklet.ErrOutOfRange)
		}
		return e.post(func() error {
			e.clock.BPM = m.BPM
			return nil
		})
	case worklet.StartTransport:
		return e.post(func() error {
			e.clock.Beat = m.Beat
			e.clock.Started = true
			return nil
		})
	case worklet.StopTransport:
		return e.post(func() error {
			e.clock.Started = false
			return nil
		})
	}
	return fmt.Errorf("engine %v: %w", m.Kind(), worklet.ErrUnknownMessage)
}

func (e *Engine) pair(src, dst *node.Node) (*entry, *entry, error) {
	s, ok := e.index[src]
	if !ok {
		return nil, nil, fmt.Errorf("connect %s: %w", src.Name(), ErrUnknownNode)
	}
	d, ok := e.index[dst]
	if !ok {
		return nil, nil, fmt.Errorf("connect %s: %w", dst.Name(), ErrUnknownNode)
	}
	return s, d, nil
}

// Render renders one frame into out. Out channels must be one frame long.
// It must be called from a single goroutine: the rendering context.
func (e *Engine) Render(out [][]float64) {
	e.drain()
	clock := e.clock
	for i := 0; i < len(e.entries); i++ {
		en := e.entries[i]
		en.sum()
		en.block.Clock = clock
		if en.n.Process(&en.block) {
			continue
		}
		select {
		case e.reaped <- en.n:
			e.remove(i)
			i--
		default:
			// reaper is behind, retry on the next frame
		}
	}

	for c := range out {
		for i := range out[c] {
			out[c][i] = 0
		}
	}
	for _, en := range e.entries {
		if !en.destination {
			continue
		}
		for c := range out {
			src := en.block.Outputs[c%len(en.block.Outputs)]
			for i := range out[c] {
				out[c][i] += src[i]
			}
		}
	}

	e.clock.Time = clock.End()
	e.clock.Beat = clock.EndBeat()
}

// Clock returns clock of the next frame. It must be called from the
// rendering context.
func (e *Engine) Clock() worklet.Clock {
	return e.clock
}

func (e *Engine) drain() {
	for n := len(e.inbox); n > 0; n-- {
		fn := <-e.inbox
		if err := fn(); err != nil {
			e.faults.Inc(worklet.FaultProtocol)
			e.once.Error(e.logger, err)
		}
	}
}

// sum mixes outputs of sources into block inputs.
func (en *entry) sum() {
	for c, in := range en.block.Inputs {
		for i := range in {
			in[i] = 0
		}
		for _, s := range en.sources {
			if c >= len(s.block.Outputs) {
				continue
			}
			out := s.block.Outputs[c]
			for i := range in {
				in[i] += out[i]
			}
		}
	}
}

// remove detaches terminated entry from the graph.
func (e *Engine) remove(i int) {
	en := e.entries[i]
	copy(e.entries[i:], e.entries[i+1:])
	e.entries[len(e.entries)-1] = nil
	e.entries = e.entries[:len(e.entries)-1]
	delete(e.index, en.n)
	for _, other := range e.entries {
		for j := 0; j < len(other.sources); j++ {
			if other.sources[j] == en {
				other.sources = append(other.sources[:j], other.sources[j+1:]...)
				j--
			}
		}
		for name, s := range other.params {
			if s == en {
				delete(other.params, name)
				delete(other.block.Params, name)
			}
		}
	}
}

// Reap closes terminated nodes until context is done.
func (e *Engine) Reap(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case n := <-e.reaped:
			e.release(ctx, n)
		}
	}
}

// reapReady closes nodes terminated so far.
func (e *Engine) reapReady(ctx context.Context) {
	for {
		select {
		case n := <-e.reaped:
			e.release(ctx, n)
		default:
			return
		}
	}
}

func (e *Engine) release(ctx context.Context, n *node.Node) {
	e.mu.Lock()
	delete(e.nodes, n)
	e.mu.Unlock()
	if err := n.Close(ctx); err != nil {
		e.logger.Error("close ", n.Name(), ": ", err)
	}
	e.logger.Debug("reaped ", n.Name())
}

// Run renders frames into sink from the calling goroutine. Terminated
// nodes are closed in between frames.
func (e *Engine) Run(ctx context.Context, sink Sink, frames int) error {
	out := e.buffers.Alloc()
	defer e.buffers.Free(out)
	for i := 0; i < frames; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		e.Render(out)
		if err := sink.Write(out); err != nil {
			return fmt.Errorf("frame %d: %w", i, err)
		}
		e.reapReady(ctx)
	}
	e.logger.Debug("rendered ", frames, " frames, ", time.Duration(frames)*e.Clock().FrameDuration())
	return nil
}

// Close stops accepting changes and closes all nodes. It must be called
// after rendering is stopped.
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	nodes := make([]*node.Node, 0, len(e.nodes))
	for n := range e.nodes {
		nodes = append(nodes, n)
	}
	e.nodes = nil
	e.mu.Unlock()

	var errs worklet.Errors
	for _, n := range nodes {
		if err := n.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", n.Name(), err))
		}
	}
	for _, en := range e.entries {
		e.buffers.Free(en.block.Inputs)
		e.buffers.Free(en.block.Outputs)
	}
	e.entries = nil
	return errs.Ret()
}
