/*
Package node provides processing node: a unit of the render graph that owns
at most one module instance.

Node lives in two contexts. Control context creates it, posts messages and
loads its module. Rendering context calls Process once per frame. The only
state shared between them is the pair of ordered channels: inbox for
control messages and events for notifications.
*/
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/pipelined/worklet"
	"github.com/pipelined/worklet/loader"
	"github.com/pipelined/worklet/log"
	"github.com/pipelined/worklet/metric"
	"github.com/pipelined/worklet/module"
)

// Default capacities of node channels.
const (
	DefaultInbox  = 256
	DefaultOutbox = 256
)

// ErrNoRuntime is returned when module is posted to the node without
// runtime.
var ErrNoRuntime = errors.New("node has no module runtime")

// Processor renders frames of a ready node.
type Processor interface {
	Process(*worklet.Block)
}

// Binder is a processor backed by a module. Node with Binder processor
// stays in Loading state until its module is bound.
type Binder interface {
	Processor
	Bind(*module.Handle) error
}

// Handler applies control messages. It must return worklet.ErrUnknownMessage
// for messages it doesn't support.
type Handler interface {
	Handle(worklet.Message) error
}

// Emitting processor posts events through the node.
type Emitting interface {
	SetEmitter(worklet.Emitter)
}

// Importer provides host functions for the module instance.
type Importer interface {
	Imports() module.Imports
}

// Closer releases processor resources on the control context.
type Closer interface {
	Close(context.Context) error
}

// Runtime compiles and instantiates modules.
type Runtime interface {
	Compile(context.Context, []byte) (module.Compiled, error)
	Instantiate(context.Context, module.Compiled, module.Imports) (*module.Handle, error)
}

// Node is a processing node.
type Node struct {
	id          string
	name        string
	proc        Processor
	logger      log.Logger
	faults      *metric.Faults
	meter       metric.MeasureFunc
	passthrough bool
	loader      *loader.Loader
	rt          Runtime
	inboxSize   int
	outboxSize  int

	inbox   chan worklet.Message
	events  chan worklet.Message
	retired chan *module.Handle

	// rendering context
	st          State
	pending     []worklet.Message
	handle      *module.Handle
	shapeOnce   log.Once
	emitOnce    log.Once
	failOnce    log.Once
	pendingOnce log.Once
	unknown     map[worklet.Kind]*log.Once

	state    int32
	ctx      context.Context
	cancelFn context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
	compiled []module.Compiled
}

// Option provides a way to set functional parameters to node.
type Option func(*Node)

// WithLoader makes node request its module from loader on construction.
func WithLoader(l *loader.Loader, rt Runtime) Option {
	return func(n *Node) {
		n.loader = l
		n.rt = rt
	}
}

// WithRuntime sets runtime for modules posted with SetBinary message.
func WithRuntime(rt Runtime) Option {
	return func(n *Node) {
		n.rt = rt
	}
}

// WithLogger sets node logger.
func WithLogger(l log.Logger) Option {
	return func(n *Node) {
		n.logger = l
	}
}

// WithName sets node name used in logs.
func WithName(name string) Option {
	return func(n *Node) {
		n.name = name
	}
}

// WithPassthrough makes node copy inputs to outputs until it's ready.
func WithPassthrough() Option {
	return func(n *Node) {
		n.passthrough = true
	}
}

// WithMeter enables frame metrics of the processor.
func WithMeter(sampleRate int) Option {
	return func(n *Node) {
		n.meter = metric.Meter(n.proc, sampleRate)
	}
}

// WithFaults sets fault counters.
func WithFaults(f *metric.Faults) Option {
	return func(n *Node) {
		n.faults = f
	}
}

// WithInbox sets capacity of control messages channel.
func WithInbox(size int) Option {
	return func(n *Node) {
		n.inboxSize = size
	}
}

// WithOutbox sets capacity of events channel.
func WithOutbox(size int) Option {
	return func(n *Node) {
		n.outboxSize = size
	}
}

// New creates node. Node with module-backed processor moves to Loading and,
// if loader is provided, starts to load its module right away. Other nodes
// are Ready.
func New(proc Processor, options ...Option) *Node {
	n := Node{
		id:         worklet.NewUID(),
		proc:       proc,
		st:         Uninitialized,
		inboxSize:  DefaultInbox,
		outboxSize: DefaultOutbox,
		unknown:    map[worklet.Kind]*log.Once{},
	}
	for _, option := range options {
		option(&n)
	}
	if n.inboxSize < 1 {
		n.inboxSize = 1
	}
	if n.outboxSize < 1 {
		n.outboxSize = 1
	}
	if n.name == "" {
		n.name = n.id
	}
	if n.logger == nil {
		n.logger = log.GetLogger().WithFields(logrus.Fields{
			"component": "node",
			"node":      n.name,
		})
	}
	n.inbox = make(chan worklet.Message, n.inboxSize)
	n.pending = make([]worklet.Message, 0, n.inboxSize)
	n.events = make(chan worklet.Message, n.outboxSize)
	n.retired = make(chan *module.Handle, 4)
	n.ctx, n.cancelFn = context.WithCancel(context.Background())
	if e, ok := proc.(Emitting); ok {
		e.SetEmitter(&n)
	}

	if _, ok := proc.(Binder); !ok {
		n.setState(Ready)
		return &n
	}
	n.setState(Loading)
	if n.loader != nil {
		n.wg.Add(1)
		go n.load(n.loader.Get)
	}
	return &n
}

// ID returns unique node id.
func (n *Node) ID() string {
	return n.id
}

// Name returns node name.
func (n *Node) Name() string {
	return n.name
}

// State returns last observed state of the node. It's safe to call from
// any goroutine.
func (n *Node) State() State {
	return states[atomic.LoadInt32(&n.state)]
}

// Events returns channel of notifications from the rendering context. It's
// closed when node is closed.
func (n *Node) Events() <-chan worklet.Message {
	return n.events
}

// Post sends message to the node. SetBinary starts module compilation on
// a separate goroutine, all other messages are delivered to the rendering
// context in order. Post blocks if inbox is full.
func (n *Node) Post(m worklet.Message) error {
	if bin, ok := m.(worklet.SetBinary); ok {
		return n.setBinary(bin.Bytes)
	}
	n.mu.Lock()
	closed := n.closed
	n.mu.Unlock()
	if closed {
		return worklet.ErrClosed
	}
	select {
	case n.inbox <- m:
		return nil
	case <-n.ctx.Done():
		return worklet.ErrClosed
	}
}

func (n *Node) setBinary(b []byte) error {
	if n.rt == nil {
		return ErrNoRuntime
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return worklet.ErrClosed
	}
	n.wg.Add(1)
	go n.load(func(ctx context.Context) (module.Compiled, error) {
		c, err := n.rt.Compile(ctx, b)
		if err != nil {
			return nil, err
		}
		n.mu.Lock()
		n.compiled = append(n.compiled, c)
		n.mu.Unlock()
		return c, nil
	})
	return nil
}

// load runs on the control context.
func (n *Node) load(compile func(context.Context) (module.Compiled, error)) {
	defer n.wg.Done()
	if n.rt == nil {
		n.fail(ErrNoRuntime)
		return
	}
	c, err := compile(n.ctx)
	if err != nil {
		n.fail(fmt.Errorf("load module: %w", err))
		return
	}
	h, err := n.rt.Instantiate(n.ctx, c, n.imports())
	if err != nil {
		n.fail(fmt.Errorf("instantiate module: %w", err))
		return
	}
	select {
	case n.inbox <- moduleReady{h: h}:
	case <-n.ctx.Done():
		h.Close(context.Background())
	}
}

func (n *Node) imports() module.Imports {
	var im module.Imports
	if i, ok := n.proc.(Importer); ok {
		im = i.Imports()
	}
	if im.LogErr == nil {
		im.LogErr = func(msg string) {
			n.logger.Error("module: ", msg)
		}
	}
	return im
}

// Process renders one frame. It returns false once node is terminated.
// Must only be called from the rendering context.
func (n *Node) Process(b *worklet.Block) bool {
	if n.st == State(Terminated) {
		return false
	}
	n.drain()
	s, alive := n.st.render(n, b)
	n.setState(s)
	return alive
}

// drain applies messages available in the inbox. Number of messages is
// bounded by inbox capacity, so a flooding producer can't stall the frame.
func (n *Node) drain() {
	for i := 0; i < cap(n.inbox); i++ {
		select {
		case m := <-n.inbox:
			n.setState(n.st.transition(n, m))
		default:
			return
		}
	}
}

func (n *Node) setState(s State) {
	n.st = s
	atomic.StoreInt32(&n.state, s.id())
}

// idle renders frames of a node without module.
func (n *Node) idle(b *worklet.Block) {
	if n.passthrough {
		b.Passthrough()
		return
	}
	b.Silence()
}

func (n *Node) bind(h *module.Handle) error {
	if err := n.proc.(Binder).Bind(h); err != nil {
		return fmt.Errorf("bind module: %w", err)
	}
	n.handle = h
	return nil
}

func (n *Node) applyPending() {
	for _, m := range n.pending {
		n.apply(m)
	}
	clear(n.pending)
	n.pending = n.pending[:0]
}

// hold keeps message until module is bound. Held messages are bounded by
// inbox size, the rest is dropped.
func (n *Node) hold(m worklet.Message) {
	if len(n.pending) == cap(n.pending) {
		n.faults.Inc(worklet.FaultExhausted)
		n.pendingOnce.Warn(n.logger, "pending messages overflow, dropped: ", m.Kind())
		return
	}
	n.pending = append(n.pending, m)
}

func (n *Node) apply(m worklet.Message) {
	h, ok := n.proc.(Handler)
	if !ok {
		n.unknownMessage(m)
		return
	}
	err := h.Handle(m)
	switch {
	case err == nil:
	case errors.Is(err, worklet.ErrUnknownMessage):
		n.unknownMessage(m)
	default:
		n.faults.Inc(worklet.FaultProtocol)
		n.logger.Warn(fmt.Sprintf("apply %v: %v", m.Kind(), err))
	}
}

func (n *Node) unknownMessage(m worklet.Message) {
	n.faults.Inc(worklet.FaultProtocol)
	once, ok := n.unknown[m.Kind()]
	if !ok {
		once = &log.Once{}
		n.unknown[m.Kind()] = once
	}
	once.Warn(n.logger, "ignored unknown message: ", m.Kind())
}

// retire passes unused handle to the control context to be closed.
func (n *Node) retire(h *module.Handle) {
	select {
	case n.retired <- h:
	default:
		n.logger.Error("retired modules overflow, module leaked")
	}
}

// fail reports module setup failure. Node stays in its state.
func (n *Node) fail(err error) {
	n.faults.Inc(worklet.FaultSetup)
	n.logger.Error(err)
	n.Emit(worklet.Fault{Fault: worklet.FaultSetup, Err: err})
}

// Emit posts event to the control context. It never blocks: if events
// channel is full the event is dropped and false is returned.
func (n *Node) Emit(m worklet.Message) bool {
	select {
	case n.events <- m:
		return true
	default:
		n.emitOnce.Warn(n.logger, "events overflow, dropped: ", m.Kind())
		return false
	}
}

// Close releases node module. It must be called after node is terminated
// or if it was never rendered.
func (n *Node) Close(ctx context.Context) error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	n.mu.Unlock()
	n.cancelFn()
	n.wg.Wait()

	var errs worklet.Errors
	closeHandle := func(h *module.Handle) {
		if err := h.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for {
		select {
		case m := <-n.inbox:
			if r, ok := m.(moduleReady); ok {
				closeHandle(r.h)
			}
			continue
		case h := <-n.retired:
			closeHandle(h)
			continue
		default:
		}
		break
	}
	if n.handle != nil {
		closeHandle(n.handle)
	}
	if c, ok := n.proc.(Closer); ok {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	for _, c := range n.compiled {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	close(n.events)
	return errs.Ret()
}

// Reap closes retired modules. It's called by the control context while
// node is rendered.
func (n *Node) Reap(ctx context.Context) error {
	var errs worklet.Errors
	for {
		select {
		case h := <-n.retired:
			if err := h.Close(ctx); err != nil {
				errs = append(errs, err)
			}
		default:
			return errs.Ret()
		}
	}
}
