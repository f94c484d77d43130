package node

import (
	"github.com/pipelined/worklet"
	"github.com/pipelined/worklet/module"
)

// State identifies one of the possible states node can be in. States are
// only changed by the rendering context.
type State interface {
	// transition applies message received in this state.
	transition(*Node, worklet.Message) State
	// render processes one frame and returns liveness flag.
	render(*Node, *worklet.Block) (State, bool)
	id() int32
	String() string
}

// states
type (
	uninitialized struct{}
	loading       struct{}
	ready         struct{}
	shuttingDown  struct{}
	terminated    struct{}
)

// states variables
var (
	Uninitialized uninitialized // Uninitialized node hasn't requested its module yet.
	Loading       loading       // Loading node waits for its module and queues messages.
	Ready         ready         // Ready node renders frames.
	ShuttingDown  shuttingDown  // ShuttingDown node renders its last frame.
	Terminated    terminated    // Terminated node is removed from rendering.
)

var states = [...]State{
	Uninitialized,
	Loading,
	Ready,
	ShuttingDown,
	Terminated,
}

// kindModuleReady is never sent by control context users.
const kindModuleReady worklet.Kind = -1

// moduleReady delivers instantiated module to the rendering context.
type moduleReady struct {
	h *module.Handle
}

func (moduleReady) Kind() worklet.Kind {
	return kindModuleReady
}

func (uninitialized) id() int32      { return 0 }
func (loading) id() int32            { return 1 }
func (ready) id() int32              { return 2 }
func (shuttingDown) id() int32       { return 3 }
func (terminated) id() int32         { return 4 }
func (uninitialized) String() string { return "uninitialized" }
func (loading) String() string       { return "loading" }
func (ready) String() string         { return "ready" }
func (shuttingDown) String() string  { return "shuttingDown" }
func (terminated) String() string    { return "terminated" }

func (s uninitialized) transition(n *Node, m worklet.Message) State {
	return Loading.transition(n, m)
}

func (s uninitialized) render(n *Node, b *worklet.Block) (State, bool) {
	n.idle(b)
	return s, true
}

func (s loading) transition(n *Node, m worklet.Message) State {
	switch msg := m.(type) {
	case moduleReady:
		if err := n.bind(msg.h); err != nil {
			n.fail(err)
			n.retire(msg.h)
			return s
		}
		n.applyPending()
		n.Emit(worklet.Initialized{})
		return Ready
	case worklet.Shutdown:
		clear(n.pending)
		n.pending = n.pending[:0]
		return ShuttingDown
	}
	n.hold(m)
	return s
}

func (s loading) render(n *Node, b *worklet.Block) (State, bool) {
	n.idle(b)
	return s, true
}

func (s ready) transition(n *Node, m worklet.Message) State {
	switch msg := m.(type) {
	case moduleReady:
		n.logger.Warn("node already has a module, new one is discarded")
		n.retire(msg.h)
		return s
	case worklet.Shutdown:
		return ShuttingDown
	}
	n.apply(m)
	return s
}

func (s ready) render(n *Node, b *worklet.Block) (State, bool) {
	if err := b.Params.Validate(); err != nil {
		n.faults.Inc(worklet.FaultProtocol)
		n.shapeOnce.Error(n.logger, "frame skipped: ", err)
		return s, true
	}
	n.proc.Process(b)
	if n.meter != nil {
		n.meter()
	}
	return s, true
}

func (s shuttingDown) transition(n *Node, m worklet.Message) State {
	if msg, ok := m.(moduleReady); ok {
		n.retire(msg.h)
	}
	return s
}

func (s shuttingDown) render(n *Node, b *worklet.Block) (State, bool) {
	b.Silence()
	return Terminated, false
}

func (s terminated) transition(n *Node, m worklet.Message) State {
	if msg, ok := m.(moduleReady); ok {
		n.retire(msg.h)
	}
	return s
}

func (s terminated) render(n *Node, b *worklet.Block) (State, bool) {
	return s, false
}
