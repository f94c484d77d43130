/*
Package worklet is a real-time node runtime for audio processing units
backed by WebAssembly modules.

# Concept

Two execution contexts are active at the same time. The control context
may allocate, perform I/O and wait. The rendering context is invoked once
per frame of FrameSize samples and must never block:

	control   -> Post(Message) -> inbox  -> rendering
	rendering -> Emit(Message) -> events -> control

All communication between them goes through ordered one-directional
channels. The only memory touched by the rendering context is owned by
the node it renders.

# Nodes

A node.Node owns at most one module.Handle. It's created on the control
context, where its module is fetched and compiled by a loader.Loader.
Messages sent while the module is loading are queued and applied in
arrival order once it's ready. Until then the node renders silence:

	n := node.New(processor.NewWasm(nil), node.WithLoader(l, rt))
	n.Post(worklet.ApplyState{State: state})
	e.Add(n, true)

# Scheduling

schedule.Bridge registers callbacks on the control context and forwards
their ids to a scheduling node. Ids reported back by the node are invoked
at most once; stale ids are dropped.

# Pooling

pool.Pool hands out a fixed set of reusable generators with O(1)
allocate and free. voice.Bank uses it to assign oscillators to notes.
*/
package worklet
