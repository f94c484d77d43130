/*
Package schedule runs callbacks at musical time.

Bridge lives on the control context. It registers callbacks and forwards
their ids to the scheduling node. The node runs Processor, which posts ids
of due callbacks back; Bridge invokes each of them at most once.
*/
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pipelined/worklet"
	"github.com/pipelined/worklet/log"
)

var lastID uint64

// ErrNilCallback is reported when nil callback is scheduled. Such requests
// get zero id and are never sent.
var ErrNilCallback = errors.New("nil callback")

// NextID returns new callback id. Ids are unique within the process.
func NextID() uint64 {
	return atomic.AddUint64(&lastID, 1)
}

// Port accepts control messages. Both node.Node and engine.Engine are
// ports.
type Port interface {
	Post(worklet.Message) error
}

// Event is a callback at time in seconds or at a beat. Relative events
// are counted from the frame the request is applied on.
type Event struct {
	At       float64
	Beats    bool
	Relative bool
	Callback func()
}

func (e Event) message(id uint64) worklet.Message {
	if e.Beats {
		return worklet.ScheduleBeats{Beats: e.At, Relative: e.Relative, CallbackID: id}
	}
	return worklet.Schedule{Time: e.At, Relative: e.Relative, CallbackID: id}
}

type pendingMessage struct {
	m         worklet.Message
	transport bool
}

// Bridge is a registry of scheduled callbacks. Messages are posted to
// ports without holding the registry lock, so a blocked port never delays
// Fire.
type Bridge struct {
	logger log.Logger

	// postMu serializes delivery of the outbox.
	postMu sync.Mutex

	mu        sync.Mutex
	callbacks map[uint64]func()
	pending   []pendingMessage
	outbox    []pendingMessage
	scheduler Port
	transport Port
	attached  bool
	started   bool
	onStart   []func()
	onStop    []func()
}

// Option configures bridge.
type Option func(*Bridge)

// WithLogger sets bridge logger.
func WithLogger(l log.Logger) Option {
	return func(b *Bridge) {
		b.logger = l
	}
}

// NewBridge returns bridge that isn't attached to the scheduling node yet.
func NewBridge(opts ...Option) *Bridge {
	b := Bridge{
		callbacks: map[uint64]func(){},
	}
	for _, opt := range opts {
		opt(&b)
	}
	if b.logger == nil {
		b.logger = log.WithComponent(log.GetLogger(), "schedule")
	}
	return &b
}

// Attach sets ports of the ready scheduling node and the transport. All
// requests made before are replayed in order, once.
func (b *Bridge) Attach(scheduler, transport Port) error {
	b.mu.Lock()
	if b.attached {
		b.mu.Unlock()
		return worklet.ErrInvalidState
	}
	b.scheduler, b.transport = scheduler, transport
	b.attached = true
	b.outbox = append(b.outbox, b.pending...)
	b.pending = nil
	b.mu.Unlock()
	return b.flush()
}

// send queues message. It must be called with lock held, messages are
// posted by deliver once the lock is released.
func (b *Bridge) send(m worklet.Message, transport bool) {
	p := pendingMessage{m: m, transport: transport}
	if !b.attached {
		b.pending = append(b.pending, p)
		return
	}
	b.outbox = append(b.outbox, p)
}

// deliver posts queued messages and logs failures. It must be called
// without lock held.
func (b *Bridge) deliver() {
	if err := b.flush(); err != nil {
		b.logger.Error(err)
	}
}

// flush posts the outbox in order. Concurrent flushes are serialized, so
// messages are never reordered.
func (b *Bridge) flush() error {
	b.postMu.Lock()
	defer b.postMu.Unlock()
	b.mu.Lock()
	out, scheduler, transport := b.outbox, b.scheduler, b.transport
	b.outbox = nil
	b.mu.Unlock()

	var errs worklet.Errors
	for _, p := range out {
		port := scheduler
		if p.transport {
			port = transport
		}
		if port == nil {
			continue
		}
		if err := port.Post(p.m); err != nil {
			errs = append(errs, fmt.Errorf("post %s: %w", p.m.Kind(), err))
		}
	}
	return errs.Ret()
}

// register must be called with lock held. Nil callbacks get zero id.
func (b *Bridge) register(cb func()) uint64 {
	if cb == nil {
		b.logger.Error(ErrNilCallback)
		return 0
	}
	id := NextID()
	b.callbacks[id] = cb
	return id
}

// schedule registers callback and sends the request built for its id.
func (b *Bridge) schedule(e Event) uint64 {
	b.mu.Lock()
	id := b.register(e.Callback)
	if id != 0 {
		b.send(e.message(id), false)
	}
	b.mu.Unlock()
	b.deliver()
	return id
}

// ScheduleEvent schedules callback at absolute time in seconds. Zero id is
// returned for nil callback.
func (b *Bridge) ScheduleEvent(time float64, cb func()) uint64 {
	return b.schedule(Event{At: time, Callback: cb})
}

// ScheduleEventRelative schedules callback seconds after the time the
// request is applied at.
func (b *Bridge) ScheduleEventRelative(seconds float64, cb func()) uint64 {
	return b.schedule(Event{At: seconds, Relative: true, Callback: cb})
}

// ScheduleEventBeats schedules callback at absolute beat.
func (b *Bridge) ScheduleEventBeats(beats float64, cb func()) uint64 {
	return b.schedule(Event{At: beats, Beats: true, Callback: cb})
}

// ScheduleEventBeatsRelative schedules callback beats after the beat the
// request is applied at.
func (b *Bridge) ScheduleEventBeatsRelative(beats float64, cb func()) uint64 {
	return b.schedule(Event{At: beats, Beats: true, Relative: true, Callback: cb})
}

// Cancel removes callback. It returns false if callback already fired or
// was cancelled.
func (b *Bridge) Cancel(id uint64) bool {
	b.mu.Lock()
	if _, ok := b.callbacks[id]; !ok {
		b.mu.Unlock()
		return false
	}
	delete(b.callbacks, id)
	b.send(worklet.Cancel{CallbackIDs: []uint64{id}}, false)
	b.mu.Unlock()
	b.deliver()
	return true
}

// CancelAll removes all registered callbacks.
func (b *Bridge) CancelAll() {
	b.mu.Lock()
	b.cancelAll()
	b.mu.Unlock()
	b.deliver()
}

func (b *Bridge) cancelAll() {
	if len(b.callbacks) == 0 {
		return
	}
	ids := make([]uint64, 0, len(b.callbacks))
	for id := range b.callbacks {
		ids = append(ids, id)
		delete(b.callbacks, id)
	}
	b.send(worklet.Cancel{CallbackIDs: ids}, false)
}

// Reschedule cancels callbacks and schedules new events in one batch. Ids
// of new events are returned in order, events with nil callback get zero
// id.
func (b *Bridge) Reschedule(cancel []uint64, events []Event) []uint64 {
	b.mu.Lock()
	defer b.deliver()
	defer b.mu.Unlock()
	cancelled := make([]uint64, 0, len(cancel))
	for _, id := range cancel {
		if _, ok := b.callbacks[id]; ok {
			delete(b.callbacks, id)
			cancelled = append(cancelled, id)
		}
	}
	if len(cancelled) > 0 {
		b.send(worklet.Cancel{CallbackIDs: cancelled}, false)
	}
	ids := make([]uint64, len(events))
	for i, e := range events {
		if ids[i] = b.register(e.Callback); ids[i] != 0 {
			b.send(e.message(ids[i]), false)
		}
	}
	return ids
}

// SetTempo changes tempo of the transport. It's applied at the next frame.
func (b *Bridge) SetTempo(bpm float64) {
	b.mu.Lock()
	b.send(worklet.SetTempo{BPM: bpm}, true)
	b.mu.Unlock()
	b.deliver()
}

// OnStart registers callback invoked when transport starts. Nil callback
// is ignored.
func (b *Bridge) OnStart(cb func()) {
	if cb == nil {
		b.logger.Error(ErrNilCallback)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStart = append(b.onStart, cb)
}

// OnStop registers callback invoked when transport stops. Nil callback is
// ignored.
func (b *Bridge) OnStop(cb func()) {
	if cb == nil {
		b.logger.Error(ErrNilCallback)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onStop = append(b.onStop, cb)
}

// Start starts the transport at the beat. Start callbacks are invoked once
// the beat is rendered.
func (b *Bridge) Start(beat float64) {
	b.mu.Lock()
	defer b.deliver()
	defer b.mu.Unlock()
	if b.started {
		b.logger.Warn("transport already started")
		return
	}
	b.started = true
	b.send(worklet.StartTransport{Beat: beat}, true)
	onStart := append([]func(){}, b.onStart...)
	id := b.register(func() {
		for _, cb := range onStart {
			cb()
		}
	})
	b.send(worklet.ScheduleBeats{Beats: beat, CallbackID: id}, false)
}

// Stop stops the transport and cancels all callbacks.
func (b *Bridge) Stop() {
	b.mu.Lock()
	if !b.started {
		b.mu.Unlock()
		b.logger.Warn("transport isn't started")
		return
	}
	b.started = false
	b.send(worklet.StopTransport{}, true)
	b.send(worklet.StopTransport{}, false)
	for id := range b.callbacks {
		delete(b.callbacks, id)
	}
	onStop := append([]func(){}, b.onStop...)
	b.mu.Unlock()
	b.deliver()
	for _, cb := range onStop {
		cb()
	}
}

// Fire invokes callback and removes it. Unknown ids are ignored: callback
// was cancelled or already fired.
func (b *Bridge) Fire(id uint64) bool {
	b.mu.Lock()
	cb, ok := b.callbacks[id]
	delete(b.callbacks, id)
	b.mu.Unlock()
	if !ok {
		b.logger.Debug("callback ", id, " is not registered")
		return false
	}
	cb()
	return true
}

// Dispatch fires callbacks reported by the scheduling node until events
// channel is closed or context is done.
func (b *Bridge) Dispatch(ctx context.Context, events <-chan worklet.Message) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-events:
			if !ok {
				return nil
			}
			switch e := m.(type) {
			case worklet.Fired:
				b.Fire(e.CallbackID)
			case worklet.Fault:
				b.logger.Error("scheduler fault: ", e.Err)
			}
		}
	}
}

// Registered returns number of callbacks waiting to fire.
func (b *Bridge) Registered() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.callbacks)
}

// Pending returns number of requests waiting for attachment.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
