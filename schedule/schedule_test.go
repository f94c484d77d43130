package schedule_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pipelined/worklet"
	"github.com/pipelined/worklet/node"
	"github.com/pipelined/worklet/schedule"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// port records posted messages.
type port struct {
	mu       sync.Mutex
	messages []worklet.Message
}

func (p *port) Post(m worklet.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, m)
	return nil
}

func (p *port) posted() []worklet.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]worklet.Message(nil), p.messages...)
}

// emitter records emitted messages and drops them when full.
type emitter struct {
	limit  int
	events []worklet.Message
}

func (e *emitter) Emit(m worklet.Message) bool {
	if e.limit > 0 && len(e.events) == e.limit {
		return false
	}
	e.events = append(e.events, m)
	return true
}

func (e *emitter) fired() []uint64 {
	var ids []uint64
	for _, m := range e.events {
		ids = append(ids, m.(worklet.Fired).CallbackID)
	}
	return ids
}

func block(clock worklet.Clock) *worklet.Block {
	return &worklet.Block{
		Outputs: [][]float64{make([]float64, worklet.FrameSize)},
		Clock:   clock,
	}
}

func TestPendingForwardedInOrder(t *testing.T) {
	b := schedule.NewBridge()
	var ids []uint64
	for i := 0; i < 10; i++ {
		ids = append(ids, b.ScheduleEvent(float64(i), func() {}))
	}
	assert.Equal(t, 10, b.Pending())

	scheduler, transport := &port{}, &port{}
	require.NoError(t, b.Attach(scheduler, transport))
	assert.Equal(t, 0, b.Pending())
	assert.Error(t, b.Attach(scheduler, transport))

	posted := scheduler.posted()
	require.Len(t, posted, len(ids))
	for i, m := range posted {
		assert.Equal(t, worklet.Schedule{Time: float64(i), CallbackID: ids[i]}, m)
	}
	assert.Empty(t, transport.posted())

	// requests after attachment are posted right away
	id := b.ScheduleEventBeats(4, func() {})
	posted = scheduler.posted()
	require.Len(t, posted, len(ids)+1)
	assert.Equal(t, worklet.ScheduleBeats{Beats: 4, CallbackID: id}, posted[len(ids)])
}

func TestUniqueIDs(t *testing.T) {
	a, b := schedule.NewBridge(), schedule.NewBridge()
	seen := map[uint64]struct{}{}
	for i := 0; i < 100; i++ {
		for _, id := range []uint64{
			a.ScheduleEvent(0, func() {}),
			b.ScheduleEventBeatsRelative(1, func() {}),
		} {
			_, ok := seen[id]
			require.False(t, ok, "duplicate id %d", id)
			seen[id] = struct{}{}
		}
	}
}

func TestFire(t *testing.T) {
	b := schedule.NewBridge()
	calls := 0
	id := b.ScheduleEvent(1, func() { calls++ })
	assert.Equal(t, 1, b.Registered())

	assert.True(t, b.Fire(id))
	assert.False(t, b.Fire(id))
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, b.Registered())

	// unknown ids are ignored
	assert.False(t, b.Fire(schedule.NextID()))
}

func TestCancel(t *testing.T) {
	b := schedule.NewBridge()
	scheduler := &port{}
	require.NoError(t, b.Attach(scheduler, nil))

	calls := 0
	id := b.ScheduleEvent(1, func() { calls++ })
	assert.True(t, b.Cancel(id))
	assert.False(t, b.Cancel(id))
	assert.False(t, b.Fire(id))
	assert.Equal(t, 0, calls)

	posted := scheduler.posted()
	require.Len(t, posted, 2)
	assert.Equal(t, worklet.Cancel{CallbackIDs: []uint64{id}}, posted[1])

	b.ScheduleEvent(1, func() { calls++ })
	b.ScheduleEvent(2, func() { calls++ })
	b.CancelAll()
	assert.Equal(t, 0, b.Registered())
	posted = scheduler.posted()
	require.Len(t, posted, 5)
	assert.Len(t, posted[4].(worklet.Cancel).CallbackIDs, 2)

	// nothing to cancel
	b.CancelAll()
	assert.Len(t, scheduler.posted(), 5)
}

func TestReschedule(t *testing.T) {
	b := schedule.NewBridge()
	scheduler := &port{}
	require.NoError(t, b.Attach(scheduler, nil))

	old := b.ScheduleEvent(1, func() {})
	ids := b.Reschedule([]uint64{old, schedule.NextID()}, []schedule.Event{
		{At: 2, Callback: func() {}},
		{At: 3, Beats: true, Callback: func() {}},
	})
	require.Len(t, ids, 2)
	assert.Equal(t, 2, b.Registered())
	assert.Equal(t, []worklet.Message{
		worklet.Schedule{Time: 1, CallbackID: old},
		worklet.Cancel{CallbackIDs: []uint64{old}},
		worklet.Schedule{Time: 2, CallbackID: ids[0]},
		worklet.ScheduleBeats{Beats: 3, CallbackID: ids[1]},
	}, scheduler.posted())
}

// blockingPort blocks every post until released.
type blockingPort struct {
	entered chan struct{}
	release chan struct{}
}

func (p *blockingPort) Post(worklet.Message) error {
	select {
	case p.entered <- struct{}{}:
	default:
	}
	<-p.release
	return nil
}

func TestFireWhilePostBlocks(t *testing.T) {
	b := schedule.NewBridge()
	calls := 0
	id := b.ScheduleEvent(1, func() { calls++ })

	p := &blockingPort{
		entered: make(chan struct{}, 1),
		release: make(chan struct{}),
	}
	attached := make(chan error)
	go func() {
		attached <- b.Attach(p, nil)
	}()
	<-p.entered

	fired := make(chan bool)
	go func() {
		fired <- b.Fire(id)
	}()
	var ok, done bool
	select {
	case ok = <-fired:
		done = true
		assert.Equal(t, 0, b.Registered())
	case <-time.After(time.Second):
		t.Error("fire is blocked by post")
	}

	close(p.release)
	assert.NoError(t, <-attached)
	if !done {
		ok = <-fired
	}
	assert.True(t, ok)
	assert.Equal(t, 1, calls)
}

func TestNilCallback(t *testing.T) {
	b := schedule.NewBridge()
	scheduler := &port{}
	require.NoError(t, b.Attach(scheduler, nil))

	assert.Zero(t, b.ScheduleEvent(1, nil))
	assert.Zero(t, b.ScheduleEventRelative(1, nil))
	assert.Zero(t, b.ScheduleEventBeats(1, nil))
	assert.Zero(t, b.ScheduleEventBeatsRelative(1, nil))
	ids := b.Reschedule(nil, []schedule.Event{
		{At: 1},
		{At: 2, Callback: func() {}},
	})
	require.Len(t, ids, 2)
	assert.Zero(t, ids[0])
	assert.NotZero(t, ids[1])
	assert.Equal(t, 1, b.Registered())
	assert.Equal(t, []worklet.Message{
		worklet.Schedule{Time: 2, CallbackID: ids[1]},
	}, scheduler.posted())
	assert.False(t, b.Fire(0))

	// nil transport callbacks are ignored
	b.OnStart(nil)
	b.OnStop(nil)
	b.Start(0)
	posted := scheduler.posted()
	start := posted[len(posted)-1].(worklet.ScheduleBeats)
	assert.NotPanics(t, func() { b.Fire(start.CallbackID) })
	assert.NotPanics(t, b.Stop)
}

func TestScheduleRelative(t *testing.T) {
	b := schedule.NewBridge()
	scheduler := &port{}
	require.NoError(t, b.Attach(scheduler, nil))

	id := b.ScheduleEventRelative(0.5, func() {})
	ids := b.Reschedule(nil, []schedule.Event{
		{At: 2, Relative: true, Callback: func() {}},
		{At: 3, Beats: true, Relative: true, Callback: func() {}},
	})
	assert.Equal(t, []worklet.Message{
		worklet.Schedule{Time: 0.5, Relative: true, CallbackID: id},
		worklet.Schedule{Time: 2, Relative: true, CallbackID: ids[0]},
		worklet.ScheduleBeats{Beats: 3, Relative: true, CallbackID: ids[1]},
	}, scheduler.posted())
}

func TestTransport(t *testing.T) {
	b := schedule.NewBridge()
	started, stopped := 0, 0
	b.OnStart(func() { started++ })
	b.OnStop(func() { stopped++ })

	// stop before start is ignored
	b.Stop()
	assert.Equal(t, 0, stopped)

	b.SetTempo(90)
	b.Start(2)
	b.Start(2)
	b.ScheduleEventBeats(8, func() {})
	assert.Equal(t, 2, b.Registered())

	scheduler, transport := &port{}, &port{}
	require.NoError(t, b.Attach(scheduler, transport))
	assert.Equal(t, []worklet.Message{
		worklet.SetTempo{BPM: 90},
		worklet.StartTransport{Beat: 2},
	}, transport.posted())

	start := scheduler.posted()[0].(worklet.ScheduleBeats)
	assert.Equal(t, 2.0, start.Beats)
	assert.True(t, b.Fire(start.CallbackID))
	assert.Equal(t, 1, started)

	b.Stop()
	assert.Equal(t, 1, stopped)
	assert.Equal(t, 0, b.Registered())
	assert.Equal(t, worklet.StopTransport{}, transport.posted()[2])
	posted := scheduler.posted()
	assert.Equal(t, worklet.StopTransport{}, posted[len(posted)-1])
}

func TestProcessorTime(t *testing.T) {
	p := schedule.NewProcessor()
	e := &emitter{}
	p.SetEmitter(e)

	clock := worklet.Clock{SampleRate: 128}
	// one frame is exactly one second
	require.NoError(t, p.Handle(worklet.Schedule{Time: 1.5, CallbackID: 3}))
	require.NoError(t, p.Handle(worklet.Schedule{Time: 0.5, CallbackID: 2}))
	require.NoError(t, p.Handle(worklet.Schedule{Time: 0.5, CallbackID: 1}))
	require.NoError(t, p.Handle(worklet.Schedule{Time: 5, CallbackID: 4}))
	assert.Equal(t, 4, p.Len())

	p.Process(block(clock))
	assert.Equal(t, []uint64{1, 2}, e.fired())

	require.NoError(t, p.Handle(worklet.Cancel{CallbackIDs: []uint64{4, 100}}))
	clock.Time = 1
	p.Process(block(clock))
	assert.Equal(t, []uint64{1, 2, 3}, e.fired())
	assert.Equal(t, 0, p.Len())

	// late events fire on the next frame
	require.NoError(t, p.Handle(worklet.Schedule{Time: 0, CallbackID: 5}))
	clock.Time = 2
	p.Process(block(clock))
	assert.Equal(t, []uint64{1, 2, 3, 5}, e.fired())
}

func TestProcessorBeats(t *testing.T) {
	p := schedule.NewProcessor()
	e := &emitter{}
	p.SetEmitter(e)

	// 60 bpm and one second frames: one beat per frame
	clock := worklet.Clock{SampleRate: 128, BPM: 60}
	require.NoError(t, p.Handle(worklet.ScheduleBeats{Beats: 0.5, CallbackID: 1}))

	// beats don't advance while stopped
	p.Process(block(clock))
	assert.Empty(t, e.fired())

	clock.Started = true
	p.Process(block(clock))
	assert.Equal(t, []uint64{1}, e.fired())

	clock.Beat = 3
	p.Process(block(clock))
	// relative beats count from the beat of the next frame
	require.NoError(t, p.Handle(worklet.ScheduleBeats{Beats: 1.5, Relative: true, CallbackID: 2}))
	clock.Beat = 4
	p.Process(block(clock))
	assert.Equal(t, []uint64{1}, e.fired())
	clock.Beat = 5
	p.Process(block(clock))
	assert.Equal(t, []uint64{1, 2}, e.fired())

	require.NoError(t, p.Handle(worklet.ScheduleBeats{Beats: 10, CallbackID: 3}))
	require.NoError(t, p.Handle(worklet.Schedule{Time: 10, CallbackID: 4}))
	require.NoError(t, p.Handle(worklet.StopTransport{}))
	assert.Equal(t, 0, p.Len())

	assert.ErrorIs(t, p.Handle(worklet.VoiceOff{}), worklet.ErrUnknownMessage)
}

func TestProcessorRelativeBeats(t *testing.T) {
	p := schedule.NewProcessor()
	e := &emitter{}
	p.SetEmitter(e)

	clock := worklet.Clock{SampleRate: 44100, BPM: 120, Started: true}
	frameBeats := clock.EndBeat() - clock.Beat
	for i := 0; i < 10; i++ {
		p.Process(block(clock))
		clock.Time, clock.Beat = clock.End(), clock.EndBeat()
	}
	require.NoError(t, p.Handle(worklet.ScheduleBeats{Beats: 1.5 * frameBeats, Relative: true, CallbackID: 1}))

	p.Process(block(clock))
	assert.Empty(t, e.fired())
	clock.Time, clock.Beat = clock.End(), clock.EndBeat()
	p.Process(block(clock))
	assert.Equal(t, []uint64{1}, e.fired())
}

func TestProcessorRelativeTime(t *testing.T) {
	tests := []struct {
		offset float64
		frame  int
	}{
		{offset: 0, frame: 0},
		{offset: 0.5, frame: 0},
		{offset: 1, frame: 1},
		{offset: 2.5, frame: 2},
	}
	for _, test := range tests {
		p := schedule.NewProcessor()
		e := &emitter{}
		p.SetEmitter(e)

		// one frame is exactly one second
		clock := worklet.Clock{SampleRate: 128}
		for i := 0; i < 3; i++ {
			p.Process(block(clock))
			clock.Time = clock.End()
		}
		require.NoError(t, p.Handle(worklet.Schedule{Time: test.offset, Relative: true, CallbackID: 1}))
		for i := 0; i < test.frame; i++ {
			p.Process(block(clock))
			clock.Time = clock.End()
			assert.Empty(t, e.fired(), "offset %v frame %d", test.offset, i)
		}
		p.Process(block(clock))
		assert.Equal(t, []uint64{1}, e.fired(), "offset %v", test.offset)
	}
}

func TestProcessorBackpressure(t *testing.T) {
	p := schedule.NewProcessor()
	e := &emitter{limit: 1}
	p.SetEmitter(e)
	require.NoError(t, p.Handle(worklet.Schedule{Time: 0, CallbackID: 1}))
	require.NoError(t, p.Handle(worklet.Schedule{Time: 0, CallbackID: 2}))

	clock := worklet.Clock{SampleRate: 128}
	p.Process(block(clock))
	assert.Equal(t, []uint64{1}, e.fired())
	assert.Equal(t, 1, p.Len())

	e.limit = 0
	p.Process(block(clock))
	assert.Equal(t, []uint64{1, 2}, e.fired())
}

func TestDispatch(t *testing.T) {
	p := schedule.NewProcessor()
	n := node.New(p, node.WithName("scheduler"))
	b := schedule.NewBridge()

	var mu sync.Mutex
	var order []int
	record := func(i int) func() {
		return func() {
			mu.Lock()
			defer mu.Unlock()
			order = append(order, i)
		}
	}
	b.ScheduleEvent(0.01, record(2))
	b.ScheduleEvent(0, record(1))
	cancelled := b.ScheduleEvent(0, record(3))
	require.True(t, b.Cancel(cancelled))
	require.NoError(t, b.Attach(n, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error)
	go func() {
		done <- b.Dispatch(ctx, n.Events())
	}()

	clock := worklet.Clock{SampleRate: 44100}
	for i := 0; i < 10; i++ {
		require.True(t, n.Process(block(clock)))
		clock.Time = clock.End()
	}
	assert.Eventually(t, func() bool {
		return b.Registered() == 0
	}, time.Second, time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
	require.NoError(t, n.Close(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []int{1, 2}, order)
}

func TestDispatchClosed(t *testing.T) {
	b := schedule.NewBridge()
	events := make(chan worklet.Message, 2)
	calls := 0
	id := b.ScheduleEvent(0, func() { calls++ })
	events <- worklet.Fired{CallbackID: id}
	events <- worklet.Fired{CallbackID: id}
	close(events)
	assert.NoError(t, b.Dispatch(context.Background(), events))
	assert.Equal(t, 1, calls)
}
