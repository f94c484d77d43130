package schedule

import (
	"container/heap"

	"github.com/pipelined/worklet"
)

// queueSize is the initial capacity of event queues.
const queueSize = 256

type event struct {
	at float64
	id uint64
}

// queue is a min-heap of events ordered by coordinate, then by id. It's
// modified with heap.Fix only, so values are never boxed.
type queue []event

func (q queue) Len() int { return len(q) }

func (q queue) Less(i, j int) bool {
	if q[i].at == q[j].at {
		return q[i].id < q[j].id
	}
	return q[i].at < q[j].at
}

func (q queue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }

func (q *queue) Push(x interface{}) { *q = append(*q, x.(event)) }

func (q *queue) Pop() interface{} {
	n := len(*q) - 1
	e := (*q)[n]
	*q = (*q)[:n]
	return e
}

func (q *queue) push(e event) {
	*q = append(*q, e)
	heap.Fix(q, len(*q)-1)
}

func (q *queue) remove(i int) {
	n := len(*q) - 1
	q.Swap(i, n)
	*q = (*q)[:n]
	if i < n {
		heap.Fix(q, i)
	}
}

func (q *queue) cancel(id uint64) bool {
	for i := range *q {
		if (*q)[i].id == id {
			q.remove(i)
			return true
		}
	}
	return false
}

// Processor is the kernel of the scheduling node. It keeps requested
// callbacks and reports them with worklet.Fired once the frame that covers
// their time or beat is rendered.
type Processor struct {
	emitter worklet.Emitter
	times   queue
	beats   queue
	// start of the next frame, relative requests are resolved against it
	nextTime float64
	nextBeat float64
}

// NewProcessor returns empty scheduling kernel.
func NewProcessor() *Processor {
	return &Processor{
		times: make(queue, 0, queueSize),
		beats: make(queue, 0, queueSize),
	}
}

// SetEmitter sets destination of fired callbacks.
func (p *Processor) SetEmitter(e worklet.Emitter) {
	p.emitter = e
}

// Handle applies scheduling requests.
func (p *Processor) Handle(m worklet.Message) error {
	switch m := m.(type) {
	case worklet.Schedule:
		at := m.Time
		if m.Relative {
			at += p.nextTime
		}
		p.times.push(event{at: at, id: m.CallbackID})
	case worklet.ScheduleBeats:
		at := m.Beats
		if m.Relative {
			at += p.nextBeat
		}
		p.beats.push(event{at: at, id: m.CallbackID})
	case worklet.Cancel:
		for _, id := range m.CallbackIDs {
			if !p.times.cancel(id) {
				p.beats.cancel(id)
			}
		}
	case worklet.StopTransport:
		p.times = p.times[:0]
		p.beats = p.beats[:0]
	default:
		return worklet.ErrUnknownMessage
	}
	return nil
}

// Process fires due callbacks. Event stays queued if it can't be emitted
// and is retried on the next frame.
func (p *Processor) Process(b *worklet.Block) {
	end, endBeat := b.Clock.End(), b.Clock.EndBeat()
	p.nextTime, p.nextBeat = end, endBeat
	b.Silence()
	if p.emitter == nil {
		return
	}
	for len(p.times) > 0 && p.times[0].at < end {
		if !p.emitter.Emit(worklet.Fired{CallbackID: p.times[0].id}) {
			return
		}
		p.times.remove(0)
	}
	if !b.Clock.Started {
		return
	}
	for len(p.beats) > 0 && p.beats[0].at < endBeat {
		if !p.emitter.Emit(worklet.Fired{CallbackID: p.beats[0].id}) {
			return
		}
		p.beats.remove(0)
	}
}

// Len returns number of queued callbacks.
func (p *Processor) Len() int {
	return len(p.times) + len(p.beats)
}
