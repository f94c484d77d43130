/*
Package pool provides fixed-size allocator of reusable resources.

Slots are linked into a free list, so both Allocate and Free are O(1) and
don't allocate memory after construction. Pool is not safe for concurrent
use: it's owned by a single control goroutine.
*/
package pool

import (
	"encoding/json"
	"fmt"

	"github.com/pipelined/worklet"
	"github.com/pipelined/worklet/log"
	"github.com/pipelined/worklet/metric"
)

// Resource is a pooled object. Disconnect is called when its slot is freed.
type Resource interface {
	Disconnect()
}

// end terminates the free list.
const end = -1

type slot[R Resource] struct {
	used bool
	next int
	res  R
}

// Pool is a free-list allocator of N resources.
type Pool[R Resource] struct {
	slots  []slot[R]
	head   int
	used   int
	logger log.Logger
	faults *metric.Faults
}

// Option configures the pool.
type Option func(*options)

type options struct {
	logger log.Logger
	faults *metric.Faults
}

// WithLogger sets logger for invariant violations.
func WithLogger(l log.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithFaults sets counters of exhaustion and invariant faults.
func WithFaults(f *metric.Faults) Option {
	return func(o *options) {
		o.faults = f
	}
}

// New returns pool of provided resources. All slots are free and linked in
// order, so the first allocation returns slot 0.
func New[R Resource](resources []R, opts ...Option) *Pool[R] {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = log.WithComponent(log.GetLogger(), "pool")
	}
	slots := make([]slot[R], len(resources))
	for i := range slots {
		slots[i] = slot[R]{
			next: i + 1,
			res:  resources[i],
		}
	}
	head := 0
	if len(slots) == 0 {
		head = end
	} else {
		slots[len(slots)-1].next = end
	}
	return &Pool[R]{
		slots:  slots,
		head:   head,
		logger: o.logger,
		faults: o.faults,
	}
}

// Allocate takes the slot at the head of the free list. False is returned
// if pool is exhausted.
func (p *Pool[R]) Allocate() (int, bool) {
	if p.head == end {
		p.faults.Inc(worklet.FaultExhausted)
		return 0, false
	}
	i := p.head
	s := &p.slots[i]
	p.head = s.next
	s.used = true
	s.next = end
	p.used++
	return i, true
}

// Free disconnects the resource and returns its slot to the free list.
// Releasing a free or unknown slot is reported and has no effect.
func (p *Pool[R]) Free(i int) error {
	if i < 0 || i >= len(p.slots) {
		p.report(fmt.Errorf("free %d: %w", i, worklet.ErrOutOfRange))
		return worklet.ErrOutOfRange
	}
	s := &p.slots[i]
	if !s.used {
		p.report(fmt.Errorf("free %d: %w", i, worklet.ErrNotUsed))
		return worklet.ErrNotUsed
	}
	s.res.Disconnect()
	s.used = false
	s.next = p.head
	p.head = i
	p.used--
	return nil
}

func (p *Pool[R]) report(err error) {
	p.faults.Inc(worklet.FaultInvariant)
	p.logger.Error(err)
}

// Get returns resource in the used slot.
func (p *Pool[R]) Get(i int) (R, bool) {
	if i < 0 || i >= len(p.slots) || !p.slots[i].used {
		var zero R
		return zero, false
	}
	return p.slots[i].res, true
}

// IsUsed returns true if slot is allocated.
func (p *Pool[R]) IsUsed(i int) bool {
	return i >= 0 && i < len(p.slots) && p.slots[i].used
}

// Len returns number of free slots.
func (p *Pool[R]) Len() int {
	return len(p.slots) - p.used
}

// Used returns number of allocated slots.
func (p *Pool[R]) Used() int {
	return p.used
}

// Cap returns total number of slots.
func (p *Pool[R]) Cap() int {
	return len(p.slots)
}

// Layout is a serializable state of the pool slots.
type Layout struct {
	Head int    `json:"head"`
	Next []int  `json:"next"`
	Used []bool `json:"used"`
}

// Snapshot encodes current slot layout.
func (p *Pool[R]) Snapshot() ([]byte, error) {
	l := Layout{
		Head: p.head,
		Next: make([]int, len(p.slots)),
		Used: make([]bool, len(p.slots)),
	}
	for i, s := range p.slots {
		l.Next[i] = s.next
		l.Used[i] = s.used
	}
	return json.Marshal(l)
}

// Restore replaces slot layout with decoded snapshot. Resources are kept
// in place. Layout is validated before it's applied: the free list must
// visit every free slot exactly once and no used one.
func (p *Pool[R]) Restore(data []byte) error {
	var l Layout
	if err := json.Unmarshal(data, &l); err != nil {
		return fmt.Errorf("decode pool layout: %w", err)
	}
	if err := l.validate(len(p.slots)); err != nil {
		return err
	}
	used := 0
	for i := range p.slots {
		p.slots[i].used = l.Used[i]
		p.slots[i].next = l.Next[i]
		if l.Used[i] {
			used++
		}
	}
	p.head = l.Head
	p.used = used
	return nil
}

func (l Layout) validate(n int) error {
	if len(l.Next) != n || len(l.Used) != n {
		return fmt.Errorf("pool layout of %d slots: %w", len(l.Used), worklet.ErrOutOfRange)
	}
	free := 0
	for _, u := range l.Used {
		if !u {
			free++
		}
	}
	visited := make([]bool, n)
	count := 0
	for i := l.Head; i != end; i = l.Next[i] {
		if i < 0 || i >= n {
			return fmt.Errorf("pool layout link %d: %w", i, worklet.ErrOutOfRange)
		}
		if l.Used[i] || visited[i] {
			return fmt.Errorf("pool layout link %d: %w", i, worklet.ErrInvalidState)
		}
		visited[i] = true
		count++
	}
	if count != free {
		return fmt.Errorf("pool layout has %d free slots, %d linked: %w", free, count, worklet.ErrInvalidState)
	}
	return nil
}
