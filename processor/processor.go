// Package processor provides kernels of processing nodes.
package processor

import (
	"github.com/pipelined/worklet"
	"github.com/pipelined/worklet/log"
	"github.com/pipelined/worklet/metric"
)

// Option configures processor.
type Option func(*reporter)

// WithLogger sets processor logger.
func WithLogger(l log.Logger) Option {
	return func(r *reporter) {
		r.logger = l
	}
}

// WithFaults sets fault counters.
func WithFaults(f *metric.Faults) Option {
	return func(r *reporter) {
		r.faults = f
	}
}

// reporter reports faults of the rendering context and posts events.
type reporter struct {
	logger  log.Logger
	faults  *metric.Faults
	emitter worklet.Emitter
	once    log.Once
}

func newReporter(component string, opts []Option) reporter {
	var r reporter
	for _, opt := range opts {
		opt(&r)
	}
	if r.logger == nil {
		r.logger = log.WithComponent(log.GetLogger(), component)
	}
	return r
}

// SetEmitter sets destination of processor events.
func (r *reporter) SetEmitter(e worklet.Emitter) {
	r.emitter = e
}

func (r *reporter) emit(m worklet.Message) bool {
	if r.emitter == nil {
		return false
	}
	return r.emitter.Emit(m)
}

// fault counts the fault and logs the first one.
func (r *reporter) fault(k worklet.FaultKind, err error) {
	r.faults.Inc(k)
	if r.once.Error(r.logger, err) {
		r.emit(worklet.Fault{Fault: k, Err: err})
	}
}

func output(b *worklet.Block) []float64 {
	if len(b.Outputs) == 0 {
		return nil
	}
	return b.Outputs[0]
}

// copyOutput copies the first output channel into the rest of them.
func copyOutput(b *worklet.Block) {
	for _, out := range b.Outputs[1:] {
		copy(out, b.Outputs[0])
	}
}
