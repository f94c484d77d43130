package metric

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pipelined/worklet"
)

// Faults counts errors absorbed by the runtime, labeled by fault kind.
// Counters are resolved upfront, so Inc doesn't allocate and is safe for
// the rendering context. Nil Faults is valid and counts nothing.
type Faults struct {
	vec      *prometheus.CounterVec
	counters map[worklet.FaultKind]prometheus.Counter
}

// NewFaults creates fault counters and registers them if reg isn't nil.
func NewFaults(reg prometheus.Registerer) (*Faults, error) {
	vec := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "worklet",
		Name:      "faults_total",
		Help:      "Errors absorbed by the node runtime.",
	}, []string{"kind"})
	if reg != nil {
		if err := reg.Register(vec); err != nil {
			return nil, err
		}
	}
	f := Faults{
		vec:      vec,
		counters: make(map[worklet.FaultKind]prometheus.Counter, len(worklet.FaultKinds)),
	}
	for _, k := range worklet.FaultKinds {
		f.counters[k] = vec.WithLabelValues(k.String())
	}
	return &f, nil
}

// Inc increments the counter of provided kind.
func (f *Faults) Inc(k worklet.FaultKind) {
	if f == nil {
		return
	}
	if c, ok := f.counters[k]; ok {
		c.Inc()
	}
}

// Counter returns the counter of provided kind.
func (f *Faults) Counter(k worklet.FaultKind) prometheus.Counter {
	if f == nil {
		return nil
	}
	return f.counters[k]
}
