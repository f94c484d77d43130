// Package metric captures rendering counters of worklet nodes.
package metric

import (
	"expvar"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pipelined/signal"

	"github.com/pipelined/worklet"
)

const nodesLabel = "worklet.nodes"

const (
	// FrameCounter measures number of rendered frames.
	FrameCounter = "Frames"
	// SampleCounter measures number of rendered samples.
	SampleCounter = "Samples"
	// LatencyCounter measures time between rendering calls.
	LatencyCounter = "Latency"
	// DurationCounter counts the duration of rendered signal.
	DurationCounter = "Duration"
	// NodeCounter counts number of metered nodes.
	NodeCounter = "Nodes"
)

var (
	nodes = metrics{
		m: make(map[string]metric),
	}

	counters = []string{
		FrameCounter,
		SampleCounter,
		LatencyCounter,
		DurationCounter,
		NodeCounter,
	}
)

// Get metrics values for provided processor type.
func Get(processor interface{}) map[string]string {
	return getCounters(getType(processor))
}

// GetAll returns counters for all measured processor types.
func GetAll() map[string]map[string]string {
	m := make(map[string]map[string]string)
	nodes.Lock()
	defer nodes.Unlock()
	for processor := range nodes.m {
		m[processor] = getCounters(processor)
	}
	return m
}

func getCounters(processorType string) map[string]string {
	m := make(map[string]string)
	for _, counter := range counters {
		v := expvar.Get(key(processorType, counter))
		if v != nil {
			m[counter] = v.String()
		}
	}
	return m
}

// MeasureFunc captures metrics when a frame is rendered.
type MeasureFunc func()

// Meter creates new closure to capture frame counters of the processor.
// Returned closure must only be called from the rendering context.
func Meter(processor interface{}, sampleRate int) MeasureFunc {
	t := getType(processor)
	metric := nodes.get(t)
	metric.nodes.Add(1)
	var frameDuration time.Duration
	if sampleRate > 0 {
		frameDuration = signal.DurationOf(sampleRate, worklet.FrameSize)
	}
	var calledAt time.Time
	return func() {
		now := time.Now()
		if !calledAt.IsZero() {
			metric.latency.set(now.Sub(calledAt))
		}
		metric.frames.Add(1)
		metric.samples.Add(worklet.FrameSize)
		metric.duration.add(frameDuration)
		calledAt = now
	}
}

type metrics struct {
	sync.Mutex
	m map[string]metric
}

func (m *metrics) get(processorType string) metric {
	m.Lock()
	defer m.Unlock()
	if metric, ok := m.m[processorType]; ok {
		return metric
	}
	metric := newMetric(processorType)
	m.m[processorType] = metric
	return metric
}

type metric struct {
	nodes    *expvar.Int
	frames   *expvar.Int
	samples  *expvar.Int
	latency  *duration
	duration *duration
}

func newMetric(processorType string) metric {
	m := metric{
		nodes:    expvar.NewInt(key(processorType, NodeCounter)),
		frames:   expvar.NewInt(key(processorType, FrameCounter)),
		samples:  expvar.NewInt(key(processorType, SampleCounter)),
		latency:  &duration{},
		duration: &duration{},
	}
	expvar.Publish(key(processorType, LatencyCounter), m.latency)
	expvar.Publish(key(processorType, DurationCounter), m.duration)
	return m
}

func key(processorType, counter string) string {
	return fmt.Sprintf("%s.%s.%s", nodesLabel, processorType, counter)
}

func getType(processor interface{}) string {
	rv := reflect.ValueOf(processor)
	for rv.Kind() == reflect.Ptr || rv.Kind() == reflect.Interface {
		rv = rv.Elem()
	}
	return rv.Type().String()
}

// duration allows to format time.Duration metric values.
type duration struct {
	d int64
}

func (v *duration) String() string {
	return fmt.Sprintf("%q", time.Duration(atomic.LoadInt64(&v.d)).String())
}

func (v *duration) add(delta time.Duration) {
	atomic.AddInt64(&v.d, int64(delta))
}

func (v *duration) set(value time.Duration) {
	atomic.StoreInt64(&v.d, int64(value))
}
