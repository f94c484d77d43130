package processor

import (
	"fmt"
	"math"

	algofft "github.com/MeKo-Christian/algo-fft"
	"github.com/cwbudde/algo-vecmath"

	"github.com/pipelined/worklet"
)

// spectra is the number of reused spectrum buffers. Receivers must be
// done with a spectrum before that many new ones are posted.
const spectra = 4

// Analyzer posts magnitude spectrum of the input every n frames. Input is
// passed through unchanged.
type Analyzer struct {
	reporter
	plan     *algofft.Plan[complex128]
	window   []float64
	windowed []float64
	buf      []complex128
	re, im   []float64
	bins     [spectra][]float64
	next     int
	every    int
	frames   int
}

// NewAnalyzer returns analyzer that posts spectrum every n frames.
func NewAnalyzer(every int, opts ...Option) (*Analyzer, error) {
	if every < 1 {
		return nil, fmt.Errorf("analyzer period %d: %w", every, worklet.ErrOutOfRange)
	}
	plan, err := algofft.NewPlan64(worklet.FrameSize)
	if err != nil {
		return nil, fmt.Errorf("analyzer: failed to create FFT plan: %w", err)
	}
	n := worklet.FrameSize/2 + 1
	a := Analyzer{
		reporter: newReporter("analyzer", opts),
		plan:     plan,
		window:   hann(worklet.FrameSize),
		windowed: make([]float64, worklet.FrameSize),
		buf:      make([]complex128, worklet.FrameSize),
		re:       make([]float64, n),
		im:       make([]float64, n),
		every:    every,
	}
	for i := range a.bins {
		a.bins[i] = make([]float64, n)
	}
	return &a, nil
}

// Process passes input through and analyses it.
func (a *Analyzer) Process(b *worklet.Block) {
	b.Passthrough()
	a.frames++
	if a.frames < a.every || len(b.Inputs) == 0 || len(b.Inputs[0]) != worklet.FrameSize {
		return
	}
	a.frames = 0

	vecmath.MulBlock(a.windowed, b.Inputs[0], a.window)
	for i, v := range a.windowed {
		a.buf[i] = complex(v, 0)
	}
	if err := a.plan.Forward(a.buf, a.buf); err != nil {
		a.fault(worklet.FaultNumeric, fmt.Errorf("analyzer: %w", err))
		return
	}
	for i := range a.re {
		a.re[i] = real(a.buf[i])
		a.im[i] = imag(a.buf[i])
	}
	bins := a.bins[a.next]
	vecmath.Magnitude(bins, a.re, a.im)
	a.next = (a.next + 1) % spectra
	a.emit(worklet.Spectrum{Bins: bins})
}

func hann(n int) []float64 {
	w := make([]float64, n)
	for i := range w {
		w[i] = 0.5 - 0.5*math.Cos(2*math.Pi*float64(i)/float64(n-1))
	}
	return w
}
