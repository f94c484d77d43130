// Package portaudio plays rendered frames on the default output device.
package portaudio

import (
	"fmt"

	"github.com/gordonklaus/portaudio"

	"github.com/pipelined/worklet"
)

// Renderer renders one frame into the buffer. Engine is a renderer.
type Renderer interface {
	Render([][]float64)
}

// Stream is an output stream. Its callback is the rendering context.
type Stream struct {
	r        Renderer
	channels int
	buf      [][]float64
	pos      int
	stream   *portaudio.Stream
}

func newStream(r Renderer, channels int) *Stream {
	buf := make([][]float64, channels)
	for i := range buf {
		buf[i] = make([]float64, worklet.FrameSize)
	}
	return &Stream{
		r:        r,
		channels: channels,
		buf:      buf,
		pos:      worklet.FrameSize,
	}
}

// Open initializes portaudio and opens the default output stream.
func Open(r Renderer, sampleRate, channels int) (*Stream, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	s := newStream(r, channels)
	stream, err := portaudio.OpenDefaultStream(0, channels, float64(sampleRate), worklet.FrameSize, s.fill)
	if err != nil {
		portaudio.Terminate()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	s.stream = stream
	return s, nil
}

// Start starts playback.
func (s *Stream) Start() error {
	return s.stream.Start()
}

// Close stops playback and terminates portaudio.
func (s *Stream) Close() error {
	if err := s.stream.Stop(); err != nil {
		return err
	}
	if err := s.stream.Close(); err != nil {
		return err
	}
	return portaudio.Terminate()
}

// fill copies rendered samples into device buffer, rendering new frames
// when needed.
func (s *Stream) fill(out [][]float32) {
	if len(out) == 0 {
		return
	}
	for i := range out[0] {
		if s.pos == worklet.FrameSize {
			s.r.Render(s.buf)
			s.pos = 0
		}
		for c := range out {
			out[c][i] = float32(s.buf[c%s.channels][s.pos])
		}
		s.pos++
	}
}
