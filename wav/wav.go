// Package wav reads and writes wav files with go-audio/wav.
package wav

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/go-audio/audio"
	"github.com/go-audio/wav"
	"github.com/pipelined/signal"

	"github.com/pipelined/worklet"
)

// Supported bit depths.
const (
	BitDepth16 = int(signal.BitDepth16)
	BitDepth32 = int(signal.BitDepth32)
)

// pcm is wav audio format of integer samples.
const pcm = 1

var (
	// ErrUnsupportedBitDepth is returned when unsupported bit depth is used.
	ErrUnsupportedBitDepth = errors.New("only 16 and 32 bit depth is supported")
	// ErrInvalidFile is returned when file isn't a valid wav.
	ErrInvalidFile = errors.New("wav is not valid")
)

// Sink saves rendered frames to wav file.
type Sink struct {
	path     string
	bitDepth signal.BitDepth
	channels int
	file     *os.File
	encoder  *wav.Encoder
	ib       *audio.IntBuffer
	clipped  signal.Float64
	frames   int
}

// NewSink creates wav file and its encoder.
func NewSink(path string, sampleRate, channels, bitDepth int) (*Sink, error) {
	if bitDepth != BitDepth16 && bitDepth != BitDepth32 {
		return nil, ErrUnsupportedBitDepth
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return &Sink{
		path:     path,
		bitDepth: signal.BitDepth(bitDepth),
		channels: channels,
		file:     f,
		encoder:  wav.NewEncoder(f, sampleRate, bitDepth, channels, pcm),
		ib: &audio.IntBuffer{
			Format: &audio.Format{
				NumChannels: channels,
				SampleRate:  sampleRate,
			},
			SourceBitDepth: bitDepth,
		},
		clipped: signal.EmptyFloat64(channels, worklet.FrameSize),
	}, nil
}

// Write interleaves and encodes the frame. Missing channels are written
// as copies of the last one. Samples are clipped to [-1, 1].
func (s *Sink) Write(b [][]float64) error {
	if len(b) == 0 {
		return nil
	}
	size := len(b[0])
	if s.clipped.Size() != size {
		s.clipped = signal.EmptyFloat64(s.channels, size)
	}
	for c := range s.clipped {
		src := b[len(b)-1]
		if c < len(b) {
			src = b[c]
		}
		for i, v := range src[:size] {
			s.clipped[c][i] = clip(v)
		}
	}
	s.ib.Data = s.clipped.AsInterInt(s.bitDepth)
	s.frames++
	return s.encoder.Write(s.ib)
}

// Frames returns number of written frames.
func (s *Sink) Frames() int {
	return s.frames
}

// Close flushes encoder and closes the file.
func (s *Sink) Close() error {
	if err := s.encoder.Close(); err != nil {
		s.file.Close()
		return fmt.Errorf("close %s: %w", s.path, err)
	}
	return s.file.Close()
}

func clip(v float64) float64 {
	switch {
	case v > 1:
		return 1
	case v < -1:
		return -1
	}
	return v
}

// Clip is a wav file decoded into memory. It's a processor that plays the
// file once, frame by frame, and renders silence after the end.
type Clip struct {
	SampleRate int
	data       signal.Float64
	pos        int
}

// Load decodes the whole file. Decoding happens on the control context.
func Load(path string) (*Clip, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	decoder := wav.NewDecoder(f)
	if !decoder.IsValidFile() {
		return nil, fmt.Errorf("%s: %w", path, ErrInvalidFile)
	}
	bitDepth := int(decoder.BitDepth)
	if bitDepth != BitDepth16 && bitDepth != BitDepth32 {
		return nil, ErrUnsupportedBitDepth
	}
	format := decoder.Format()
	channels := format.NumChannels
	ib := &audio.IntBuffer{
		Format:         format,
		Data:           make([]int, worklet.FrameSize*channels),
		SourceBitDepth: bitDepth,
	}
	var ints []int
	for {
		n, err := decoder.PCMBuffer(ib)
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("decode %s: %w", path, err)
		}
		ints = append(ints, ib.Data[:n]...)
		if n == 0 || err != nil {
			break
		}
	}
	data := signal.InterInt{
		Data:        ints,
		NumChannels: channels,
		BitDepth:    signal.BitDepth(bitDepth),
	}.AsFloat64()
	if data == nil {
		data = signal.EmptyFloat64(channels, 0)
	}
	return &Clip{
		SampleRate: int(decoder.SampleRate),
		data:       data,
	}, nil
}

// Channels returns number of channels of the clip.
func (c *Clip) Channels() int {
	return len(c.data)
}

// Len returns number of samples per channel.
func (c *Clip) Len() int {
	return c.data.Size()
}

// Process renders the next frame of the clip.
func (c *Clip) Process(b *worklet.Block) {
	for ch, out := range b.Outputs {
		var src []float64
		if len(c.data) > 0 {
			src = c.data[ch%len(c.data)]
		}
		n := 0
		if c.pos < len(src) {
			n = copy(out, src[c.pos:])
		}
		for i := n; i < len(out); i++ {
			out[i] = 0
		}
	}
	c.pos += worklet.FrameSize
}

// Done returns true if whole clip is played.
func (c *Clip) Done() bool {
	return c.pos >= c.Len()
}
