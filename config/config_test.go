package config_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pipelined/worklet/config"
)

func TestDecode(t *testing.T) {
	in := `
sample_rate: 48000
tempo: 90
smoothing: 0.9
quantize:
  interval: 0.25
  mode: floor
modules:
  - name: quantizer
    path: ./quantizer.wasm
notes:
  - beat: 0
    length: 1
    note: 60
    frequency: 261.63
`
	c, err := config.Decode(strings.NewReader(in))
	require.NoError(t, err)
	assert.Equal(t, 48000, c.SampleRate)
	assert.Equal(t, 90.0, c.Tempo)
	assert.Equal(t, config.DefaultPoolSize, c.PoolSize)
	assert.Equal(t, 128, c.FrameSize)
	assert.Equal(t, "floor", c.Quantize.Mode)
	require.Len(t, c.Modules, 1)
	assert.Equal(t, "./quantizer.wasm", c.Modules[0].Path)
	require.Len(t, c.Notes, 1)
	assert.Equal(t, 60, c.Notes[0].Note)
	assert.Equal(t, 1500, c.Frames())
}

func TestDecodeEmpty(t *testing.T) {
	c, err := config.Decode(strings.NewReader(""))
	require.NoError(t, err)
	assert.Equal(t, config.Default(), c)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{name: "frame size", in: "frame_size: 256"},
		{name: "sample rate", in: "sample_rate: -1"},
		{name: "tempo", in: "tempo: 0"},
		{name: "pool size", in: "pool_size: 0"},
		{name: "smoothing", in: "smoothing: 1"},
		{name: "quantize mode", in: "quantize: {mode: nearest}"},
		{name: "module source", in: "modules: [{name: a}]"},
		{name: "two module sources", in: "modules: [{name: a, url: 'http://x', path: a.wasm}]"},
		{name: "note length", in: "notes: [{beat: 1, note: 60}]"},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			_, err := config.Decode(strings.NewReader(test.in))
			assert.ErrorIs(t, err, config.ErrInvalid)
		})
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := config.Decode(strings.NewReader("sample_rate: [1"))
	assert.Error(t, err)
}
