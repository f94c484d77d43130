package main

import (
	"context"
	"errors"
	"flag"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pipelined/worklet/config"
	"github.com/pipelined/worklet/wav"
)

type renderCommand struct {
	patch    string
	in       string
	out      string
	bitDepth int
	seconds  float64
}

func (cmd *renderCommand) Name() string {
	return "render"
}

func (cmd *renderCommand) Help() string {
	return "Render a patch to wav file"
}

func (cmd *renderCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&cmd.patch, "patch", "", "yaml patch configuration (defaults are used if empty)")
	fs.StringVar(&cmd.in, "in", "", "input wav file mixed into the patch, overrides patch value")
	fs.StringVar(&cmd.out, "out", "", "output wav file (required)")
	fs.IntVar(&cmd.bitDepth, "bits", wav.BitDepth16, "bit depth of output file: 16 or 32")
	fs.Float64Var(&cmd.seconds, "seconds", 0, "length of output in seconds, overrides patch value")
}

func (cmd *renderCommand) Validate() error {
	if cmd.out == "" {
		return errors.New("missing -out required flag")
	}
	if cmd.seconds < 0 {
		return fmt.Errorf("invalid -seconds value %v", cmd.seconds)
	}
	return nil
}

func (cmd *renderCommand) Run() error {
	if err := cmd.Validate(); err != nil {
		return err
	}
	cfg, err := loadConfig(cmd.patch)
	if err != nil {
		return err
	}
	if cmd.seconds > 0 {
		cfg.Seconds = cmd.seconds
	}
	if cmd.in != "" {
		cfg.Input = cmd.in
	}
	return render(context.Background(), cfg, cmd.out, cmd.bitDepth, prometheus.DefaultRegisterer)
}

func render(ctx context.Context, cfg config.Config, out string, bitDepth int, reg prometheus.Registerer) error {
	sink, err := wav.NewSink(out, cfg.SampleRate, cfg.Channels, bitDepth)
	if err != nil {
		return err
	}
	p, err := newPatch(ctx, cfg, reg)
	if err != nil {
		sink.Close()
		return err
	}
	err = p.engine.Run(ctx, sink, cfg.Frames())
	if closeErr := p.Close(ctx); err == nil {
		err = closeErr
	}
	if closeErr := sink.Close(); err == nil {
		err = closeErr
	}
	return err
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}
