package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pipelined/worklet/portaudio"
)

type playCommand struct {
	patch string
}

func (cmd *playCommand) Name() string {
	return "play"
}

func (cmd *playCommand) Help() string {
	return "Play a patch on the default output device"
}

func (cmd *playCommand) Register(fs *flag.FlagSet) {
	fs.StringVar(&cmd.patch, "patch", "", "yaml patch configuration (defaults are used if empty)")
}

func (cmd *playCommand) Run() error {
	cfg, err := loadConfig(cmd.patch)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	p, err := newPatch(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	s, err := portaudio.Open(p.engine, cfg.SampleRate, cfg.Channels)
	if err != nil {
		p.Close(context.Background())
		return err
	}
	if err := s.Start(); err != nil {
		s.Close()
		p.Close(context.Background())
		return err
	}

	// zero seconds plays until interrupted
	var timeout <-chan time.Time
	if cfg.Seconds > 0 {
		timeout = time.After(time.Duration(cfg.Seconds * float64(time.Second)))
	}
	select {
	case <-ctx.Done():
	case <-timeout:
	}

	err = s.Close()
	if closeErr := p.Close(context.Background()); err == nil {
		err = closeErr
	}
	return err
}
