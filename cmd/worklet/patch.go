package main

import (
	"context"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/pipelined/worklet"
	"github.com/pipelined/worklet/config"
	"github.com/pipelined/worklet/engine"
	"github.com/pipelined/worklet/loader"
	"github.com/pipelined/worklet/log"
	"github.com/pipelined/worklet/metric"
	"github.com/pipelined/worklet/module"
	"github.com/pipelined/worklet/node"
	"github.com/pipelined/worklet/processor"
	"github.com/pipelined/worklet/schedule"
	"github.com/pipelined/worklet/voice"
	"github.com/pipelined/worklet/wav"
)

// patch is the graph described by configuration:
// voices (+ input) -> smooth -> quantize -> modules... -> output.
type patch struct {
	cfg     config.Config
	logger  log.Logger
	engine  *engine.Engine
	runtime *module.Runtime
	cache   *loader.Cache
	bridge  *schedule.Bridge
	bank    *voice.Bank

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newPatch(ctx context.Context, cfg config.Config, reg prometheus.Registerer) (*patch, error) {
	faults, err := metric.NewFaults(reg)
	if err != nil {
		return nil, err
	}
	logger := log.GetLogger()
	e, err := engine.New(cfg, engine.WithFaults(faults))
	if err != nil {
		return nil, err
	}
	rt, err := module.NewRuntime(ctx)
	if err != nil {
		return nil, err
	}
	p := patch{
		cfg:     cfg,
		logger:  logger,
		engine:  e,
		runtime: rt,
		cache:   loader.NewCache(rt),
		bridge:  schedule.NewBridge(),
	}
	ctx, p.cancel = context.WithCancel(ctx)
	if err := p.build(ctx, faults); err != nil {
		p.Close(context.Background())
		return nil, err
	}
	return &p, nil
}

func (p *patch) add(n *node.Node, destination bool) error {
	if err := p.engine.Add(n, destination); err != nil {
		n.Close(context.Background())
		return err
	}
	return nil
}

func (p *patch) build(ctx context.Context, faults *metric.Faults) error {
	opts := func(name string) []node.Option {
		return []node.Option{
			node.WithName(name),
			node.WithMeter(p.cfg.SampleRate),
			node.WithFaults(faults),
		}
	}

	sched := node.New(schedule.NewProcessor(), opts("scheduler")...)
	if err := p.add(sched, false); err != nil {
		return err
	}
	voices := node.New(voice.NewProcessor(p.cfg.PoolSize), opts("voices")...)
	if err := p.add(voices, false); err != nil {
		return err
	}
	p.bank = voice.NewBank(voices, p.cfg.PoolSize, voice.WithFaults(faults))

	// input is rendered before smooth reads it
	var sources []*node.Node
	if p.cfg.Input != "" {
		clip, err := wav.Load(p.cfg.Input)
		if err != nil {
			return err
		}
		if clip.SampleRate != p.cfg.SampleRate {
			p.logger.Warn("input sample rate ", clip.SampleRate, " differs from ", p.cfg.SampleRate)
		}
		input := node.New(clip, opts("input")...)
		if err := p.add(input, false); err != nil {
			return err
		}
		sources = append(sources, input)
	}

	smooth := node.New(processor.NewSmooth(p.cfg.Smoothing, processor.WithFaults(faults)), opts("smooth")...)
	if err := p.add(smooth, false); err != nil {
		return err
	}
	mode := processor.Round
	if p.cfg.Quantize.Mode != "" {
		m, err := processor.ParseQuantizeMode(p.cfg.Quantize.Mode)
		if err != nil {
			return err
		}
		mode = m
	}
	quantize := node.New(processor.NewQuantize(processor.QuantizeState{
		Interval: p.cfg.Quantize.Interval,
		Mode:     mode,
	}), opts("quantize")...)
	if err := p.add(quantize, len(p.cfg.Modules) == 0); err != nil {
		return err
	}

	chain := []*node.Node{voices, smooth, quantize}
	for i, m := range p.cfg.Modules {
		src := loader.File(m.Path)
		if m.URL != "" {
			src = loader.HTTP(m.URL, nil)
		}
		n := node.New(
			processor.NewWasm(nil, processor.WithFaults(faults)),
			append(opts(m.Name), node.WithLoader(p.cache.Loader(m.Name, src), p.runtime), node.WithPassthrough())...,
		)
		if err := p.add(n, i == len(p.cfg.Modules)-1); err != nil {
			return err
		}
		chain = append(chain, n)
		p.listen(ctx, n)
	}
	for _, src := range sources {
		if err := p.engine.Connect(src, smooth); err != nil {
			return err
		}
	}
	for i := 1; i < len(chain); i++ {
		if err := p.engine.Connect(chain[i-1], chain[i]); err != nil {
			return err
		}
	}

	if err := p.bridge.Attach(sched, p.engine); err != nil {
		return err
	}
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.bridge.Dispatch(ctx, sched.Events())
	}()
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		p.engine.Reap(ctx)
	}()
	p.sequence()
	return nil
}

// listen plays notes reported by module node.
func (p *patch) listen(ctx context.Context, n *node.Node) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.bank.Listen(ctx, n.Events()); err != nil && ctx.Err() == nil {
			p.logger.Error("listen ", n.Name(), ": ", err)
		}
	}()
}

// sequence schedules configured notes and starts the transport.
func (p *patch) sequence() {
	p.bridge.SetTempo(p.cfg.Tempo)
	for _, n := range p.cfg.Notes {
		n := n
		freq := n.Frequency
		if freq == 0 {
			freq = voice.Frequency(n.Note)
		}
		p.bridge.ScheduleEventBeats(n.Beat, func() {
			if _, ok := p.bank.NoteOn(n.Note, freq); !ok {
				p.logger.Warn("note ", n.Note, " dropped: no free voice")
			}
		})
		p.bridge.ScheduleEventBeats(n.Beat+n.Length, func() {
			p.bank.NoteOff(n.Note)
		})
	}
	p.bridge.OnStop(p.bank.AllOff)
	p.bridge.Start(0)
}

// Close stops control goroutines and releases nodes and modules.
func (p *patch) Close(ctx context.Context) error {
	p.cancel()
	var errs worklet.Errors
	if err := p.engine.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	p.wg.Wait()
	if err := p.cache.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := p.runtime.Close(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errs.Ret(); err != nil {
		return fmt.Errorf("close patch: %w", err)
	}
	return nil
}
