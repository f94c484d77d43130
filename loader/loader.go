/*
Package loader fetches and compiles binary modules once per process.

Concurrent requests for the same module join a single in-flight load.
Successful results are memoized. Failures are delivered to every waiter of
the failing load and are not retried: the next Get starts a new load.
*/
package loader

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/pipelined/worklet"
	"github.com/pipelined/worklet/log"
	"github.com/pipelined/worklet/module"
)

// State of the loader.
type State int

const (
	// Idle loader has no result and no load in flight.
	Idle State = iota
	// Loading loader has a load in flight.
	Loading
	// Done loader holds compiled module.
	Done
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Loading:
		return "loading"
	case Done:
		return "done"
	}
	return "unknown"
}

// Compiler compiles module bytes.
type Compiler interface {
	Compile(context.Context, []byte) (module.Compiled, error)
}

// Loader produces compiled module from its source.
type Loader struct {
	src     Source
	c       Compiler
	logger  log.Logger
	timeout time.Duration
	group   singleflight.Group

	mu       sync.Mutex
	state    State
	compiled module.Compiled
	loads    int
}

// Option configures loader.
type Option func(*Loader)

// WithLogger sets loader logger.
func WithLogger(l log.Logger) Option {
	return func(ld *Loader) {
		ld.logger = l
	}
}

// WithTimeout bounds a single load. Loads are detached from callers, so
// this is the only way to abort a hanging fetch.
func WithTimeout(d time.Duration) Option {
	return func(ld *Loader) {
		ld.timeout = d
	}
}

// New returns loader of the module provided by src.
func New(src Source, c Compiler, opts ...Option) *Loader {
	l := Loader{
		src: src,
		c:   c,
	}
	for _, opt := range opts {
		opt(&l)
	}
	if l.logger == nil {
		l.logger = log.WithComponent(log.GetLogger(), "loader")
	}
	return &l
}

// Get returns compiled module. First call starts the load, concurrent calls
// join it. Context only bounds the wait of this caller: cancelled caller
// doesn't abort the load for others.
func (l *Loader) Get(ctx context.Context) (module.Compiled, error) {
	l.mu.Lock()
	if l.state == Done {
		c := l.compiled
		l.mu.Unlock()
		return c, nil
	}
	l.mu.Unlock()

	select {
	case r := <-l.group.DoChan("", l.load):
		if r.Err != nil {
			return nil, r.Err
		}
		return r.Val.(module.Compiled), nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Loader) load() (interface{}, error) {
	l.mu.Lock()
	if l.state == Done {
		c := l.compiled
		l.mu.Unlock()
		return c, nil
	}
	l.state = Loading
	l.loads++
	l.mu.Unlock()

	ctx := context.Background()
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}
	start := time.Now()
	c, err := l.fetchCompile(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err != nil {
		l.state = Idle
		l.logger.Warn("module load failed: ", err)
		return nil, err
	}
	l.state = Done
	l.compiled = c
	l.logger.Debug("module loaded in ", time.Since(start))
	return c, nil
}

func (l *Loader) fetchCompile(ctx context.Context) (module.Compiled, error) {
	b, err := l.src(ctx)
	if err != nil {
		return nil, err
	}
	return l.c.Compile(ctx, b)
}

// State returns current state of the loader.
func (l *Loader) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Loads returns number of started loads.
func (l *Loader) Loads() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loads
}

// Close releases compiled module. Instances created from it must be
// closed before.
func (l *Loader) Close(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != Done {
		return nil
	}
	l.state = Idle
	c := l.compiled
	l.compiled = nil
	return c.Close(ctx)
}

// Cache holds one loader per module key.
type Cache struct {
	c    Compiler
	opts []Option

	mu      sync.Mutex
	loaders map[string]*Loader
}

// NewCache returns empty cache. Options are applied to every loader.
func NewCache(c Compiler, opts ...Option) *Cache {
	return &Cache{
		c:       c,
		opts:    opts,
		loaders: map[string]*Loader{},
	}
}

// Loader returns loader for the key. Source is only used if the key is
// requested for the first time.
func (c *Cache) Loader(key string, src Source) *Loader {
	c.mu.Lock()
	defer c.mu.Unlock()
	if l, ok := c.loaders[key]; ok {
		return l
	}
	l := New(src, c.c, c.opts...)
	c.loaders[key] = l
	return l
}

// Close releases all compiled modules.
func (c *Cache) Close(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs worklet.Errors
	for key, l := range c.loaders {
		if err := l.Close(ctx); err != nil {
			errs = append(errs, err)
		}
		delete(c.loaders, key)
	}
	return errs.Ret()
}
