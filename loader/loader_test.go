package loader_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/pipelined/worklet/internal/mock"
	"github.com/pipelined/worklet/loader"
	"github.com/pipelined/worklet/module"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var errFetch = errors.New("fetch failed")

// gate blocks fetches until released and counts them.
type gate struct {
	release chan struct{}
	fetches int32
	err     error
}

func newGate(err error) *gate {
	return &gate{
		release: make(chan struct{}),
		err:     err,
	}
}

func (g *gate) source(ctx context.Context) ([]byte, error) {
	atomic.AddInt32(&g.fetches, 1)
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if g.err != nil {
		return nil, g.err
	}
	return []byte("module"), nil
}

func getAll(l *loader.Loader, n int) ([]module.Compiled, []error) {
	var wg sync.WaitGroup
	compiled := make([]module.Compiled, n)
	errs := make([]error, n)
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func(i int) {
			defer wg.Done()
			compiled[i], errs[i] = l.Get(context.Background())
		}(i)
	}
	wg.Wait()
	return compiled, errs
}

func TestSingleFlight(t *testing.T) {
	rt := mock.Runtime{}
	g := newGate(nil)
	l := loader.New(g.source, &rt)
	assert.Equal(t, loader.Idle, l.State())

	n := 16
	done := make(chan struct{})
	var compiled []module.Compiled
	var errs []error
	go func() {
		compiled, errs = getAll(l, n)
		close(done)
	}()
	// let all callers join the flight
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, loader.Loading, l.State())
	close(g.release)
	<-done

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Same(t, compiled[0], compiled[i])
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&g.fetches))
	assert.Equal(t, 1, rt.Compilations())
	assert.Equal(t, loader.Done, l.State())

	// memoized
	c, err := l.Get(context.Background())
	require.NoError(t, err)
	assert.Same(t, compiled[0], c)
	assert.Equal(t, 1, l.Loads())

	require.NoError(t, l.Close(context.Background()))
	assert.True(t, c.(*mock.Compiled).Closed)
	assert.Equal(t, loader.Idle, l.State())
}

func TestFailure(t *testing.T) {
	rt := mock.Runtime{}
	g := newGate(errFetch)
	l := loader.New(g.source, &rt)

	n := 8
	done := make(chan struct{})
	var errs []error
	go func() {
		_, errs = getAll(l, n)
		close(done)
	}()
	time.Sleep(50 * time.Millisecond)
	close(g.release)
	<-done

	for _, err := range errs {
		assert.ErrorIs(t, err, errFetch)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&g.fetches))
	assert.Equal(t, 0, rt.Compilations())
	assert.Equal(t, loader.Idle, l.State())

	// explicit retry starts a new load
	_, err := l.Get(context.Background())
	assert.ErrorIs(t, err, errFetch)
	assert.Equal(t, 2, l.Loads())
}

func TestCompileFailure(t *testing.T) {
	rt := mock.Runtime{ErrorOnCompile: mock.ErrCompile}
	l := loader.New(loader.Bytes([]byte{0}), &rt)
	_, err := l.Get(context.Background())
	assert.ErrorIs(t, err, mock.ErrCompile)

	rt.ErrorOnCompile = nil
	c, err := l.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.Equal(t, 2, rt.Compilations())
}

func TestCallerCancel(t *testing.T) {
	rt := mock.Runtime{Delay: 50 * time.Millisecond}
	l := loader.New(loader.Bytes([]byte{0}), &rt)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.Get(ctx)
	assert.ErrorIs(t, err, context.Canceled)

	// cancelled caller didn't abort the load
	c, err := l.Get(context.Background())
	require.NoError(t, err)
	assert.NotNil(t, c)
	assert.Equal(t, 1, rt.Compilations())
}

func TestTimeout(t *testing.T) {
	g := newGate(nil)
	l := loader.New(g.source, &mock.Runtime{}, loader.WithTimeout(10*time.Millisecond))
	_, err := l.Get(context.Background())
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, loader.Idle, l.State())
}

func TestSources(t *testing.T) {
	ctx := context.Background()
	content := []byte("module bytes")

	path := filepath.Join(t.TempDir(), "module.wasm")
	require.NoError(t, os.WriteFile(path, content, 0o644))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/module.wasm" {
			http.NotFound(w, r)
			return
		}
		w.Write(content)
	}))
	defer server.Close()

	tests := []struct {
		name     string
		src      loader.Source
		expected []byte
		err      bool
	}{
		{name: "bytes", src: loader.Bytes(content), expected: content},
		{name: "file", src: loader.File(path), expected: content},
		{name: "missing file", src: loader.File(path + ".missing"), err: true},
		{name: "http", src: loader.HTTP(server.URL+"/module.wasm", server.Client()), expected: content},
		{name: "http not found", src: loader.HTTP(server.URL+"/missing.wasm", server.Client()), err: true},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			b, err := test.src(ctx)
			if test.err {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, b)
		})
	}
}

func TestCache(t *testing.T) {
	rt := mock.Runtime{}
	c := loader.NewCache(&rt)
	a := c.Loader("a", loader.Bytes([]byte{1}))
	assert.Same(t, a, c.Loader("a", loader.Bytes([]byte{2})))
	b := c.Loader("b", loader.Bytes([]byte{2}))
	assert.NotSame(t, a, b)

	ca, err := a.Get(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte{1}, ca.(*mock.Compiled).Bytes)

	require.NoError(t, c.Close(context.Background()))
	assert.True(t, ca.(*mock.Compiled).Closed)
}
