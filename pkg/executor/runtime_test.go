package executor

import (
	"errors"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/umputun/qbridge/pkg/bridge"
)

func TestNew(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		r, err := New(Options{})
		require.NoError(t, err)
		defer r.Shutdown(time.Second) //nolint:errcheck // test cleanup
		assert.Equal(t, runtime.GOMAXPROCS(0), r.Workers())
		assert.Equal(t, DefaultMaxBlocking, r.MaxBlocking())
		assert.NotNil(t, r.Registry())
	})

	t.Run("explicit sizes", func(t *testing.T) {
		r, err := New(Options{WorkerThreads: 3, MaxBlockingThreads: 5})
		require.NoError(t, err)
		defer r.Shutdown(time.Second) //nolint:errcheck // test cleanup
		assert.Equal(t, 3, r.Workers())
		assert.Equal(t, 5, r.MaxBlocking())
	})

	t.Run("negative sizes", func(t *testing.T) {
		_, err := New(Options{WorkerThreads: -1})
		assert.Error(t, err)
	})

	t.Run("shared registerer", func(t *testing.T) {
		reg := prometheus.NewRegistry()
		r1, err := New(Options{Registerer: reg})
		require.NoError(t, err)
		r2, err := New(Options{Registerer: reg})
		require.NoError(t, err)
		assert.Nil(t, r1.Registry())
		require.NoError(t, r1.Shutdown(time.Second))
		require.NoError(t, r2.Shutdown(time.Second))
	})
}

func TestRuntime_Spawn(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	r, err := New(Options{WorkerThreads: 2})
	require.NoError(t, err)

	var done int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		err := r.Spawn("test", func() error {
			defer wg.Done()
			atomic.AddInt32(&done, 1)
			return nil
		})
		require.NoError(t, err)
	}
	wg.Wait()
	assert.Equal(t, int32(20), atomic.LoadInt32(&done))
	require.NoError(t, r.Shutdown(time.Second))
	assert.True(t, r.Closed())
}

func TestRuntime_SpawnNeverBlocks(t *testing.T) {
	r, err := New(Options{WorkerThreads: 1})
	require.NoError(t, err)

	release := make(chan struct{})
	st := time.Now()
	for i := 0; i < 10; i++ {
		require.NoError(t, r.Spawn("slow", func() error { <-release; return nil }))
	}
	assert.Less(t, time.Since(st), time.Second, "submits returned without waiting for workers")
	close(release)
	require.NoError(t, r.Shutdown(5*time.Second))
}

func TestRuntime_WorkerLimit(t *testing.T) {
	r, err := New(Options{WorkerThreads: 2})
	require.NoError(t, err)

	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, r.Spawn("limited", func() error {
			defer wg.Done()
			n := atomic.AddInt32(&active, 1)
			for {
				p := atomic.LoadInt32(&peak)
				if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
					break
				}
			}
			time.Sleep(10 * time.Millisecond)
			atomic.AddInt32(&active, -1)
			return nil
		}))
	}
	wg.Wait()
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))
	require.NoError(t, r.Shutdown(time.Second))
}

func TestRuntime_SpawnAfterShutdown(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)
	require.NoError(t, r.Shutdown(time.Second))

	err = r.Spawn("late", func() error { return nil })
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, r.Shutdown(time.Second), ErrClosed)
}

func TestRuntime_ShutdownTimeout(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)

	release := make(chan struct{})
	defer close(release)
	require.NoError(t, r.Spawn("stuck", func() error { <-release; return nil }))

	err = r.Shutdown(50 * time.Millisecond)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
}

func TestRuntime_ShutdownNoWait(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)

	release := make(chan struct{})
	defer close(release)
	started := make(chan struct{})
	require.NoError(t, r.Spawn("stuck", func() error { close(started); <-release; return nil }))
	<-started

	st := time.Now()
	err = r.Shutdown(0)
	assert.ErrorIs(t, err, ErrShutdownTimeout)
	assert.Less(t, time.Since(st), 500*time.Millisecond)
	assert.ErrorIs(t, r.Spawn("late", func() error { return nil }), ErrClosed)
}

func TestRuntime_ShutdownNoWaitIdle(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)
	assert.NoError(t, r.Shutdown(0))
	assert.True(t, r.Closed())
}

func TestRuntime_PanicContained(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)

	done := make(chan struct{})
	require.NoError(t, r.Spawn("boom", func() error {
		defer close(done)
		panic("task failure")
	}))
	<-done

	// runtime keeps serving after a panic
	var wg sync.WaitGroup
	wg.Add(1)
	require.NoError(t, r.Spawn("after", func() error { wg.Done(); return nil }))
	wg.Wait()
	require.NoError(t, r.Shutdown(time.Second))

	assert.InDelta(t, 1, testutil.ToFloat64(r.metrics.panicked.WithLabelValues("boom")), 0)
	assert.InDelta(t, 1, testutil.ToFloat64(r.metrics.completed.WithLabelValues("after")), 0)
	assert.InDelta(t, 0, testutil.ToFloat64(r.metrics.inflight), 0)
}

func TestSubmit(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)
	defer r.Shutdown(time.Second) //nolint:errcheck // test cleanup

	type outcome struct {
		v   int
		err error
	}
	run := func(fn func() (int, error)) outcome {
		ch := make(chan outcome, 2)
		p := bridge.NewPromise(func(v int, err error) { ch <- outcome{v, err} })
		require.NoError(t, Submit(r, "submit", p, fn))
		res := <-ch
		select {
		case <-ch:
			t.Fatal("promise settled twice")
		case <-time.After(20 * time.Millisecond):
		}
		return res
	}

	res := run(func() (int, error) { return 42, nil })
	assert.Equal(t, 42, res.v)
	assert.NoError(t, res.err)

	res = run(func() (int, error) { return 0, errors.New("failed") })
	assert.EqualError(t, res.err, "failed")

	res = run(func() (int, error) { panic("inside") })
	assert.Equal(t, bridge.CodePanic, bridge.CodeOf(res.err, bridge.CodeOk))
}

func TestSubmit_Closed(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)
	require.NoError(t, r.Shutdown(time.Second))

	p := bridge.NewPromise(func(int, error) { t.Fatal("must not be called") })
	err = Submit(r, "closed", p, func() (int, error) { return 1, nil })
	assert.ErrorIs(t, err, ErrClosed)
	assert.False(t, p.Settled())
}

func TestRuntime_Blocking(t *testing.T) {
	r, err := New(Options{MaxBlockingThreads: 1})
	require.NoError(t, err)
	defer r.Shutdown(time.Second) //nolint:errcheck // test cleanup

	var active, peak int32
	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.Blocking(func() error {
				n := atomic.AddInt32(&active, 1)
				if n > atomic.LoadInt32(&peak) {
					atomic.StoreInt32(&peak, n)
				}
				time.Sleep(5 * time.Millisecond)
				atomic.AddInt32(&active, -1)
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), atomic.LoadInt32(&peak))
	assert.EqualError(t, r.Blocking(func() error { return errors.New("io") }), "io")
}

func TestRuntime_Attach(t *testing.T) {
	r, err := New(Options{})
	require.NoError(t, err)
	r.Attach()
	r.Attach()
	r.Detach()
	assert.Equal(t, int64(1), r.Attached())
	require.NoError(t, r.Shutdown(time.Second))
}
