// Package executor provides the background runtime every asynchronous bridge operation runs on.
// A Runtime is a shared goroutine pool with limits on concurrently running tasks and on
// concurrently running blocking file operations. Submitting never blocks the caller.
package executor

import (
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-pkgz/syncs"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/umputun/qbridge/pkg/bridge"
)

// DefaultMaxBlocking is the limit of concurrent blocking operations used when none is set.
const DefaultMaxBlocking = 512

// ErrClosed is returned when work is submitted to a runtime that was shut down.
var ErrClosed = errors.New("runtime is shut down")

// ErrShutdownTimeout is returned by Shutdown when in-flight tasks did not finish in time.
var ErrShutdownTimeout = errors.New("runtime shutdown timed out")

// Options defines runtime sizing. Zero values pick defaults.
type Options struct {
	WorkerThreads      int                   // max concurrently running tasks, GOMAXPROCS if 0
	MaxBlockingThreads int                   // max concurrent blocking operations, DefaultMaxBlocking if 0
	Registerer         prometheus.Registerer // metrics registry, private registry if nil
}

// Runtime executes tasks on a goroutine pool.
type Runtime struct {
	workers  int
	blocking int

	pool      *ants.Pool
	workerSem syncs.Locker
	blockSem  syncs.Locker
	metrics   *metrics
	registry  *prometheus.Registry

	mu       sync.RWMutex
	closed   bool
	attached atomic.Int64
	pending  atomic.Int64 // submitted and not finished tasks
}

// New makes a runtime with given options.
func New(opts Options) (*Runtime, error) {
	if opts.WorkerThreads < 0 || opts.MaxBlockingThreads < 0 {
		return nil, fmt.Errorf("invalid runtime sizes, workers %d, blocking %d", opts.WorkerThreads, opts.MaxBlockingThreads)
	}
	res := &Runtime{workers: opts.WorkerThreads, blocking: opts.MaxBlockingThreads}
	if res.workers == 0 {
		res.workers = runtime.GOMAXPROCS(0)
	}
	if res.blocking == 0 {
		res.blocking = DefaultMaxBlocking
	}

	reg := opts.Registerer
	if reg == nil {
		res.registry = prometheus.NewRegistry()
		reg = res.registry
	}
	m, err := newMetrics(reg)
	if err != nil {
		return nil, fmt.Errorf("can't register runtime metrics: %w", err)
	}
	res.metrics = m

	// pool itself is unbounded so Submit never waits for a free worker, the semaphore limits running tasks
	pool, err := ants.NewPool(-1, ants.WithPanicHandler(res.onPoolPanic), ants.WithLogger(poolLogger{}))
	if err != nil {
		return nil, fmt.Errorf("can't make task pool: %w", err)
	}
	res.pool = pool
	res.workerSem = syncs.NewSemaphore(res.workers)
	res.blockSem = syncs.NewSemaphore(res.blocking)
	log.Printf("[DEBUG] runtime started, workers: %d, max blocking: %d", res.workers, res.blocking)
	return res, nil
}

// Spawn submits fn as an independent task and returns immediately.
// A panic inside fn is contained and counted, it never reaches the pool.
func (r *Runtime) Spawn(name string, fn func() error) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("can't spawn %s: %w", name, ErrClosed)
	}

	r.metrics.spawned.WithLabelValues(name).Inc()
	r.metrics.inflight.Inc()
	r.pending.Add(1)
	err := r.pool.Submit(func() {
		defer r.pending.Add(-1)
		defer r.metrics.inflight.Dec()
		r.workerSem.Lock()
		defer r.workerSem.Unlock()

		st := time.Now()
		err := bridge.Contain(fn)
		switch {
		case bridge.CodeOf(err, bridge.CodeOk) == bridge.CodePanic:
			r.metrics.panicked.WithLabelValues(name).Inc()
			log.Printf("[WARN] task %s panicked: %v", name, err)
		case err != nil:
			r.metrics.completed.WithLabelValues(name).Inc()
			log.Printf("[DEBUG] task %s failed in %v: %v", name, time.Since(st), err)
		default:
			r.metrics.completed.WithLabelValues(name).Inc()
			log.Printf("[DEBUG] task %s completed in %v", name, time.Since(st))
		}
	})
	if err != nil {
		r.metrics.inflight.Dec()
		r.pending.Add(-1)
		return fmt.Errorf("can't submit %s: %w", name, err)
	}
	return nil
}

// Submit runs fn on the runtime and settles p with its outcome. A panic in fn rejects p with
// a panic error. If the task can't be spawned the error is returned and p stays untouched.
func Submit[T any](r *Runtime, name string, p *bridge.Promise[T], fn func() (T, error)) error {
	return r.Spawn(name, func() error {
		v, err := bridge.ContainValue(fn)
		p.Settle(v, err)
		return err
	})
}

// Blocking runs fn holding a slot of the blocking operations limit.
func (r *Runtime) Blocking(fn func() error) error {
	r.blockSem.Lock()
	defer r.blockSem.Unlock()
	return fn()
}

// Attach registers a handle depending on the runtime, Detach releases it.
func (r *Runtime) Attach() { r.attached.Add(1) }

// Detach is the counterpart of Attach.
func (r *Runtime) Detach() { r.attached.Add(-1) }

// Attached returns the number of handles still depending on the runtime.
func (r *Runtime) Attached() int64 { return r.attached.Load() }

// Closed reports whether Shutdown was called.
func (r *Runtime) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

// Workers returns the effective worker limit.
func (r *Runtime) Workers() int { return r.workers }

// MaxBlocking returns the effective blocking operations limit.
func (r *Runtime) MaxBlocking() int { return r.blocking }

// Running returns the number of tasks currently submitted and not finished.
func (r *Runtime) Running() int { return r.pool.Running() }

// Registry returns the private metrics registry, nil if an external registerer was used.
func (r *Runtime) Registry() *prometheus.Registry { return r.registry }

// Shutdown stops accepting tasks and waits up to timeout for in-flight ones, zero timeout
// doesn't wait at all. Tasks still running after the timeout are abandoned, not cancelled.
func (r *Runtime) Shutdown(timeout time.Duration) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	r.closed = true
	r.mu.Unlock()

	if n := r.attached.Load(); n > 0 {
		log.Printf("[WARN] runtime shutdown with %d attached handles", n)
	}
	if timeout <= 0 {
		r.pool.Release()
		if n := r.pending.Load(); n > 0 {
			log.Printf("[WARN] runtime shutdown without waiting, %d tasks abandoned", n)
			return fmt.Errorf("%w, %d tasks abandoned", ErrShutdownTimeout, n)
		}
		return nil
	}

	st := time.Now()
	if err := r.pool.ReleaseTimeout(timeout); err != nil {
		if errors.Is(err, ants.ErrTimeout) {
			log.Printf("[WARN] runtime shutdown timed out after %v, %d tasks abandoned", timeout, r.pending.Load())
			return fmt.Errorf("%w after %v", ErrShutdownTimeout, timeout)
		}
		return fmt.Errorf("can't release task pool: %w", err)
	}
	log.Printf("[DEBUG] runtime stopped in %v", time.Since(st))
	return nil
}

func (r *Runtime) onPoolPanic(v any) {
	log.Printf("[ERROR] uncontained panic in task pool: %v", v)
}
