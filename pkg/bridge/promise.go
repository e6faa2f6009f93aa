package bridge

import (
	"sync"
	"sync/atomic"
)

// Promise is a one-shot completion. The first Resolve, Reject or Settle delivers the outcome
// to the consumer function, every later call is ignored.
type Promise[T any] struct {
	once    sync.Once
	settled atomic.Bool
	fn      func(v T, err error)
}

// NewPromise makes a promise delivering its outcome to fn.
func NewPromise[T any](fn func(v T, err error)) *Promise[T] {
	return &Promise[T]{fn: fn}
}

// Resolve delivers a successful result. Returns false if the promise was already settled.
func (p *Promise[T]) Resolve(v T) bool {
	return p.Settle(v, nil)
}

// Reject delivers a failure. Returns false if the promise was already settled.
func (p *Promise[T]) Reject(err error) bool {
	var zero T
	return p.Settle(zero, err)
}

// Settle delivers either v or err, err wins if not nil.
func (p *Promise[T]) Settle(v T, err error) bool {
	delivered := false
	p.once.Do(func() {
		delivered = true
		p.settled.Store(true)
		if err != nil {
			var zero T
			v = zero
		}
		if p.fn != nil {
			p.fn(v, err)
		}
	})
	return delivered
}

// Settled reports whether an outcome was delivered.
func (p *Promise[T]) Settled() bool {
	return p.settled.Load()
}
