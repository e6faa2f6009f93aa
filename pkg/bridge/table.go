package bridge

import (
	"errors"
	"fmt"
	"sync"
)

// Handle is an opaque token given to the caller in place of a pointer.
// Low 32 bits hold slot index + 1, high 32 bits the slot generation. Zero is the null handle.
type Handle uint64

// NullHandle is the handle value that never refers to anything.
const NullHandle Handle = 0

// ErrNullHandle and ErrStaleHandle are returned for handles not resolving to a live value.
var (
	ErrNullHandle  = errors.New("null handle")
	ErrStaleHandle = errors.New("handle is not valid or was already destroyed")
)

// Table keeps live values addressed by handles. Removed slots are reused with a bumped
// generation, so an old handle never resolves to a newer value.
type Table[T any] struct {
	kind  string
	mu    sync.RWMutex
	slots []slot[T]
	free  []uint32
	live  int
}

type slot[T any] struct {
	val  T
	gen  uint32
	used bool
}

// NewTable makes an empty table, kind is used in error messages.
func NewTable[T any](kind string) *Table[T] {
	return &Table[T]{kind: kind}
}

// Insert stores v and returns its handle.
func (t *Table[T]) Insert(v T) Handle {
	t.mu.Lock()
	defer t.mu.Unlock()

	var idx uint32
	if n := len(t.free); n > 0 {
		idx = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		t.slots = append(t.slots, slot[T]{})
		idx = uint32(len(t.slots) - 1) //nolint:gosec // slot count is bounded by memory
	}
	s := &t.slots[idx]
	s.val, s.used = v, true
	t.live++
	return Handle(uint64(s.gen)<<32 | uint64(idx+1))
}

// Get returns the value for h.
func (t *Table[T]) Get(h Handle) (T, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, err := t.lookup(h)
	if err != nil {
		var zero T
		return zero, err
	}
	return s.val, nil
}

// Remove drops h from the table and returns the value it referred to.
func (t *Table[T]) Remove(h Handle) (T, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	var zero T
	s, err := t.lookup(h)
	if err != nil {
		return zero, err
	}
	v := s.val
	s.val, s.used = zero, false
	s.gen++
	t.free = append(t.free, uint32(h)-1) //nolint:gosec // low half of the handle is the index
	t.live--
	return v, nil
}

// Len returns the number of live handles.
func (t *Table[T]) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.live
}

func (t *Table[T]) lookup(h Handle) (*slot[T], error) {
	if h == NullHandle {
		return nil, fmt.Errorf("%s: %w", t.kind, ErrNullHandle)
	}
	idx := uint64(uint32(h)) //nolint:gosec // truncation is the decoding
	gen := uint32(uint64(h) >> 32) //nolint:gosec // high half is the generation
	if idx == 0 || idx > uint64(len(t.slots)) {
		return nil, fmt.Errorf("%s %#x: %w", t.kind, uint64(h), ErrStaleHandle)
	}
	s := &t.slots[idx-1]
	if !s.used || s.gen != gen {
		return nil, fmt.Errorf("%s %#x: %w", t.kind, uint64(h), ErrStaleHandle)
	}
	return s, nil
}
