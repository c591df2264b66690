// Package window provides a fixed-capacity FIFO used as the eviction primitive
// for the forest slot schedule and the anomaly voting window.
package window

import (
	"errors"
	"strconv"
)

var (
	// ErrBufferOverflow is returned by Put on a window that is already full.
	ErrBufferOverflow = errors.New("window: buffer overflow")
	// ErrEmptyBuffer is returned by Get and Peek on an empty window.
	ErrEmptyBuffer = errors.New("window: empty buffer")
	// ErrUnbounded is returned by Full on a window created with capacity 0.
	ErrUnbounded = errors.New("window: unbounded window has no full state")
)

// Bounded is a FIFO of at most Cap items. A capacity of 0 means unbounded.
// It is not safe for concurrent use.
type Bounded[T any] struct {
	capacity int
	items    []T
}

// New creates a window holding at most capacity items.
func New[T any](capacity int) *Bounded[T] {
	if capacity < 0 {
		capacity = 0
	}
	return &Bounded[T]{
		capacity: capacity,
		items:    make([]T, 0, capacity),
	}
}

// From creates a window pre-filled with items, oldest first.
func From[T any](capacity int, items []T) (*Bounded[T], error) {
	w := New[T](capacity)
	for _, it := range items {
		if err := w.Put(it); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// Put appends item as the newest element.
func (w *Bounded[T]) Put(item T) error {
	if w.capacity != 0 && len(w.items) >= w.capacity {
		return ErrBufferOverflow
	}
	w.items = append(w.items, item)
	return nil
}

// Get removes and returns the oldest element.
func (w *Bounded[T]) Get() (T, error) {
	var zero T
	if len(w.items) == 0 {
		return zero, ErrEmptyBuffer
	}
	item := w.items[0]
	w.items[0] = zero
	w.items = w.items[1:]
	return item, nil
}

// Peek returns the oldest element without removing it.
func (w *Bounded[T]) Peek() (T, error) {
	var zero T
	if len(w.items) == 0 {
		return zero, ErrEmptyBuffer
	}
	return w.items[0], nil
}

// Last returns the newest element.
func (w *Bounded[T]) Last() (T, error) {
	var zero T
	if len(w.items) == 0 {
		return zero, ErrEmptyBuffer
	}
	return w.items[len(w.items)-1], nil
}

// Full reports whether the window holds Cap items.
func (w *Bounded[T]) Full() (bool, error) {
	if w.capacity == 0 {
		return false, ErrUnbounded
	}
	return len(w.items) >= w.capacity, nil
}

// Empty reports whether the window holds no items.
func (w *Bounded[T]) Empty() bool {
	return len(w.items) == 0
}

// Len returns the number of items held.
func (w *Bounded[T]) Len() int {
	return len(w.items)
}

// Cap returns the configured capacity.
func (w *Bounded[T]) Cap() int {
	return w.capacity
}

// Items returns a copy of the held items, oldest first.
func (w *Bounded[T]) Items() []T {
	out := make([]T, len(w.items))
	copy(out, w.items)
	return out
}

// Clear drops every item.
func (w *Bounded[T]) Clear() {
	clear(w.items)
	w.items = w.items[:0]
}

// Status returns "full", "empty" or the current length.
func (w *Bounded[T]) Status() string {
	if full, err := w.Full(); err == nil && full {
		return "full"
	}
	if w.Empty() {
		return "empty"
	}
	return strconv.Itoa(len(w.items))
}
