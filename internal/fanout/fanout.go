// Package fanout holds listener sets that may be mutated while they are
// being notified.
package fanout

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// Set is a copy-on-write collection of listeners. Each mutation publishes a
// fresh slice, so a notification pass always walks one consistent snapshot
// and never observes a half-applied Add or Remove.
//
// Listeners are matched by ==, so they should be pointers. When T is an
// interface type, a listener whose dynamic type is not comparable can be
// added and notified but never removed.
type Set[T comparable] struct {
	mu   sync.Mutex // serializes writers only
	snap atomic.Pointer[[]T]
}

// Add registers l. Adding a listener twice registers it twice.
func (s *Set[T]) Add(l T) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Snapshot()
	next := make([]T, len(cur), len(cur)+1)
	copy(next, cur)
	next = append(next, l)
	s.snap.Store(&next)
}

// Remove unregisters the first occurrence of l and reports whether it was present.
func (s *Set[T]) Remove(l T) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.Snapshot()
	for i, existing := range cur {
		if !same(existing, l) {
			continue
		}
		next := make([]T, 0, len(cur)-1)
		next = append(next, cur[:i]...)
		next = append(next, cur[i+1:]...)
		s.snap.Store(&next)
		return true
	}
	return false
}

// same compares by ==, treating the runtime panic raised for non-comparable
// dynamic types as a mismatch.
func same[T comparable](a, b T) (eq bool) {
	defer func() {
		if recover() != nil {
			eq = false
		}
	}()
	return a == b
}

// Snapshot returns the current listeners. The slice must not be modified.
func (s *Set[T]) Snapshot() []T {
	if p := s.snap.Load(); p != nil {
		return *p
	}
	return nil
}

// Len returns the number of registered listeners.
func (s *Set[T]) Len() int {
	return len(s.Snapshot())
}

// Each calls fn for every listener in the current snapshot. A panic raised by
// fn is recovered and logged under event, and delivery continues with the
// next listener.
func (s *Set[T]) Each(logger *slog.Logger, event string, fn func(T)) {
	for _, l := range s.Snapshot() {
		Call(logger, event, func() { fn(l) })
	}
}

// Call runs fn inside its own failure boundary.
func Call(logger *slog.Logger, event string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			if logger == nil {
				logger = slog.Default()
			}
			logger.Error("listener failed", "event", event, "error", fmt.Sprint(r))
		}
	}()
	fn()
}
