// Package notify provides a payload-free broadcast signal.
//
// A Signal carries only "something changed". Waiters subscribe, block on the
// returned channel, and re-check whatever condition they care about after
// waking. Every waiter wakes on every broadcast.
package notify

import (
	"context"
	"sync"
)

// Signal is a broadcast-only notification primitive. The zero value is ready
// to use.
type Signal struct {
	mu sync.Mutex
	ch chan struct{}
}

// Subscribe returns a channel that is closed on the next Broadcast.
// Subscribing before checking state avoids missing a change that happens
// between the check and the wait.
func (s *Signal) Subscribe() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch == nil {
		s.ch = make(chan struct{})
	}
	return s.ch
}

// Broadcast wakes all current subscribers.
func (s *Signal) Broadcast() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ch != nil {
		close(s.ch)
		s.ch = nil
	}
}

// Wait blocks until ch is closed or ctx is done.
func Wait(ctx context.Context, ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
