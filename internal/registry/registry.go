// Package registry holds the stream table shared between the client-facing
// and tunnel-facing sides of the adapter and the dispatcher.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/samelat/bogeyman/internal/domain"
)

var (
	ErrDuplicate = errors.New("registry: stream id already registered")
	ErrNotFound  = errors.New("registry: stream not found")
	ErrClosed    = errors.New("registry: closed")
	ErrTimeout   = errors.New("registry: timed out waiting for status")
)

// Entry is one registered stream. Handle is owned by whoever registered it.
type Entry[H any] struct {
	ID      uint32
	Handle  H
	Created time.Time

	status   int
	resolved chan struct{}
	// writeMu orders payload writes against the terminal transition.
	writeMu sync.Mutex
	closed  bool
}

// Registry maps stream ids to entries. All methods are safe for concurrent use.
type Registry[H any] struct {
	mu      sync.Mutex
	streams map[uint32]*Entry[H]
	running bool
	done    chan struct{}
}

func New[H any]() *Registry[H] {
	return &Registry[H]{
		streams: make(map[uint32]*Entry[H]),
		running: true,
		done:    make(chan struct{}),
	}
}

// Register adds a pending stream.
func (r *Registry[H]) Register(id uint32, handle H) (*Entry[H], error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return nil, ErrClosed
	}
	if _, ok := r.streams[id]; ok {
		return nil, fmt.Errorf("stream %d: %w", id, ErrDuplicate)
	}
	e := &Entry[H]{
		ID:       id,
		Handle:   handle,
		Created:  time.Now(),
		status:   domain.StatusPending,
		resolved: make(chan struct{}),
	}
	r.streams[id] = e
	return e, nil
}

func (r *Registry[H]) Get(id uint32) (*Entry[H], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.streams[id]
	return e, ok
}

func (r *Registry[H]) Status(id uint32) (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.streams[id]
	if !ok {
		return 0, false
	}
	return e.status, true
}

// Resolve moves a pending stream to status and wakes its waiter. Only the
// first transition out of pending is applied; later calls return false.
func (r *Registry[H]) Resolve(id uint32, status int) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.streams[id]
	if !ok || e.status != domain.StatusPending {
		return false
	}
	e.status = status
	close(e.resolved)
	return true
}

// Terminate marks the stream disconnected and waits out any write in
// progress, so nothing is written through the handle once it returns. The
// entry stays registered until Remove. It reports false if the stream is
// unknown or already terminated.
func (r *Registry[H]) Terminate(id uint32) (*Entry[H], bool) {
	r.mu.Lock()
	e, ok := r.streams[id]
	if !ok || e.status == domain.StatusDisconnected {
		r.mu.Unlock()
		return nil, false
	}
	if e.status == domain.StatusPending {
		close(e.resolved)
	}
	e.status = domain.StatusDisconnected
	r.mu.Unlock()

	e.writeMu.Lock()
	e.closed = true
	e.writeMu.Unlock()
	return e, true
}

// Write runs fn with the stream's handle if the stream is established. fn
// never overlaps Terminate for the same stream.
func (r *Registry[H]) Write(id uint32, fn func(H) error) error {
	r.mu.Lock()
	e, ok := r.streams[id]
	if !ok || e.status != domain.StatusSuccess {
		r.mu.Unlock()
		return fmt.Errorf("stream %d: %w", id, ErrNotFound)
	}
	r.mu.Unlock()

	e.writeMu.Lock()
	defer e.writeMu.Unlock()
	if e.closed {
		return fmt.Errorf("stream %d: %w", id, ErrNotFound)
	}
	return fn(e.Handle)
}

func (r *Registry[H]) Remove(id uint32) (*Entry[H], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.streams[id]
	if ok {
		delete(r.streams, id)
	}
	return e, ok
}

// Wait blocks until the stream leaves pending and returns the new status.
// A zero timeout waits without bound.
func (r *Registry[H]) Wait(ctx context.Context, id uint32, timeout time.Duration) (int, error) {
	e, ok := r.Get(id)
	if !ok {
		return 0, fmt.Errorf("stream %d: %w", id, ErrNotFound)
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-e.resolved:
	case <-r.done:
		return 0, ErrClosed
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-expired:
		return 0, fmt.Errorf("stream %d: %w", id, ErrTimeout)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return e.status, nil
}

func (r *Registry[H]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

// Range calls fn for a snapshot of the registered entries.
func (r *Registry[H]) Range(fn func(*Entry[H])) {
	r.mu.Lock()
	entries := make([]*Entry[H], 0, len(r.streams))
	for _, e := range r.streams {
		entries = append(entries, e)
	}
	r.mu.Unlock()

	for _, e := range entries {
		fn(e)
	}
}

// Close stops registrations and wakes every waiter with ErrClosed.
func (r *Registry[H]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.done)
}
