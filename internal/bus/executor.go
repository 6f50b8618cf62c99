package bus

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
)

// Executor runs deferred units of work. Schedule must not block and must not
// run fn before returning.
type Executor interface {
	Schedule(fn func())
}

// Loop is a single-goroutine FIFO executor with an unbounded queue.
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	signal chan struct{}
	closed bool
}

func NewLoop() *Loop {
	return &Loop{signal: make(chan struct{}, 1)}
}

func (l *Loop) Schedule(fn func()) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Run executes scheduled work until ctx is done or Close is called. Work
// still queued at that point is discarded.
func (l *Loop) Run(ctx context.Context) error {
	for {
		batch, closed := l.take()
		for _, fn := range batch {
			runGuarded(fn)
		}
		if closed {
			return nil
		}
		if len(batch) > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			l.Close()
			return nil
		case <-l.signal:
		}
	}
}

// Close stops the loop; later Schedule calls are dropped.
func (l *Loop) Close() {
	l.mu.Lock()
	l.closed = true
	l.queue = nil
	l.mu.Unlock()
	select {
	case l.signal <- struct{}{}:
	default:
	}
}

// Pending reports queued work not yet started.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

func (l *Loop) take() ([]func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, true
	}
	batch := l.queue
	l.queue = nil
	return batch, false
}

func runGuarded(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("bus.executor task panicked")
		}
	}()
	fn()
}

// Manual queues work until RunPending is called. Used for deterministic
// scheduling in tests.
type Manual struct {
	mu    sync.Mutex
	queue []func()
}

func NewManual() *Manual {
	return &Manual{}
}

func (m *Manual) Schedule(fn func()) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	m.queue = append(m.queue, fn)
	m.mu.Unlock()
}

// Step runs the oldest queued task and reports whether one ran.
func (m *Manual) Step() bool {
	m.mu.Lock()
	if len(m.queue) == 0 {
		m.mu.Unlock()
		return false
	}
	fn := m.queue[0]
	m.queue[0] = nil
	m.queue = m.queue[1:]
	m.mu.Unlock()
	fn()
	return true
}

// RunPending runs tasks, including ones scheduled while running, until the
// queue is empty. It returns the number of tasks executed.
func (m *Manual) RunPending() int {
	n := 0
	for m.Step() {
		n++
	}
	return n
}

func (m *Manual) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queue)
}
