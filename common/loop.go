package common

import (
	"sync"
)

// Loop runs posted functions one at a time, in order, on a single goroutine
type Loop struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
}

// NewLoop creates and starts a new Loop
func NewLoop() *Loop {
	l := &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Post queues f. It never blocks, so it may be called from the loop itself.
// Functions posted after Close are dropped.
func (l *Loop) Post(f func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.queue = append(l.queue, f)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Do runs f on the loop and waits for it. It reports false if the loop is closed.
// Do must not be called from the loop goroutine.
func (l *Loop) Do(f func()) bool {
	ran := make(chan struct{})
	l.Post(func() {
		defer close(ran)
		f()
	})

	select {
	case <-ran:
		return true
	case <-l.done:
		// f may have been the last function drained
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Close stops the loop after the functions already queued have run.
// Close must not be called from the loop goroutine.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.closed = true
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)

	for range l.wake {
		for {
			l.mu.Lock()
			if len(l.queue) == 0 {
				closed := l.closed
				l.mu.Unlock()
				if closed {
					return
				}
				break
			}
			f := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			l.mu.Unlock()

			f()
		}
	}
}
