// Package loop provides a single-goroutine task queue. Every stateful
// signaling component owns one Loop and only touches its state from tasks
// running on it, so no further locking is needed.
package loop

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

// Loop runs posted tasks one at a time, in FIFO order, on a dedicated
// goroutine. The queue is unbounded, so Post never blocks.
type Loop struct {
	name string

	mu      sync.Mutex
	tasks   []func()
	quit    bool
	wake    chan struct{}
	done    chan struct{}
	running atomic.Bool
	owner   atomic.Uint64 // goroutine id of run
}

// New starts a Loop. The name is only used in diagnostics.
func New(name string) *Loop {
	l := &Loop{
		name: name,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	go l.run()
	return l
}

// Name returns the name given to New.
func (l *Loop) Name() string { return l.name }

// Post enqueues fn. It returns false if the loop has quit; fn is then dropped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.quit {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do posts fn and waits until it has run. It returns false if fn was dropped
// because the loop quit first. Calling Do from a task on the same loop
// deadlocks.
func (l *Loop) Do(fn func()) bool {
	ran := make(chan struct{})
	if !l.Post(func() {
		defer close(ran)
		fn()
	}) {
		return false
	}
	select {
	case <-ran:
		return true
	case <-l.done:
		// Quit may have raced with our task; it either ran or was discarded.
		select {
		case <-ran:
			return true
		default:
			return false
		}
	}
}

// Quit stops the loop once the current task returns. Tasks still queued are
// discarded and later Posts are refused.
func (l *Loop) Quit() {
	l.mu.Lock()
	l.quit = true
	l.tasks = nil
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Done is closed when the loop goroutine has exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// InLoop reports whether the caller is a task running on this loop. Other
// goroutines get false even while a task is executing.
func (l *Loop) InLoop() bool {
	return l.running.Load() && goid() == l.owner.Load()
}

func (l *Loop) run() {
	defer close(l.done)
	l.owner.Store(goid())
	for {
		l.mu.Lock()
		if l.quit {
			l.mu.Unlock()
			return
		}
		if len(l.tasks) == 0 {
			l.mu.Unlock()
			<-l.wake
			continue
		}
		fn := l.tasks[0]
		l.tasks[0] = nil
		l.tasks = l.tasks[1:]
		l.mu.Unlock()

		l.running.Store(true)
		fn()
		l.running.Store(false)
	}
}

// goid returns the id of the calling goroutine, read from the header line of
// its stack trace ("goroutine 42 [running]:").
func goid() uint64 {
	var buf [64]byte
	b := bytes.TrimPrefix(buf[:runtime.Stack(buf[:], false)], []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
