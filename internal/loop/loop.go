// Package loop provides the single-consumer task queue that every session
// component runs on. Transport callbacks, periodic ticks and UI commands are
// all posted here, so component state never needs a lock.
package loop

import (
	"context"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/1ureka/dcbench/internal/util"
)

// DefaultQueueSize is the task queue capacity used by the session.
const DefaultQueueSize = 1024

// Loop executes posted tasks one at a time, in posting order.
type Loop struct {
	tasks chan func()
	done  chan struct{}
	once  sync.Once
}

// New creates a Loop whose queue holds up to size pending tasks.
func New(size int) *Loop {
	return &Loop{
		tasks: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Run drains the queue until ctx is cancelled. Tasks still queued at that
// point are dropped.
func (l *Loop) Run(ctx context.Context) {
	defer l.once.Do(func() { close(l.done) })

	for {
		select {
		case fn := <-l.tasks:
			l.exec(fn)
		case <-ctx.Done():
			return
		}
	}
}

// exec runs a single task. A panic is logged and swallowed so that one bad
// handler cannot stop the loop.
func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			util.LogError("event loop task panicked: %v\n%s", r, debug.Stack())
		}
	}()
	fn()
}

// Post enqueues fn. It blocks while the queue is full and returns false once
// the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}

	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Done is closed when Run returns.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Every runs fn on the loop once per period d until the returned cancel
// function is called. A tick is not queued again while the previous one is
// still pending, and a tick queued before cancel never runs after it.
func (l *Loop) Every(d time.Duration, fn func()) (cancel func()) {
	var (
		stopped atomic.Bool
		pending atomic.Bool
		quit    = make(chan struct{})
		once    sync.Once
	)

	tick := func() {
		pending.Store(false)
		if stopped.Load() {
			return
		}
		fn()
	}

	go func() {
		ticker := time.NewTicker(d)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if !pending.CompareAndSwap(false, true) {
					continue
				}
				if !l.Post(tick) {
					return
				}
			case <-quit:
				return
			case <-l.done:
				return
			}
		}
	}()

	return func() {
		once.Do(func() {
			stopped.Store(true)
			close(quit)
		})
	}
}
