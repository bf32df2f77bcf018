package ble

import (
	"sync"
	"time"
)

// dispatcher runs posted funcs one at a time, in order, on its own
// goroutine. After stop, pending and new funcs are dropped.
type dispatcher struct {
	ch   chan func()
	done chan struct{}
	once sync.Once
}

func newDispatcher(buffer int) *dispatcher {
	d := &dispatcher{
		ch:   make(chan func(), buffer),
		done: make(chan struct{}),
	}
	go d.run()
	return d
}

// post queues fn, waiting for room. It reports false if the dispatcher is
// stopped.
func (d *dispatcher) post(fn func()) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.ch <- fn:
		return true
	case <-d.done:
		return false
	}
}

// tryPost queues fn only if there is room right now.
func (d *dispatcher) tryPost(fn func()) bool {
	select {
	case <-d.done:
		return false
	default:
	}
	select {
	case d.ch <- fn:
		return true
	default:
		return false
	}
}

// flush waits until everything queued before the call has run. It gives up
// after timeout or when the dispatcher stops, and reports whether the queue
// drained.
func (d *dispatcher) flush(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	marker := make(chan struct{})
	select {
	case d.ch <- func() { close(marker) }:
	case <-d.done:
		return false
	case <-timer.C:
		return false
	}
	select {
	case <-marker:
		return true
	case <-d.done:
		return false
	case <-timer.C:
		return false
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.done:
			return
		default:
		}
		select {
		case fn := <-d.ch:
			fn()
		case <-d.done:
			return
		}
	}
}

func (d *dispatcher) stop() {
	d.once.Do(func() { close(d.done) })
}
