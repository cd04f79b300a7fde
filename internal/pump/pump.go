// Package pump runs callbacks one at a time, in submission order, on
// a dedicated goroutine.
package pump

import (
	"sync"

	"github.com/creachadair/mds/queue"
)

// A Pump runs queued functions sequentially on its own goroutine.
//
// Connections use a Pump to deliver async call completions and
// signals, so that a slow or blocking callback delays other
// callbacks but never the connection's read loop.
type Pump struct {
	wake        chan struct{}
	stop        chan struct{}
	pumpStopped chan struct{}

	mu      sync.Mutex
	queue   queue.Queue[func()]
	stopped bool
}

// New starts a Pump.
func New() *Pump {
	ret := &Pump{
		wake:        make(chan struct{}, 1),
		stop:        make(chan struct{}),
		pumpStopped: make(chan struct{}),
	}
	go ret.run()
	return ret
}

// Add queues fn to run after all previously queued functions. It
// reports false if the pump is closed, in which case fn never runs.
func (p *Pump) Add(fn func()) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopped {
		return false
	}
	p.queue.Add(fn)
	if p.queue.Len() == 1 {
		select {
		case p.wake <- struct{}{}:
		default:
		}
	}
	return true
}

// Len returns the number of functions waiting to run.
func (p *Pump) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.queue.Len()
}

// Close stops the pump after the functions already queued have run,
// and waits for it to finish. Close must not be called from a queued
// function.
func (p *Pump) Close() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		<-p.pumpStopped
		return
	}
	p.stopped = true
	p.mu.Unlock()

	close(p.stop)
	<-p.pumpStopped
}

func (p *Pump) run() {
	defer close(p.pumpStopped)
	for {
		fn := func() func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			ret, _ := p.queue.Pop()
			return ret
		}()
		if fn != nil {
			fn()
			continue
		}
		select {
		case <-p.stop:
			// Functions may have been queued between the empty Pop
			// and the stop.
			if p.Len() == 0 {
				return
			}
		case <-p.wake:
		}
	}
}
