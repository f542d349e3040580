package dispatch

import (
	"sync"
	"sync/atomic"

	"github.com/dotsetgreg/tiermem/pkg/logger"
)

// Dispatcher is a multi-producer, single-consumer callback queue. Background
// goroutines Post results; the host loop calls Drain once per tick so that
// every callback runs on the host goroutine, one at a time.
type Dispatcher struct {
	mu      sync.Mutex
	queue   []func()
	closed  bool
	posted  atomic.Uint64
	dropped atomic.Uint64
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Post enqueues fn. It never blocks. Posting to a closed dispatcher drops fn.
func (d *Dispatcher) Post(fn func()) {
	if fn == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		d.dropped.Add(1)
		return
	}
	d.queue = append(d.queue, fn)
	d.posted.Add(1)
}

// Drain runs every callback queued before the call and returns how many ran.
// Callbacks posted while draining wait for the next Drain.
func (d *Dispatcher) Drain() int {
	d.mu.Lock()
	batch := d.queue
	d.queue = nil
	d.mu.Unlock()

	for _, fn := range batch {
		d.invoke(fn)
	}
	return len(batch)
}

func (d *Dispatcher) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorCF("dispatch", "Callback panicked", map[string]interface{}{
				"panic": r,
			})
		}
	}()
	fn()
}

// Len reports the number of callbacks waiting for the next Drain.
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queue)
}

// Discard drops everything queued without running it.
func (d *Dispatcher) Discard() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := len(d.queue)
	d.queue = nil
	d.dropped.Add(uint64(n))
	return n
}

func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	d.dropped.Add(uint64(len(d.queue)))
	d.queue = nil
}

type Stats struct {
	Posted  uint64
	Dropped uint64
	Pending int
}

func (d *Dispatcher) Stats() Stats {
	return Stats{
		Posted:  d.posted.Load(),
		Dropped: d.dropped.Load(),
		Pending: d.Len(),
	}
}
