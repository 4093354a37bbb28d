package peer

import "sync"

// dispatcher runs callbacks one at a time, in the order they were posted,
// on its own goroutine. Each connection owns one so its events never
// interleave.
type dispatcher struct {
	mu      sync.Mutex
	pending []func()
	halted  bool

	wake chan struct{}
	stop chan struct{}
}

func newDispatcher() *dispatcher {
	d := &dispatcher{
		wake: make(chan struct{}, 1),
		stop: make(chan struct{}),
	}
	go d.run()
	return d
}

// post queues fn. Calls after finish are dropped.
func (d *dispatcher) post(fn func()) {
	d.mu.Lock()
	if d.halted {
		d.mu.Unlock()
		return
	}
	d.pending = append(d.pending, fn)
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// finish queues fn as the last callback this dispatcher will run.
func (d *dispatcher) finish(fn func()) {
	d.mu.Lock()
	if d.halted {
		d.mu.Unlock()
		return
	}
	d.pending = append(d.pending, func() {
		fn()
		close(d.stop)
	})
	d.halted = true
	d.mu.Unlock()

	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	for {
		select {
		case <-d.stop:
			return
		case <-d.wake:
		}

		for {
			d.mu.Lock()
			if len(d.pending) == 0 {
				d.mu.Unlock()
				break
			}
			fn := d.pending[0]
			d.pending[0] = nil
			d.pending = d.pending[1:]
			d.mu.Unlock()

			fn()
		}
	}
}
