package failover

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
)

type delivery struct {
	sample Sample
	err    error
}

// dispatcher hands deliveries to a Subscriber in order on its own goroutine.
type dispatcher struct {
	sub Subscriber

	mu      sync.Mutex
	cond    *sync.Cond
	items   []delivery
	dropped bool // close: discard anything pending
	ending  bool // finish: drain pending, then exit
	exited  chan struct{}
	gid     atomic.Uint64 // goroutine running callbacks
}

func newDispatcher(sub Subscriber) *dispatcher {
	d := &dispatcher{sub: sub, exited: make(chan struct{})}
	d.cond = sync.NewCond(&d.mu)
	go d.run()
	return d
}

func (d *dispatcher) push(it delivery) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.dropped || d.ending {
		return
	}
	d.items = append(d.items, it)
	d.cond.Signal()
}

// finish delivers what is queued, then stops.
func (d *dispatcher) finish() {
	d.mu.Lock()
	d.ending = true
	d.cond.Signal()
	d.mu.Unlock()
}

// close discards what is queued and stops. A callback already running is
// not interrupted.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.dropped = true
	d.items = nil
	d.cond.Signal()
	d.mu.Unlock()
}

// wait blocks until the dispatcher goroutine has exited, so no callback is
// running. Called from inside a callback it returns at once.
func (d *dispatcher) wait() {
	if d.gid.Load() == goid() {
		return
	}
	<-d.exited
}

func (d *dispatcher) run() {
	defer close(d.exited)
	d.gid.Store(goid())
	for {
		d.mu.Lock()
		for len(d.items) == 0 && !d.dropped && !d.ending {
			d.cond.Wait()
		}
		if d.dropped || len(d.items) == 0 {
			d.mu.Unlock()
			return
		}
		it := d.items[0]
		d.items[0] = delivery{}
		d.items = d.items[1:]
		d.mu.Unlock()

		if it.err != nil {
			d.sub.OnError(it.err)
		} else {
			d.sub.OnSample(it.sample)
		}
	}
}

// goid parses the current goroutine id from the stack header
// ("goroutine 42 [running]:").
func goid() uint64 {
	var buf [64]byte
	b := buf[:runtime.Stack(buf[:], false)]
	b = bytes.TrimPrefix(b, []byte("goroutine "))
	if i := bytes.IndexByte(b, ' '); i >= 0 {
		b = b[:i]
	}
	id, _ := strconv.ParseUint(string(b), 10, 64)
	return id
}
