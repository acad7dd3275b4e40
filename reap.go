package nanomux

import "sync"

// Reapable is anything that can be scheduled for deferred destruction.
// Fini runs outside any callback stack frame of the object, so it may
// safely join (stop) AIOs that the reap request itself was raised from.
type Reapable interface {
	fini()
}

// reapList is a mutex-guarded FIFO queue (a slice) of objects awaiting
// deferred destruction (spec.md §4.B). Pipes schedule themselves here
// instead of tearing down synchronously from within a completion
// callback, which would self-deadlock when teardown needs to stop the
// very AIO whose callback is on the stack. Endpoints are not reaped
// through this list: Dialer.Fini and Listener.Fini block until their
// pipes are gone.
type reapList struct {
	mu   sync.Mutex
	cond *sync.Cond
	head []Reapable

	once sync.Once
}

var globalReap = newReapList()

func newReapList() *reapList {
	r := &reapList{}
	r.cond = sync.NewCond(&r.mu)
	return r
}

// schedule enqueues obj for deferred fini and starts the worker goroutine
// on first use.
func (r *reapList) schedule(obj Reapable) {
	r.once.Do(func() { go r.run() })
	r.mu.Lock()
	r.head = append(r.head, obj)
	r.mu.Unlock()
	r.cond.Signal()
}

func (r *reapList) run() {
	for {
		r.mu.Lock()
		for len(r.head) == 0 {
			r.cond.Wait()
		}
		obj := r.head[0]
		r.head = r.head[1:]
		r.mu.Unlock()
		obj.fini()
	}
}

// reapSchedule is the package-level entry point used by Pipe.
func reapSchedule(obj Reapable) { globalReap.schedule(obj) }
