// Copyright (c) 2016-2017 xtaci, adapted 2026.
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE
// SOFTWARE.

package nanomux

import (
	"sync"
	"time"
)

// Iov is one entry of an AIO's scatter/gather buffer list.
type Iov struct {
	Buf []byte
}

// aioState is the per-AIO lifecycle state machine of spec.md §4.A:
// idle -> begun -> scheduled -> (completing) -> idle.
type aioState uint8

const (
	aioIdle aioState = iota
	aioBegun
	aioScheduled
	aioCompleting
)

// CancelFunc is installed by Schedule and invoked at most once by Abort
// (directly, or indirectly via timeout) to ask the in-flight operation to
// unwind. It must not block.
type CancelFunc func(arg any, err error)

// AIO is the cancellable asynchronous I/O descriptor on which every pipe
// and endpoint operation is built (spec.md §4.A). A caller allocates one,
// fills in iovs/output slots/deadline, and passes it to a Pipe or
// Endpoint method; the method's completion callback runs exactly once per
// submission, after which the AIO may be reused.
//
// All exported methods are safe for concurrent use; synchronization with
// the completion path is the point of the type.
type AIO struct {
	mu   sync.Mutex
	cond *sync.Cond

	state aioState

	callback func(*AIO)
	cancelFn CancelFunc
	cancelArg any

	// pendingCancel holds an Abort() request that raced Schedule: if the
	// AIO is aborted while still Begun (before a cancel hook exists),
	// Schedule must observe it immediately rather than lose the request.
	pendingCancel error

	err   error
	count int

	iov     []Iov
	iovOff  int // bytes already consumed from iov[0]

	outputs []any

	deadline time.Time
	timer    *time.Timer

	// node links this AIO into at most one intrusive queue (Pipe.sendq /
	// Pipe.recvq) at a time. Guarded by the owning queue's mutex, not mu.
	node aioNode
}

type aioNode struct {
	prev, next *AIO
	inList     *aioList
}

// NewAIO allocates an idle AIO with the given completion callback. cb runs
// on whichever goroutine calls Finish/FinishSync for this submission;
// callers that need async dispatch should hop to their own worker from cb.
func NewAIO(cb func(*AIO)) *AIO {
	a := &AIO{callback: cb}
	a.cond = sync.NewCond(&a.mu)
	return a
}

// waitIdle blocks until the AIO's state machine returns to Idle, i.e.
// until no completion callback for it is still running. Used by Pipe.Stop
// and Endpoint teardown to join outstanding AIOs before destruction.
func (a *AIO) waitIdle() {
	a.mu.Lock()
	for a.state != aioIdle {
		a.cond.Wait()
	}
	a.mu.Unlock()
}

// setCallback rebinds the completion callback. Used by Endpoint to wire
// up connaio/timeaio/useraio after construction, when the owning
// object's methods (which the callback closes over) aren't available
// yet at NewAIO time.
func (a *AIO) setCallback(cb func(*AIO)) {
	a.mu.Lock()
	a.callback = cb
	a.mu.Unlock()
}

// Begin marks the AIO in-flight. It fails with ErrBusy if the AIO is not
// idle, and with the queued Abort error if the caller already canceled or
// closed the idle AIO; in either case the operation must not be submitted
// to the underlying stream.
func (a *AIO) Begin() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state != aioIdle {
		return ErrBusy
	}
	if a.pendingCancel != nil {
		err := a.pendingCancel
		a.pendingCancel = nil
		return err
	}
	a.state = aioBegun
	a.err = nil
	a.count = 0
	return nil
}

// Schedule installs the cancellation hook for the in-flight operation. If
// the AIO already holds a queued cancel request (because Abort raced
// Begin), Schedule returns that error immediately so the submitter can
// short-circuit instead of starting I/O that will just be thrown away.
func (a *AIO) Schedule(cancel CancelFunc, arg any) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pendingCancel != nil {
		err := a.pendingCancel
		a.pendingCancel = nil
		return err
	}
	if a.state != aioBegun {
		return ErrInvalidState
	}
	a.cancelFn = cancel
	a.cancelArg = arg
	a.state = aioScheduled
	a.armTimer()
	return nil
}

// armTimer must be called with a.mu held.
func (a *AIO) armTimer() {
	if a.deadline.IsZero() {
		return
	}
	d := time.Until(a.deadline)
	if d <= 0 {
		go a.Abort(ErrTimeout)
		return
	}
	a.timer = time.AfterFunc(d, func() { a.Abort(ErrTimeout) })
}

func (a *AIO) stopTimerLocked() {
	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

// SetIov installs the scatter/gather buffer list for the next submission.
// Must be called before the AIO is handed to the Stream that consumes it.
func (a *AIO) SetIov(iov []Iov) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.iov = iov
	a.iovOff = 0
}

// SetTimeout sets a relative deadline for the next submission. Zero or
// negative disables the deadline.
func (a *AIO) SetTimeout(d time.Duration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if d <= 0 {
		a.deadline = time.Time{}
		return
	}
	a.deadline = time.Now().Add(d)
}

// SetDeadline sets an absolute deadline for the next submission.
func (a *AIO) SetDeadline(t time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deadline = t
}

// SetOutputs stores result slots the completion callback will read, e.g.
// the accepted *Pipe for a connect/accept AIO.
func (a *AIO) SetOutputs(outputs ...any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.outputs = outputs
}

// Outputs returns the slots set by SetOutputs (or by the completer via
// setOutput). Safe to call from the completion callback.
func (a *AIO) Outputs() []any {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.outputs
}

func (a *AIO) setOutput(i int, v any) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for len(a.outputs) <= i {
		a.outputs = append(a.outputs, nil)
	}
	a.outputs[i] = v
}

// Abort requests cancellation of the in-flight operation, invoking the
// cancel hook at most once. It is idempotent and safe to call from any
// goroutine, including the AIO's own completion callback. If the AIO has
// not yet reached Scheduled, the request is queued and observed by the
// next Begin/Schedule call.
func (a *AIO) Abort(err error) {
	a.mu.Lock()
	switch a.state {
	case aioScheduled:
		fn, arg := a.cancelFn, a.cancelArg
		a.mu.Unlock()
		if fn != nil {
			fn(arg, err)
		}
	case aioIdle, aioBegun:
		if a.pendingCancel == nil {
			a.pendingCancel = err
		}
		a.mu.Unlock()
	default:
		a.mu.Unlock()
	}
}

// finishLocked transitions to completing and returns the callback to run
// and whether this call won the race to complete. Must be called with
// a.mu held; returns with a.mu released.
func (a *AIO) finishLocked(err error, n int) (func(*AIO), bool) {
	if a.state == aioIdle || a.state == aioCompleting {
		a.mu.Unlock()
		return nil, false
	}
	a.stopTimerLocked()
	a.state = aioCompleting
	a.err = err
	a.count = n
	a.cancelFn = nil
	a.cancelArg = nil
	cb := a.callback
	a.mu.Unlock()
	return cb, true
}

// Finish completes the AIO, running the callback synchronously on the
// calling goroutine. Safe to call at most meaningfully once per
// submission; subsequent calls before the next Begin are no-ops.
func (a *AIO) Finish(err error, n int) {
	a.mu.Lock()
	cb, ok := a.finishLocked(err, n)
	if !ok {
		return
	}
	if cb != nil {
		cb(a)
	}
	a.mu.Lock()
	a.state = aioIdle
	a.cond.Broadcast()
	a.mu.Unlock()
}

// FinishSync is an alias of Finish kept for symmetry with spec.md §4.A's
// finish/finish_sync pair; this implementation always runs the callback
// on the completing goroutine; callers wanting async dispatch hop
// themselves inside cb.
func (a *AIO) FinishSync(err error, n int) { a.Finish(err, n) }

// Result returns the outcome of the most recently completed submission.
func (a *AIO) Result() (err error, n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.err, a.count
}

// IovCount returns the number of iov entries remaining (iov[0] may be
// partially consumed; see IovAdvance).
func (a *AIO) IovCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.iov) == 0 {
		return 0
	}
	return len(a.iov)
}

// Iovs returns the remaining scatter/gather list, with iov[0] already
// trimmed by prior IovAdvance calls. The returned slice aliases internal
// state and must not be retained past the next mutating call.
func (a *AIO) Iovs() []Iov {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.iovsLocked()
}

func (a *AIO) iovsLocked() []Iov {
	if len(a.iov) == 0 {
		return nil
	}
	out := make([]Iov, len(a.iov))
	copy(out, a.iov)
	out[0].Buf = out[0].Buf[a.iovOff:]
	return out
}

// IovAdvance consumes n bytes from the front of the iov list, dropping
// fully-consumed entries, so frame handlers can resubmit partial I/O
// without reallocating buffers.
func (a *AIO) IovAdvance(n int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for n > 0 && len(a.iov) > 0 {
		rem := len(a.iov[0].Buf) - a.iovOff
		if n < rem {
			a.iovOff += n
			return
		}
		n -= rem
		a.iov = a.iov[1:]
		a.iovOff = 0
	}
}

// aioList is a FIFO intrusive list of AIOs, used for Pipe.sendq/recvq.
type aioList struct {
	head, tail *AIO
	n          int
}

func (l *aioList) pushBack(a *AIO) {
	if a.node.inList != nil {
		panic("nanomux: aio already queued")
	}
	a.node.inList = l
	a.node.prev = l.tail
	a.node.next = nil
	if l.tail != nil {
		l.tail.node.next = a
	} else {
		l.head = a
	}
	l.tail = a
	l.n++
}

func (l *aioList) remove(a *AIO) bool {
	if a.node.inList != l {
		return false
	}
	if a.node.prev != nil {
		a.node.prev.node.next = a.node.next
	} else {
		l.head = a.node.next
	}
	if a.node.next != nil {
		a.node.next.node.prev = a.node.prev
	} else {
		l.tail = a.node.prev
	}
	a.node.prev, a.node.next, a.node.inList = nil, nil, nil
	l.n--
	return true
}

func (l *aioList) front() *AIO {
	return l.head
}

func (l *aioList) popFront() *AIO {
	a := l.head
	if a != nil {
		l.remove(a)
	}
	return a
}

func (l *aioList) empty() bool { return l.head == nil }

func (l *aioList) len() int { return l.n }
