package nanomux

import (
	"errors"
	"time"
)

// Listener is one listening identity (spec.md §3, §4.E): it owns a
// single PipeListener and produces Pipes by accepting inbound
// connections.
type Listener struct {
	endpoint Endpoint
	listener PipeListener
}

func (l *Listener) init() {
	l.endpoint.connaio.setCallback(l.onAcceptComplete)
	l.endpoint.timeaio.setCallback(l.onCooloffDone)
}

// Bind reserves the listener's local address. Must be called before
// Start. Returns ErrAddressInUse if another listener already bound the
// same address.
func (l *Listener) Bind() error {
	e := &l.endpoint
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	e.mu.Unlock()
	return l.listener.Bind()
}

// Start arms the accept loop. Calling Start on an already-started
// listener fails with ErrInvalidState (spec.md §8).
func (l *Listener) Start() error {
	e := &l.endpoint
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return ErrInvalidState
	}
	e.started = true
	e.mu.Unlock()

	if err := e.connaio.Begin(); err != nil {
		return ErrInvalidState
	}
	l.listener.Accept(e.connaio)
	return nil
}

// Accept registers a user request for the next ready pipe, completing
// aio as soon as match() finds one (spec.md §4.E.3, §4.E.4).
func (l *Listener) Accept(aio *AIO) {
	e := &l.endpoint
	if err := aio.Begin(); err != nil {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		aio.Finish(ErrClosed, 0)
		return
	}
	if e.useraio != nil {
		e.mu.Unlock()
		aio.Finish(ErrBusy, 0)
		return
	}
	e.useraio = aio
	e.mu.Unlock()

	cancel := func(_ any, err error) { l.cancelAccept(aio, err) }
	if err := aio.Schedule(cancel, nil); err != nil {
		e.mu.Lock()
		if e.useraio == aio {
			e.useraio = nil
		}
		e.mu.Unlock()
		aio.Finish(err, 0)
		return
	}

	e.match()
}

func (l *Listener) cancelAccept(aio *AIO, err error) {
	e := &l.endpoint
	e.mu.Lock()
	if e.useraio == aio {
		e.useraio = nil
	}
	e.mu.Unlock()
	aio.Finish(err, 0)
}

func (l *Listener) onAcceptComplete(aio *AIO) {
	e := &l.endpoint
	err, _ := aio.Result()
	if err != nil {
		e.mu.Lock()
		ua := e.useraio
		e.useraio = nil
		closed := e.closed
		e.mu.Unlock()
		if ua != nil {
			ua.Finish(err, 0)
		}
		if closed {
			return
		}
		if IsOutOfResources(err) {
			l.scheduleCooloff()
			return
		}
		l.rearmAccept()
		return
	}

	stream, _ := firstOutput(aio).(Stream)
	p := newPipe(stream, e, e.logger)
	e.mu.Lock()
	e.refAddLocked()
	e.negopipes.pushBack(p)
	e.mu.Unlock()

	// Decouple handshake/TLS cost from the accept loop: re-arm before
	// the handshake even starts.
	l.rearmAccept()

	p.startHandshake(e.sock.ProtocolID(), func(peer uint16, herr error) {
		if herr != nil {
			return
		}
		e.mu.Lock()
		e.negopipes.remove(p)
		e.waitpipes.pushBack(p)
		e.mu.Unlock()
		e.match()
	})
}

func (l *Listener) rearmAccept() {
	e := &l.endpoint
	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if closed {
		return
	}
	// Usually called from connaio's own completion callback, where Begin
	// would fail with ErrBusy: wait for that callback to unwind first.
	go func() {
		e.connaio.waitIdle()
		if err := e.connaio.Begin(); err != nil {
			return
		}
		l.listener.Accept(e.connaio)
	}()
}

// scheduleCooloff arms a 10ms timer (spec.md §4.E.3) after a transient
// out-of-memory/out-of-files accept failure, reusing the AIO deadline
// machinery as a plain cancellable sleep: expiry aborts with
// ErrTimeout, which onCooloffDone treats as "elapsed" and re-arms
// accept; an explicit Abort (from Close) is treated as "don't rearm".
func (l *Listener) scheduleCooloff() {
	e := &l.endpoint
	e.logger.Debug("nanomux: accept cool-off after resource exhaustion")
	if err := e.timeaio.Begin(); err != nil {
		return
	}
	e.timeaio.SetTimeout(10 * time.Millisecond)
	cancel := func(_ any, cerr error) { e.timeaio.Finish(cerr, 0) }
	if err := e.timeaio.Schedule(cancel, nil); err != nil {
		return
	}
}

func (l *Listener) onCooloffDone(aio *AIO) {
	err, _ := aio.Result()
	if err != nil && !errors.Is(err, ErrTimeout) {
		return
	}
	l.rearmAccept()
}

// Close closes the listener: sets closed, closes the accept-timer AIO,
// closes the underlying PipeListener, and closes every pipe it owns.
func (l *Listener) Close() error {
	e := &l.endpoint
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	ua := e.useraio
	e.useraio = nil
	e.mu.Unlock()

	e.timeaio.Abort(ErrClosed)
	e.connaio.Abort(ErrClosed)

	e.mu.Lock()
	e.closeAllPipesLocked()
	e.mu.Unlock()

	if ua != nil {
		ua.Finish(ErrClosed, 0)
	}
	return l.listener.Close()
}

// Fini tears the listener down: closes it (which also closes the owned
// PipeListener, see Close), then blocks until every pipe has been reaped.
func (l *Listener) Fini() {
	e := &l.endpoint
	e.mu.Lock()
	e.fini = true
	e.mu.Unlock()
	l.Close()
	e.waitFini()
}

func (l *Listener) SetOption(name string, value any) error { return l.endpoint.SetOption(name, value) }
func (l *Listener) GetOption(name string) (any, error)      { return l.endpoint.GetOption(name) }
func (l *Listener) URL() string                              { return l.endpoint.URL() }
