package nanomux

import "errors"

// Dialer is one dialing identity (spec.md §3, §4.E): it owns a single
// PipeDialer and produces Pipes by connecting to one remote address at a
// time.
type Dialer struct {
	endpoint Endpoint
	dialer   PipeDialer
}

func (d *Dialer) init() {
	d.endpoint.connaio.setCallback(d.onDialComplete)
	d.endpoint.timeaio.setCallback(d.onReconnectTimer)
}

// Connect starts dialing, completing aio with the resulting *Pipe once a
// pipe finishes its handshake. A failed dial is retried with backoff (see
// scheduleRetry) rather than reported; a failed handshake completes aio
// with the error. Fails fast with ErrClosed if the dialer is closed, or
// ErrBusy if another connect is already in flight (spec.md §4.E.2).
func (d *Dialer) Connect(aio *AIO) {
	e := &d.endpoint
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
	e.reconnectCur = e.reconnectMin
	e.mu.Unlock()

	cancel := func(_ any, err error) { d.cancelConnect(aio, err) }
	if err := aio.Schedule(cancel, nil); err != nil {
		e.mu.Lock()
		if e.useraio == aio {
			e.useraio = nil
		}
		e.mu.Unlock()
		aio.Finish(err, 0)
		return
	}

	if err := e.connaio.Begin(); err != nil {
		// Only one connaio in flight per invariant; Connect's own busy
		// check above should prevent this, but guard defensively.
		e.mu.Lock()
		e.useraio = nil
		e.mu.Unlock()
		aio.Finish(ErrBusy, 0)
		return
	}
	d.dialer.Dial(e.connaio)
}

func (d *Dialer) cancelConnect(aio *AIO, err error) {
	e := &d.endpoint
	e.mu.Lock()
	if e.useraio == aio {
		e.useraio = nil
	}
	e.mu.Unlock()
	aio.Finish(err, 0)
}

func (d *Dialer) onDialComplete(aio *AIO) {
	e := &d.endpoint
	err, _ := aio.Result()
	if err != nil {
		e.mu.Lock()
		closed := e.closed
		hasUser := e.useraio != nil
		e.mu.Unlock()
		if closed || !hasUser {
			return
		}
		e.logger.Debug("nanomux: dial failed, scheduling retry", "err", err)
		d.scheduleRetry()
		return
	}

	stream, _ := firstOutput(aio).(Stream)
	p := newPipe(stream, e, e.logger)
	e.mu.Lock()
	e.refAddLocked()
	e.negopipes.pushBack(p)
	e.mu.Unlock()

	p.startHandshake(e.sock.ProtocolID(), func(peer uint16, herr error) {
		if herr != nil {
			e.mu.Lock()
			ua := e.useraio
			e.useraio = nil
			e.mu.Unlock()
			if ua != nil {
				ua.Finish(herr, 0)
			}
			return
		}
		e.mu.Lock()
		e.negopipes.remove(p)
		e.waitpipes.pushBack(p)
		e.mu.Unlock()
		e.match()
	})
}

// scheduleRetry arms the reconnect timer after a failed dial attempt,
// doubling the backoff from reconnectMin up to reconnectMax each time
// (spec.md §2's "reconnect backoff" responsibility; spec.md §8 scenario 3
// requires a non-blocking dial to keep retrying until a listener shows
// up). Mirrors Listener.scheduleCooloff/onCooloffDone's reuse of the AIO
// deadline machinery as a plain cancellable sleep.
func (d *Dialer) scheduleRetry() {
	e := &d.endpoint
	e.mu.Lock()
	wait := e.reconnectCur
	if wait <= 0 {
		wait = e.reconnectMin
	}
	next := wait * 2
	if e.reconnectMax > 0 && next > e.reconnectMax {
		next = e.reconnectMax
	}
	if next < e.reconnectMin {
		next = e.reconnectMin
	}
	e.reconnectCur = next
	e.mu.Unlock()

	if err := e.timeaio.Begin(); err != nil {
		return
	}
	e.timeaio.SetTimeout(wait)
	cancel := func(_ any, cerr error) { e.timeaio.Finish(cerr, 0) }
	if err := e.timeaio.Schedule(cancel, nil); err != nil {
		return
	}
}

// onReconnectTimer fires when the reconnect backoff elapses (ErrTimeout)
// or is aborted by Close (ErrClosed); only the former re-arms a dial.
func (d *Dialer) onReconnectTimer(aio *AIO) {
	e := &d.endpoint
	err, _ := aio.Result()
	if err != nil && !errors.Is(err, ErrTimeout) {
		return
	}

	e.mu.Lock()
	if e.closed || e.useraio == nil {
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()

	if err := e.connaio.Begin(); err != nil {
		return
	}
	d.dialer.Dial(e.connaio)
}

// Close closes the dialer: sets closed, closes every pipe it owns, and
// completes any pending useraio with ErrClosed.
func (d *Dialer) Close() error {
	e := &d.endpoint
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
	return d.dialer.Close()
}

// Fini tears the dialer down: closes it (which also closes the owned
// PipeDialer, see Close), then blocks until every pipe has been reaped.
func (d *Dialer) Fini() {
	e := &d.endpoint
	e.mu.Lock()
	e.fini = true
	e.mu.Unlock()
	d.Close()
	e.waitFini()
}

// SetOption/GetOption/URL proxy to the embedded Endpoint.
func (d *Dialer) SetOption(name string, value any) error { return d.endpoint.SetOption(name, value) }
func (d *Dialer) GetOption(name string) (any, error)      { return d.endpoint.GetOption(name) }
func (d *Dialer) URL() string                             { return d.endpoint.URL() }
