package nanomux

import (
	"net/url"
	"sync"
	"time"
)

// EndpointOption configures a Dialer or Listener at construction time.
type EndpointOption func(*Endpoint)

// WithRecvMaxSize sets the per-pipe receive ceiling new pipes inherit.
func WithRecvMaxSize(n int64) EndpointOption {
	return func(e *Endpoint) { e.rcvmax = n }
}

// WithLogger overrides the no-op default Logger.
func WithLogger(l Logger) EndpointOption {
	return func(e *Endpoint) { e.logger = l }
}

// WithReconnectBounds sets the dialer's reconnect backoff bounds; ignored
// by Listener.
func WithReconnectBounds(min, max time.Duration) EndpointOption {
	return func(e *Endpoint) { e.reconnectMin, e.reconnectMax = min, max }
}

// Endpoint is the shared state of a Dialer or Listener (spec.md §3,
// §4.E): the lifecycle of one dialing or listening identity that
// produces Pipes.
type Endpoint struct {
	mu sync.Mutex

	url    *url.URL
	sock   Socket
	rcvmax int64

	started bool
	closed  bool
	fini    bool

	refcount int
	finiWait *sync.Cond

	useraio *AIO
	connaio *AIO
	timeaio *AIO

	negopipes pipeList
	waitpipes pipeList
	busypipes pipeList

	sendTimeout  time.Duration
	recvTimeout  time.Duration
	reconnectMin time.Duration
	reconnectMax time.Duration
	reconnectCur time.Duration

	logger Logger
}

// Default reconnect bounds a Dialer uses when the caller never sets
// reconnect-min/reconnect-max explicitly (spec.md §2's "reconnect
// backoff" responsibility still applies with no caller-supplied bounds).
const (
	defaultReconnectMin = 100 * time.Millisecond
	defaultReconnectMax = 10 * time.Second
)

func (e *Endpoint) init(u *url.URL, sock Socket, opts ...EndpointOption) {
	e.url = u
	e.sock = sock
	e.logger = DefaultLogger()
	e.reconnectMin = defaultReconnectMin
	e.reconnectMax = defaultReconnectMax
	e.finiWait = sync.NewCond(&e.mu)
	for _, opt := range opts {
		opt(e)
	}
	e.connaio = NewAIO(nil) // callback assigned by Dialer/Listener.init
	e.timeaio = NewAIO(nil)
}

// URL returns the endpoint URL as parsed at construction (read-only
// option "url"). It is not updated after Bind, so a listener bound to
// port 0 still reports port 0.
func (e *Endpoint) URL() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.url.String()
}

// SetOption validates and applies one of the recognized endpoint options
// (spec.md §6, §8).
func (e *Endpoint) SetOption(name string, value any) error {
	switch name {
	case OptionRecvMaxSize:
		v, ok := toInt64(value)
		if !ok {
			return ErrBadType
		}
		if err := validateRecvMaxSize(v); err != nil {
			return err
		}
		e.mu.Lock()
		e.rcvmax = v
		e.mu.Unlock()
		return nil
	case OptionSendTimeout:
		d, ok := value.(time.Duration)
		if !ok {
			return ErrBadType
		}
		if err := validateDuration(d); err != nil {
			return err
		}
		e.mu.Lock()
		e.sendTimeout = d
		e.mu.Unlock()
		return nil
	case OptionRecvTimeout:
		d, ok := value.(time.Duration)
		if !ok {
			return ErrBadType
		}
		if err := validateDuration(d); err != nil {
			return err
		}
		e.mu.Lock()
		e.recvTimeout = d
		e.mu.Unlock()
		return nil
	case OptionReconnectMin:
		d, ok := value.(time.Duration)
		if !ok {
			return ErrBadType
		}
		if err := validateDuration(d); err != nil {
			return err
		}
		e.mu.Lock()
		e.reconnectMin = d
		e.mu.Unlock()
		return nil
	case OptionReconnectMax:
		d, ok := value.(time.Duration)
		if !ok {
			return ErrBadType
		}
		if err := validateDuration(d); err != nil {
			return err
		}
		e.mu.Lock()
		e.reconnectMax = d
		e.mu.Unlock()
		return nil
	case OptionURL:
		return ErrInvalidState // read-only
	default:
		return ErrNotSupported
	}
}

// GetOption reads back a recognized endpoint option.
func (e *Endpoint) GetOption(name string) (any, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch name {
	case OptionRecvMaxSize:
		return e.rcvmax, nil
	case OptionURL:
		return e.url.String(), nil
	case OptionSendTimeout:
		return e.sendTimeout, nil
	case OptionRecvTimeout:
		return e.recvTimeout, nil
	case OptionReconnectMin:
		return e.reconnectMin, nil
	case OptionReconnectMax:
		return e.reconnectMax, nil
	default:
		return nil, ErrNotSupported
	}
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case uint64:
		return int64(n), true
	default:
		return 0, false
	}
}

// refAdd/refDone maintain the invariant refcount == |negopipes| +
// |waitpipes| + |busypipes| (spec.md §3). Must be called with e.mu held.
func (e *Endpoint) refAddLocked() { e.refcount++ }

func (e *Endpoint) refDoneLocked() {
	e.refcount--
	if e.refcount == 0 && e.fini {
		e.finiWait.Broadcast()
	}
}

// pipeDone is invoked by Pipe.fini on the reap worker: it drops the
// endpoint's refcount and, if this was the last pipe on a finalized
// endpoint, wakes any goroutine blocked in Fini.
func (e *Endpoint) pipeDone(p *Pipe) {
	e.mu.Lock()
	e.negopipes.remove(p)
	e.waitpipes.remove(p)
	e.busypipes.remove(p)
	e.refDoneLocked()
	e.mu.Unlock()
}

// match is the only place a handshake-complete pipe becomes visible to
// the socket (spec.md §4.E.4): if there is a pending useraio and a pipe
// on waitpipes, move it to busypipes, imprint rcvmax, and finish useraio
// with the pipe as output.
func (e *Endpoint) match() {
	e.mu.Lock()
	if e.useraio == nil || e.waitpipes.empty() {
		e.mu.Unlock()
		return
	}
	p := e.waitpipes.head
	e.waitpipes.remove(p)
	e.busypipes.pushBack(p)
	p.SetRecvMaxSize(e.rcvmax)
	aio := e.useraio
	e.useraio = nil
	e.mu.Unlock()

	aio.setOutput(0, p)
	aio.Finish(nil, 0)
}

// closeAllPipesLocked closes and reaps every pipe on all three lists.
// Must be called with e.mu held; it snapshots the lists, releases the
// lock while the pipes are closed and reaped, and reacquires it before
// returning, so e.mu is never held while a pipe's Close runs its own
// locking.
func (e *Endpoint) closeAllPipesLocked() {
	var all []*Pipe
	e.negopipes.each(func(p *Pipe) { all = append(all, p) })
	e.waitpipes.each(func(p *Pipe) { all = append(all, p) })
	e.busypipes.each(func(p *Pipe) { all = append(all, p) })
	e.mu.Unlock()
	for _, p := range all {
		p.Close()
		p.reap()
	}
	e.mu.Lock()
}

// waitFini blocks until refcount reaches zero, i.e. every pipe has been
// reaped. Must be called after fini has been set.
func (e *Endpoint) waitFini() {
	e.mu.Lock()
	for e.refcount != 0 {
		e.finiWait.Wait()
	}
	e.mu.Unlock()
}
