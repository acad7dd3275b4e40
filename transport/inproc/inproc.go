// Package inproc implements the "inproc" transport scheme: pipes backed
// by net.Pipe(), with a process-wide named-listener registry so that
// binding the same address twice yields nanomux.ErrAddressInUse.
package inproc

import (
	"net"
	"net/url"
	"sync"

	"github.com/nanomux/nanomux"
	"github.com/nanomux/nanomux/internal/streamio"
)

func init() {
	nanomux.RegisterTransport(transport{})
}

type transport struct{}

func (transport) Scheme() string { return "inproc" }

func (transport) NewDialer(rawurl string) (nanomux.PipeDialer, error) {
	addr, err := parseAddr(rawurl)
	if err != nil {
		return nil, err
	}
	return &dialer{addr: addr}, nil
}

func (transport) NewListener(rawurl string) (nanomux.PipeListener, error) {
	addr, err := parseAddr(rawurl)
	if err != nil {
		return nil, err
	}
	return &listener{addr: addr, accepts: make(chan net.Conn), done: make(chan struct{})}, nil
}

func parseAddr(rawurl string) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", nanomux.ErrAddressInvalid
	}
	addr := u.Host + u.Path
	if addr == "" {
		return "", nanomux.ErrAddressInvalid
	}
	return addr, nil
}

var (
	registryMu sync.Mutex
	registry   = map[string]*listener{}
)

type listener struct {
	addr    string
	accepts chan net.Conn
	done    chan struct{}

	mu     sync.Mutex
	closed bool
}

func (l *listener) Bind() error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[l.addr]; ok {
		return nanomux.ErrAddressInUse
	}
	registry[l.addr] = l
	return nil
}

func (l *listener) Addr() string { return "inproc://" + l.addr }

func (l *listener) Accept(aio *nanomux.AIO) {
	go func() {
		cancelCh := make(chan error, 1)
		cancel := func(_ any, err error) {
			select {
			case cancelCh <- err:
			default:
			}
		}
		if err := aio.Schedule(cancel, nil); err != nil {
			aio.Finish(err, 0)
			return
		}
		select {
		case conn := <-l.accepts:
			aio.SetOutputs(&streamio.Conn{C: conn})
			aio.Finish(nil, 0)
		case <-l.done:
			aio.Finish(nanomux.ErrClosed, 0)
		case err := <-cancelCh:
			aio.Finish(err, 0)
		}
	}()
}

func (l *listener) Close() error {
	registryMu.Lock()
	if registry[l.addr] == l {
		delete(registry, l.addr)
	}
	registryMu.Unlock()

	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.closed {
		l.closed = true
		close(l.done)
	}
	return nil
}

type dialer struct{ addr string }

func (d *dialer) Dial(aio *nanomux.AIO) {
	go func() {
		cancelCh := make(chan error, 1)
		cancel := func(_ any, err error) {
			select {
			case cancelCh <- err:
			default:
			}
		}
		if err := aio.Schedule(cancel, nil); err != nil {
			aio.Finish(err, 0)
			return
		}
		registryMu.Lock()
		l, ok := registry[d.addr]
		registryMu.Unlock()
		if !ok {
			aio.Finish(nanomux.ErrConnectionRefused, 0)
			return
		}
		client, server := net.Pipe()
		select {
		case l.accepts <- server:
			aio.SetOutputs(&streamio.Conn{C: client})
			aio.Finish(nil, 0)
		case <-l.done:
			client.Close()
			server.Close()
			aio.Finish(nanomux.ErrConnectionRefused, 0)
		case err := <-cancelCh:
			client.Close()
			server.Close()
			aio.Finish(err, 0)
		}
	}()
}

func (d *dialer) Close() error { return nil }
