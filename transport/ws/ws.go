// Package ws implements the "ws" transport scheme over gorilla/websocket,
// writing each Send call as one binary WebSocket message instead of going
// through the net.Conn-backed internal/streamio adapter the other
// transports share (spec.md §4.H). The Pipe's own length-prefixed framing
// still runs on top and is carried inside those messages.
package ws

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nanomux/nanomux"
)

// init registers the unspecified, v4-only and v6-only address-family
// variants of the scheme, mirroring transport/tcp's family-qualified
// scheme registration (spec.md §4.E.1).
func init() {
	nanomux.RegisterTransport(transport{scheme: "ws", network: "tcp"})
	nanomux.RegisterTransport(transport{scheme: "ws4", network: "tcp4"})
	nanomux.RegisterTransport(transport{scheme: "ws6", network: "tcp6"})
}

type transport struct {
	scheme  string
	network string
}

func (t transport) Scheme() string { return t.scheme }

func (t transport) NewDialer(rawurl string) (nanomux.PipeDialer, error) {
	u, err := url.Parse(rawurl)
	if err != nil || u.Host == "" || u.Hostname() == "" || u.Port() == "0" {
		return nil, nanomux.ErrAddressInvalid
	}
	wsURL := *u
	wsURL.Scheme = "ws"
	return &dialer{url: wsURL.String(), network: t.network}, nil
}

func (t transport) NewListener(rawurl string) (nanomux.PipeListener, error) {
	u, err := url.Parse(rawurl)
	if err != nil || u.Host == "" {
		return nil, nanomux.ErrAddressInvalid
	}
	return &listener{addr: u.Host, path: u.Path, network: t.network}, nil
}

// Stream adapts a *websocket.Conn to nanomux.Stream: each Send writes one
// binary message, each Recv reads one binary message, buffering any
// overflow locally so a caller's smaller iov still sees the rest on the
// next call.
type Stream struct {
	conn *websocket.Conn

	mu      sync.Mutex
	pending []byte
}

func newStream(conn *websocket.Conn) *Stream { return &Stream{conn: conn} }

func (s *Stream) LocalAddr() net.Addr  { return s.conn.LocalAddr() }
func (s *Stream) RemoteAddr() net.Addr { return s.conn.RemoteAddr() }
func (s *Stream) Close() error         { return s.conn.Close() }

func (s *Stream) Send(aio *nanomux.AIO) { go s.send(aio) }
func (s *Stream) Recv(aio *nanomux.AIO) { go s.recv(aio) }

func (s *Stream) send(aio *nanomux.AIO) {
	cancelCh := make(chan error, 1)
	cancel := func(_ any, err error) {
		select {
		case cancelCh <- err:
		default:
		}
		s.conn.SetWriteDeadline(time.Unix(0, 1))
	}
	if err := aio.Schedule(cancel, nil); err != nil {
		aio.Finish(err, 0)
		return
	}

	iovs := aio.Iovs()
	n := 0
	for _, iov := range iovs {
		n += len(iov.Buf)
	}
	buf := make([]byte, 0, n)
	for _, iov := range iovs {
		buf = append(buf, iov.Buf...)
	}

	err := s.conn.WriteMessage(websocket.BinaryMessage, buf)
	s.conn.SetWriteDeadline(time.Time{})
	if err != nil {
		select {
		case cerr := <-cancelCh:
			if cerr != nil {
				aio.Finish(cerr, 0)
				return
			}
		default:
		}
		aio.Finish(classifyWSError(err), 0)
		return
	}
	aio.Finish(nil, n)
}

func (s *Stream) recv(aio *nanomux.AIO) {
	cancelCh := make(chan error, 1)
	cancel := func(_ any, err error) {
		select {
		case cancelCh <- err:
		default:
		}
		s.conn.SetReadDeadline(time.Unix(0, 1))
	}
	if err := aio.Schedule(cancel, nil); err != nil {
		aio.Finish(err, 0)
		return
	}

	iovs := aio.Iovs()
	var dst []byte
	if len(iovs) > 0 {
		dst = iovs[0].Buf
	}

	s.mu.Lock()
	if len(s.pending) == 0 {
		s.mu.Unlock()
		_, data, err := s.conn.ReadMessage()
		s.conn.SetReadDeadline(time.Time{})
		if err != nil {
			select {
			case cerr := <-cancelCh:
				if cerr != nil {
					aio.Finish(cerr, 0)
					return
				}
			default:
			}
			aio.Finish(classifyWSError(err), 0)
			return
		}
		s.mu.Lock()
		s.pending = data
	} else {
		s.conn.SetReadDeadline(time.Time{})
	}

	n := copy(dst, s.pending)
	s.pending = s.pending[n:]
	s.mu.Unlock()

	aio.Finish(nil, n)
}

func classifyWSError(err error) error {
	if _, ok := err.(*websocket.CloseError); ok {
		return nanomux.ErrClosed
	}
	return nanomux.ClassifyNetError(err)
}

func (s *Stream) SetOption(name string, value any) error { return nanomux.ErrNotSupported }
func (s *Stream) GetOption(name string) (any, error) {
	switch name {
	case nanomux.OptionRemoteAddr:
		return s.RemoteAddr(), nil
	case nanomux.OptionLocalAddr:
		return s.LocalAddr(), nil
	default:
		return nil, nanomux.ErrNotSupported
	}
}

type dialer struct {
	url     string
	network string
}

// Dial wires a context into gorilla's websocket.Dialer via NetDialContext
// the same way transport/tcp and transport/tls wire one into
// net.Dialer.DialContext, so an AIO-level cancel (Dialer.Close/Fini while
// a dial is in flight against an unreachable host) unwinds the dial
// instead of blocking until the OS-level timeout.
func (d *dialer) Dial(aio *nanomux.AIO) {
	go func() {
		ctx, cancel := context.WithCancel(context.Background())
		aioCancel := func(_ any, _ error) { cancel() }
		if err := aio.Schedule(aioCancel, nil); err != nil {
			cancel()
			aio.Finish(err, 0)
			return
		}
		defer cancel()

		netDialer := &net.Dialer{}
		wd := websocket.Dialer{
			NetDialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
				return netDialer.DialContext(ctx, d.network, addr)
			},
		}
		conn, _, err := wd.DialContext(ctx, d.url, nil)
		if err != nil {
			if ctx.Err() != nil {
				aio.Finish(nanomux.ErrClosed, 0)
				return
			}
			aio.Finish(nanomux.ClassifyNetError(err), 0)
			return
		}
		aio.SetOutputs(newStream(conn))
		aio.Finish(nil, 0)
	}()
}

func (d *dialer) Close() error { return nil }

type listener struct {
	addr    string
	path    string
	network string

	mu      sync.Mutex
	srv     *http.Server
	ln      net.Listener
	accepts chan *websocket.Conn
	done    chan struct{}
	closed  bool

	upgrader websocket.Upgrader
}

func (l *listener) Bind() error {
	ln, err := net.Listen(l.network, l.addr)
	if err != nil {
		return nanomux.ClassifyNetError(err)
	}
	l.ln = ln
	l.accepts = make(chan *websocket.Conn)
	l.done = make(chan struct{})

	mux := http.NewServeMux()
	path := l.path
	if path == "" {
		path = "/"
	}
	mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		conn, err := l.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		select {
		case l.accepts <- conn:
		case <-l.done:
			conn.Close()
		}
	})
	l.srv = &http.Server{Handler: mux}
	go l.srv.Serve(ln)
	return nil
}

func (l *listener) Addr() string {
	if l.ln == nil {
		return l.addr
	}
	return l.ln.Addr().String()
}

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
			aio.SetOutputs(newStream(conn))
			aio.Finish(nil, 0)
		case <-l.done:
			aio.Finish(nanomux.ErrClosed, 0)
		case err := <-cancelCh:
			aio.Finish(err, 0)
		}
	}()
}

func (l *listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	close(l.done)
	if l.srv != nil {
		l.srv.Close()
	}
	return nil
}
