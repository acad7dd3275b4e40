// Package tcp implements the "tcp" transport scheme over net.TCPConn.
package tcp

import (
	"context"
	"net"
	"net/url"
	"time"

	"github.com/nanomux/nanomux"
	"github.com/nanomux/nanomux/internal/streamio"
)

// init registers the unspecified, v4-only and v6-only address-family
// variants of the scheme (spec.md §4.E.1: "a listener additionally
// interprets the URL scheme to pick an address family"). The dialer side
// honors the same network string, so a "tcp4://" dial also restricts
// itself to IPv4, which is harmless since spec.md only requires the
// family interpretation on the listening side.
func init() {
	nanomux.RegisterTransport(transport{scheme: "tcp", network: "tcp"})
	nanomux.RegisterTransport(transport{scheme: "tcp4", network: "tcp4"})
	nanomux.RegisterTransport(transport{scheme: "tcp6", network: "tcp6"})
}

type transport struct {
	scheme  string
	network string
}

func (t transport) Scheme() string { return t.scheme }

func (t transport) NewDialer(rawurl string) (nanomux.PipeDialer, error) {
	addr, err := hostport(rawurl)
	if err != nil {
		return nil, err
	}
	// A dialer needs somewhere to connect: reject an empty host or a
	// zero/absent port outright instead of discovering it only once
	// net.Dial fails.
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" || port == "0" {
		return nil, nanomux.ErrAddressInvalid
	}
	return &dialer{addr: addr, network: t.network, d: &net.Dialer{}}, nil
}

func (t transport) NewListener(rawurl string) (nanomux.PipeListener, error) {
	addr, err := hostport(rawurl)
	if err != nil {
		return nil, err
	}
	return &listener{addr: addr, network: t.network}, nil
}

func hostport(rawurl string) (string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return "", nanomux.ErrAddressInvalid
	}
	if u.Host == "" {
		return "", nanomux.ErrAddressInvalid
	}
	return u.Host, nil
}

// Stream wraps *net.TCPConn, adding nodelay/keep-alive option support on
// top of the generic streamio.Conn.
type Stream struct {
	*streamio.Conn
	tcp *net.TCPConn
}

func newStream(conn net.Conn) *Stream {
	s := &Stream{Conn: &streamio.Conn{C: conn}}
	if tc, ok := conn.(*net.TCPConn); ok {
		s.tcp = tc
	}
	return s
}

func (s *Stream) SetOption(name string, value any) error {
	if s.tcp == nil {
		return nanomux.ErrNotSupported
	}
	switch name {
	case nanomux.OptionNoDelay:
		v, ok := value.(bool)
		if !ok {
			return nanomux.ErrBadType
		}
		return s.tcp.SetNoDelay(v)
	case nanomux.OptionKeepAlive:
		v, ok := value.(bool)
		if !ok {
			return nanomux.ErrBadType
		}
		return s.tcp.SetKeepAlive(v)
	default:
		return nanomux.ErrNotSupported
	}
}

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
	addr    string
	network string
	d       *net.Dialer
}

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

		conn, err := d.d.DialContext(ctx, d.network, d.addr)
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
	network string
	ln      *net.TCPListener
}

func (l *listener) Bind() error {
	addr, err := net.ResolveTCPAddr(l.network, l.addr)
	if err != nil {
		return nanomux.ErrAddressInvalid
	}
	ln, err := net.ListenTCP(l.network, addr)
	if err != nil {
		return nanomux.ClassifyNetError(err)
	}
	l.ln = ln
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
			l.ln.SetDeadline(time.Unix(0, 1))
		}
		if err := aio.Schedule(cancel, nil); err != nil {
			aio.Finish(err, 0)
			return
		}
		conn, err := l.ln.AcceptTCP()
		l.ln.SetDeadline(time.Time{})
		if err != nil {
			select {
			case cerr := <-cancelCh:
				if cerr != nil {
					aio.Finish(cerr, 0)
					return
				}
			default:
			}
			aio.Finish(nanomux.ClassifyNetError(err), 0)
			return
		}
		aio.SetOutputs(newStream(conn))
		aio.Finish(nil, 0)
	}()
}

func (l *listener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}
