// Package tls implements the "tls" transport scheme: a TCP connection
// wrapped in a TLS handshake, configured via an externally supplied
// *tls.Config registered per-address before dialing or binding.
package tls

import (
	"context"
	"crypto/tls"
	"errors"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/nanomux/nanomux"
	"github.com/nanomux/nanomux/internal/streamio"
)

// init registers the unspecified, v4-only and v6-only address-family
// variants of the scheme, mirroring transport/tcp's family-qualified
// scheme registration (spec.md §4.E.1).
func init() {
	nanomux.RegisterTransport(transport{scheme: "tls", network: "tcp"})
	nanomux.RegisterTransport(transport{scheme: "tls4", network: "tcp4"})
	nanomux.RegisterTransport(transport{scheme: "tls6", network: "tcp6"})
}

var (
	configMu sync.Mutex
	configs  = map[string]*tls.Config{}
)

// SetConfig registers the *tls.Config to use for subsequent dials or
// binds to addr. Must be called before NewDialer/NewListener, since the
// transport registry's construction path carries no side channel for
// per-connection TLS material (spec.md's Stream abstraction is opaque to
// transport-specific config).
func SetConfig(addr string, cfg *tls.Config) {
	configMu.Lock()
	defer configMu.Unlock()
	configs[addr] = cfg
}

func configFor(addr string) *tls.Config {
	configMu.Lock()
	defer configMu.Unlock()
	if cfg, ok := configs[addr]; ok {
		return cfg
	}
	return &tls.Config{}
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
	host, port, err := net.SplitHostPort(addr)
	if err != nil || host == "" || port == "0" {
		return nil, nanomux.ErrAddressInvalid
	}
	return &dialer{addr: addr, network: t.network, cfg: configFor(addr), d: &net.Dialer{}}, nil
}

func (t transport) NewListener(rawurl string) (nanomux.PipeListener, error) {
	addr, err := hostport(rawurl)
	if err != nil {
		return nil, err
	}
	return &listener{addr: addr, network: t.network, cfg: configFor(addr)}, nil
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

// classifyHandshakeError maps a crypto/tls handshake failure onto the
// spec's error taxonomy (spec.md §9 open question: invalid-verify dials
// may surface as peer-auth, closed, or crypto depending on how far the
// handshake got).
func classifyHandshakeError(err error) error {
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		return nanomux.ErrPeerAuth
	}
	var recErr tls.RecordHeaderError
	if errors.As(err, &recErr) {
		return nanomux.ErrProtocol
	}
	if errors.Is(err, context.Canceled) {
		return nanomux.ErrClosed
	}
	if _, ok := err.(net.Error); ok {
		return nanomux.ClassifyNetError(err)
	}
	return nanomux.ErrCrypto
}

type dialer struct {
	addr    string
	network string
	cfg     *tls.Config
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

		raw, err := d.d.DialContext(ctx, d.network, d.addr)
		if err != nil {
			if ctx.Err() != nil {
				aio.Finish(nanomux.ErrClosed, 0)
				return
			}
			aio.Finish(nanomux.ClassifyNetError(err), 0)
			return
		}
		conn := tls.Client(raw, d.cfg)
		if err := conn.HandshakeContext(ctx); err != nil {
			raw.Close()
			if ctx.Err() != nil {
				aio.Finish(nanomux.ErrClosed, 0)
				return
			}
			aio.Finish(classifyHandshakeError(err), 0)
			return
		}
		aio.SetOutputs(&streamio.Conn{C: conn})
		aio.Finish(nil, 0)
	}()
}

func (d *dialer) Close() error { return nil }

type listener struct {
	addr    string
	network string
	cfg     *tls.Config
	raw     *net.TCPListener
	ln      net.Listener
}

func (l *listener) Bind() error {
	addr, err := net.ResolveTCPAddr(l.network, l.addr)
	if err != nil {
		return nanomux.ErrAddressInvalid
	}
	raw, err := net.ListenTCP(l.network, addr)
	if err != nil {
		return nanomux.ClassifyNetError(err)
	}
	l.raw = raw
	l.ln = tls.NewListener(raw, l.cfg)
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
		ctx, cancel := context.WithCancel(context.Background())
		cancelCh := make(chan error, 1)
		aioCancel := func(_ any, err error) {
			select {
			case cancelCh <- err:
			default:
			}
			l.raw.SetDeadline(time.Unix(0, 1))
			cancel()
		}
		if err := aio.Schedule(aioCancel, nil); err != nil {
			cancel()
			aio.Finish(err, 0)
			return
		}
		defer cancel()

		conn, err := l.ln.Accept()
		l.raw.SetDeadline(time.Time{})
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

		// HandshakeContext ties the TLS handshake itself to the cancel
		// hook, not just the raw accept: without this a peer that
		// completes the TCP handshake but stalls the TLS handshake
		// would block this goroutine forever.
		tconn := conn.(*tls.Conn)
		if err := tconn.HandshakeContext(ctx); err != nil {
			conn.Close()
			if ctx.Err() != nil {
				aio.Finish(nanomux.ErrClosed, 0)
				return
			}
			aio.Finish(classifyHandshakeError(err), 0)
			return
		}
		aio.SetOutputs(&streamio.Conn{C: conn})
		aio.Finish(nil, 0)
	}()
}

func (l *listener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}
