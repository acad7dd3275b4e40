package nanomux

import (
	"net"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testSocket struct{ proto uint16 }

func (s testSocket) ProtocolID() uint16 { return s.proto }

// testListener/testDialer are a minimal in-memory transport pair,
// local to this test file, used to drive Dialer/Listener without going
// through the scheme registry.
type testTransportPair struct {
	accepts chan net.Conn
	done    chan struct{}
}

func newTestTransportPair() *testTransportPair {
	return &testTransportPair{accepts: make(chan net.Conn), done: make(chan struct{})}
}

type testListener struct{ pair *testTransportPair }

func (l *testListener) Bind() error  { return nil }
func (l *testListener) Addr() string { return "test://addr" }
func (l *testListener) Accept(aio *AIO) {
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
		case conn := <-l.pair.accepts:
			aio.SetOutputs(&memStream{c: conn})
			aio.Finish(nil, 0)
		case <-l.pair.done:
			aio.Finish(ErrClosed, 0)
		case err := <-cancelCh:
			aio.Finish(err, 0)
		}
	}()
}
func (l *testListener) Close() error { return nil }

type testDialer struct{ pair *testTransportPair }

func (d *testDialer) Dial(aio *AIO) {
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
		client, server := net.Pipe()
		select {
		case d.pair.accepts <- server:
			aio.SetOutputs(&memStream{c: client})
			aio.Finish(nil, 0)
		case <-d.pair.done:
			client.Close()
			server.Close()
			aio.Finish(ErrConnectionRefused, 0)
		case err := <-cancelCh:
			client.Close()
			server.Close()
			aio.Finish(err, 0)
		}
	}()
}
func (d *testDialer) Close() error { return nil }

func newTestEndpointPair(t *testing.T, opts ...EndpointOption) (*Dialer, *Listener) {
	t.Helper()
	pair := newTestTransportPair()
	u, err := url.Parse("test://addr")
	require.NoError(t, err)

	l := &Listener{}
	l.endpoint.init(u, testSocket{proto: 1}, opts...)
	l.listener = &testListener{pair: pair}
	l.init()

	d := &Dialer{}
	d.endpoint.init(u, testSocket{proto: 1}, opts...)
	d.dialer = &testDialer{pair: pair}
	d.init()

	return d, l
}

// Connect/Accept rendezvous through match(): the dialer's Connect and the
// listener's Accept each complete with a *Pipe once the handshake
// finishes on both ends.
func TestEndpointConnectAccept(t *testing.T) {
	d, l := newTestEndpointPair(t)
	require.NoError(t, l.Bind())
	require.NoError(t, l.Start())

	acceptAIO := NewAIO(nil)
	acceptDone := make(chan struct{})
	acceptAIO.callback = func(a *AIO) { close(acceptDone) }
	l.Accept(acceptAIO)

	connectAIO := NewAIO(nil)
	connectDone := make(chan struct{})
	connectAIO.callback = func(a *AIO) { close(connectDone) }
	d.Connect(connectAIO)

	select {
	case <-acceptDone:
	case <-time.After(time.Second):
		t.Fatal("accept never completed")
	}
	select {
	case <-connectDone:
	case <-time.After(time.Second):
		t.Fatal("connect never completed")
	}

	aerr, _ := acceptAIO.Result()
	require.NoError(t, aerr)
	cerr, _ := connectAIO.Result()
	require.NoError(t, cerr)

	ap, _ := firstOutput(acceptAIO).(*Pipe)
	cp, _ := firstOutput(connectAIO).(*Pipe)
	require.NotNil(t, ap)
	require.NotNil(t, cp)
	assert.Equal(t, uint16(1), ap.Peer())
	assert.Equal(t, uint16(1), cp.Peer())
}

// A second concurrent Connect fails fast with ErrBusy while the first is
// still outstanding.
func TestDialerConnectBusy(t *testing.T) {
	d, _ := newTestEndpointPair(t)

	first := NewAIO(nil)
	d.Connect(first)

	second := NewAIO(nil)
	d.Connect(second)
	err, _ := second.Result()
	assert.ErrorIs(t, err, ErrBusy)
}

// A second concurrent Accept fails fast with ErrBusy while the first is
// still outstanding.
func TestListenerAcceptBusy(t *testing.T) {
	d, l := newTestEndpointPair(t)
	_ = d
	require.NoError(t, l.Bind())
	require.NoError(t, l.Start())

	first := NewAIO(nil)
	l.Accept(first)

	second := NewAIO(nil)
	l.Accept(second)
	err, _ := second.Result()
	assert.ErrorIs(t, err, ErrBusy)
}

// Closing a dialer with a connect in flight completes it with ErrClosed
// instead of leaving it hanging.
func TestDialerCloseAbortsPendingConnect(t *testing.T) {
	d, _ := newTestEndpointPair(t)

	aio := NewAIO(nil)
	done := make(chan struct{})
	aio.callback = func(*AIO) { close(done) }
	d.Connect(aio)

	require.NoError(t, d.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("connect never completed after Close")
	}
	err, _ := aio.Result()
	assert.ErrorIs(t, err, ErrClosed)
}

// Closing a listener with an accept in flight completes it with
// ErrClosed.
func TestListenerCloseAbortsPendingAccept(t *testing.T) {
	_, l := newTestEndpointPair(t)
	require.NoError(t, l.Bind())
	require.NoError(t, l.Start())

	aio := NewAIO(nil)
	done := make(chan struct{})
	aio.callback = func(*AIO) { close(done) }
	l.Accept(aio)

	require.NoError(t, l.Close())

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("accept never completed after Close")
	}
	err, _ := aio.Result()
	assert.ErrorIs(t, err, ErrClosed)
}

// WithRecvMaxSize imprints the endpoint's configured ceiling on every
// pipe it hands out.
func TestEndpointImprintsRecvMaxSize(t *testing.T) {
	d, l := newTestEndpointPair(t, WithRecvMaxSize(128))
	require.NoError(t, l.Bind())
	require.NoError(t, l.Start())

	acceptAIO := NewAIO(nil)
	acceptDone := make(chan struct{})
	acceptAIO.callback = func(*AIO) { close(acceptDone) }
	l.Accept(acceptAIO)

	connectAIO := NewAIO(nil)
	d.Connect(connectAIO)

	select {
	case <-acceptDone:
	case <-time.After(time.Second):
		t.Fatal("accept never completed")
	}
	ap, _ := firstOutput(acceptAIO).(*Pipe)
	require.NotNil(t, ap)
	assert.Equal(t, int64(128), ap.rcvmax)
}
