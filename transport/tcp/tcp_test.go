package tcp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanomux/nanomux"
)

// A loopback dial/accept pair exchanges bytes end to end, and the
// nodelay/keep-alive options are accepted on the resulting stream.
func TestDialAcceptRoundTrip(t *testing.T) {
	tr := transport{scheme: "tcp", network: "tcp"}
	ln, err := tr.NewListener("tcp://127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Bind())
	defer ln.Close()

	acceptDone := make(chan struct{})
	acceptAIO := nanomux.NewAIO(func(*nanomux.AIO) { close(acceptDone) })
	ln.Accept(acceptAIO)

	dl, err := tr.NewDialer("tcp://" + ln.Addr())
	require.NoError(t, err)
	dialDone := make(chan struct{})
	dialAIO := nanomux.NewAIO(func(*nanomux.AIO) { close(dialDone) })
	dl.Dial(dialAIO)

	select {
	case <-dialDone:
	case <-time.After(2 * time.Second):
		t.Fatal("dial never completed")
	}
	select {
	case <-acceptDone:
	case <-time.After(2 * time.Second):
		t.Fatal("accept never completed")
	}

	derr, _ := dialAIO.Result()
	require.NoError(t, derr)
	aerr, _ := acceptAIO.Result()
	require.NoError(t, aerr)

	client, _ := dialAIO.Outputs()[0].(*Stream)
	server, _ := acceptAIO.Outputs()[0].(*Stream)
	require.NotNil(t, client)
	require.NotNil(t, server)

	require.NoError(t, client.SetOption(nanomux.OptionNoDelay, true))
	require.NoError(t, server.SetOption(nanomux.OptionKeepAlive, true))

	sendDone := make(chan struct{})
	sendAIO := nanomux.NewAIO(func(*nanomux.AIO) { close(sendDone) })
	require.NoError(t, sendAIO.Begin())
	sendAIO.SetIov([]nanomux.Iov{{Buf: []byte("ping")}})
	client.Send(sendAIO)

	buf := make([]byte, 4)
	recvDone := make(chan struct{})
	recvAIO := nanomux.NewAIO(func(*nanomux.AIO) { close(recvDone) })
	require.NoError(t, recvAIO.Begin())
	recvAIO.SetIov([]nanomux.Iov{{Buf: buf}})
	server.Recv(recvAIO)

	select {
	case <-sendDone:
	case <-time.After(2 * time.Second):
		t.Fatal("send never completed")
	}
	select {
	case <-recvDone:
	case <-time.After(2 * time.Second):
		t.Fatal("recv never completed")
	}
	assert.Equal(t, "ping", string(buf))
}

// Dialing an address with nothing listening fails with
// ErrConnectionRefused.
func TestDialRefused(t *testing.T) {
	tr := transport{scheme: "tcp", network: "tcp"}
	// Bind a listener momentarily to grab a free port, then close it so
	// nothing is listening there.
	ln, err := tr.NewListener("tcp://127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Bind())
	addr := ln.Addr()
	require.NoError(t, ln.Close())

	dl, err := tr.NewDialer("tcp://" + addr)
	require.NoError(t, err)
	done := make(chan struct{})
	aio := nanomux.NewAIO(func(*nanomux.AIO) { close(done) })
	dl.Dial(aio)

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("dial never completed")
	}
	err, _ = aio.Result()
	assert.ErrorIs(t, err, nanomux.ErrConnectionRefused)
}

// An empty host or a zero port is rejected at dialer construction time.
func TestNewDialerRejectsUnreachableAddress(t *testing.T) {
	tr := transport{scheme: "tcp", network: "tcp"}
	_, err := tr.NewDialer("tcp://127.0.0.1:0")
	assert.ErrorIs(t, err, nanomux.ErrAddressInvalid)

	_, err = tr.NewDialer("tcp://:9999")
	assert.ErrorIs(t, err, nanomux.ErrAddressInvalid)
}

// A listener is allowed a zero port for an ephemeral bind.
func TestNewListenerAllowsZeroPort(t *testing.T) {
	tr := transport{scheme: "tcp", network: "tcp"}
	ln, err := tr.NewListener("tcp://127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Bind())
	defer ln.Close()
	assert.NotEmpty(t, ln.Addr())
}
