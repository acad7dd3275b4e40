package nanomux

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// memStream is a minimal Stream over net.Pipe, good enough to drive the
// framer and handshake without a real transport. Cancellation is honored
// via deadlines the same way the real transports do.
type memStream struct {
	c net.Conn
}

func (s *memStream) LocalAddr() net.Addr  { return s.c.LocalAddr() }
func (s *memStream) RemoteAddr() net.Addr { return s.c.RemoteAddr() }
func (s *memStream) Close() error         { return s.c.Close() }
func (s *memStream) SetOption(string, any) error      { return ErrNotSupported }
func (s *memStream) GetOption(string) (any, error)    { return nil, ErrNotSupported }

func (s *memStream) Send(aio *AIO) {
	go func() {
		cancelCh := make(chan error, 1)
		cancel := func(_ any, err error) {
			select {
			case cancelCh <- err:
			default:
			}
			s.c.SetWriteDeadline(time.Unix(0, 1))
		}
		if err := aio.Schedule(cancel, nil); err != nil {
			aio.Finish(err, 0)
			return
		}
		var n int
		var err error
		for _, iov := range aio.Iovs() {
			wn, werr := s.c.Write(iov.Buf)
			n += wn
			if werr != nil {
				err = werr
				break
			}
		}
		s.c.SetWriteDeadline(time.Time{})
		finishMem(aio, cancelCh, err, n)
	}()
}

func (s *memStream) Recv(aio *AIO) {
	go func() {
		cancelCh := make(chan error, 1)
		cancel := func(_ any, err error) {
			select {
			case cancelCh <- err:
			default:
			}
			s.c.SetReadDeadline(time.Unix(0, 1))
		}
		if err := aio.Schedule(cancel, nil); err != nil {
			aio.Finish(err, 0)
			return
		}
		iovs := aio.Iovs()
		var n int
		var err error
		if len(iovs) > 0 && len(iovs[0].Buf) > 0 {
			n, err = s.c.Read(iovs[0].Buf)
		}
		s.c.SetReadDeadline(time.Time{})
		finishMem(aio, cancelCh, err, n)
	}()
}

func finishMem(aio *AIO, cancelCh chan error, err error, n int) {
	if err != nil {
		select {
		case cerr := <-cancelCh:
			if cerr != nil {
				aio.Finish(cerr, n)
				return
			}
		default:
		}
		aio.Finish(ClassifyNetError(err), n)
		return
	}
	aio.Finish(nil, n)
}

func newPipePair() (*Pipe, *Pipe) {
	c1, c2 := net.Pipe()
	p1 := newPipe(&memStream{c: c1}, nil, DefaultLogger())
	p2 := newPipe(&memStream{c: c2}, nil, DefaultLogger())
	return p1, p2
}

func handshakeBoth(t *testing.T, p1, p2 *Pipe, proto1, proto2 uint16) {
	t.Helper()
	done1 := make(chan error, 1)
	done2 := make(chan error, 1)
	p1.startHandshake(proto1, func(peer uint16, err error) {
		if err == nil {
			assert.Equal(t, proto2, peer)
		}
		done1 <- err
	})
	p2.startHandshake(proto2, func(peer uint16, err error) {
		if err == nil {
			assert.Equal(t, proto1, peer)
		}
		done2 <- err
	})
	select {
	case err := <-done1:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("p1 handshake never completed")
	}
	select {
	case err := <-done2:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("p2 handshake never completed")
	}
}

// The 8-byte SP header exchange completes on both ends with each side's
// peer protocol id visible to the other.
func TestPipeHandshake(t *testing.T) {
	p1, p2 := newPipePair()
	handshakeBoth(t, p1, p2, 1, 16)
	assert.Equal(t, uint16(16), p1.Peer())
	assert.Equal(t, uint16(1), p2.Peer())
}

// A garbled handshake record is reported as a protocol error.
func TestPipeHandshakeBadRecord(t *testing.T) {
	c1, c2 := net.Pipe()
	p1 := newPipe(&memStream{c: c1}, nil, DefaultLogger())

	go func() {
		// net.Pipe is synchronous: drain p1's outbound handshake record
		// before writing back a malformed one of our own.
		io.ReadFull(c2, make([]byte, 8))
		c2.Write([]byte{1, 'X', 'P', 0, 0, 1, 0, 0})
	}()

	done := make(chan error, 1)
	p1.startHandshake(1, func(_ uint16, err error) { done <- err })

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrProtocol)
	case <-time.After(time.Second):
		t.Fatal("handshake never completed")
	}
}

// A zero-length message round-trips as an empty Message with n == 0.
func TestPipeZeroLengthRoundTrip(t *testing.T) {
	p1, p2 := newPipePair()
	handshakeBoth(t, p1, p2, 1, 1)

	sendAIO := NewAIO(nil)
	p1.Send(sendAIO, &Message{})

	var recvErr error
	var recvMsg *Message
	recvDone := make(chan struct{})
	recvAIO := NewAIO(func(a *AIO) {
		recvErr, _ = a.Result()
		recvMsg, _ = firstOutput(a).(*Message)
		close(recvDone)
	})
	p2.Recv(recvAIO)

	select {
	case <-recvDone:
	case <-time.After(time.Second):
		t.Fatal("recv never completed")
	}
	require.NoError(t, recvErr)
	require.NotNil(t, recvMsg)
	assert.Empty(t, recvMsg.Body)

	sendAIO.waitIdle()
	sendErr, n := sendAIO.Result()
	require.NoError(t, sendErr)
	assert.Equal(t, 0, n)
}

// A message whose declared length exceeds the receiver's recv-max-size
// is rejected with ErrMessageTooBig and the pipe is otherwise undisturbed
// for the purposes of this single recv call.
func TestPipeRecvMaxSize(t *testing.T) {
	p1, p2 := newPipePair()
	handshakeBoth(t, p1, p2, 1, 1)
	p2.SetRecvMaxSize(4)

	sendAIO := NewAIO(nil)
	p1.Send(sendAIO, &Message{Body: make([]byte, 16)})

	recvDone := make(chan error, 1)
	recvAIO := NewAIO(func(a *AIO) {
		err, _ := a.Result()
		recvDone <- err
	})
	p2.Recv(recvAIO)

	select {
	case err := <-recvDone:
		assert.ErrorIs(t, err, ErrMessageTooBig)
	case <-time.After(time.Second):
		t.Fatal("recv never completed")
	}
}

// Closing a pipe mid-frame is reported to a pending recv as a protocol
// error rather than a clean close.
func TestPipeMidFrameCloseIsProtocolError(t *testing.T) {
	c1, c2 := net.Pipe()
	p2 := newPipe(&memStream{c: c2}, nil, DefaultLogger())

	recvDone := make(chan error, 1)
	recvAIO := NewAIO(func(a *AIO) {
		err, _ := a.Result()
		recvDone <- err
	})
	p2.Recv(recvAIO)

	// Write a partial 8-byte length header, then close mid-frame.
	c1.Write([]byte{0, 0, 0})
	c1.Close()

	select {
	case err := <-recvDone:
		assert.ErrorIs(t, err, ErrProtocol)
	case <-time.After(time.Second):
		t.Fatal("recv never completed")
	}
}

// A clean close between frames is reported as ErrClosed, not a protocol
// error.
func TestPipeCleanCloseBetweenFrames(t *testing.T) {
	c1, c2 := net.Pipe()
	p2 := newPipe(&memStream{c: c2}, nil, DefaultLogger())

	recvDone := make(chan error, 1)
	recvAIO := NewAIO(func(a *AIO) {
		err, _ := a.Result()
		recvDone <- err
	})
	p2.Recv(recvAIO)

	c1.Close()

	select {
	case err := <-recvDone:
		assert.ErrorIs(t, err, ErrClosed)
	case <-time.After(time.Second):
		t.Fatal("recv never completed")
	}
}
