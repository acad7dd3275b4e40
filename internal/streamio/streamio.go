// Package streamio implements the net.Conn-backed half of the
// nanomux.Stream contract shared by the tcp, tls and inproc transports:
// async send/recv over a blocking net.Conn, with cooperative
// cancellation via forced deadlines.
package streamio

import (
	"net"
	"time"

	"github.com/nanomux/nanomux"
	"github.com/sagernet/sing/common/bufio"
)

// Conn wraps a net.Conn as a nanomux.Stream.
type Conn struct {
	C net.Conn
}

func (s *Conn) LocalAddr() net.Addr  { return s.C.LocalAddr() }
func (s *Conn) RemoteAddr() net.Addr { return s.C.RemoteAddr() }
func (s *Conn) Close() error         { return s.C.Close() }

func (s *Conn) Send(aio *nanomux.AIO) { go send(s.C, aio) }
func (s *Conn) Recv(aio *nanomux.AIO) { go recv(s.C, aio) }

// GetOption/SetOption are overridden by the tcp package for
// *net.TCPConn-specific knobs (nodelay, keep-alive); the generic
// fallback here rejects everything.
func (s *Conn) GetOption(name string) (any, error) { return nil, nanomux.ErrNotSupported }
func (s *Conn) SetOption(name string, value any) error { return nanomux.ErrNotSupported }

func send(conn net.Conn, aio *nanomux.AIO) {
	cancelCh := make(chan error, 1)
	cancel := func(_ any, err error) {
		select {
		case cancelCh <- err:
		default:
		}
		conn.SetWriteDeadline(time.Unix(0, 1))
	}
	if err := aio.Schedule(cancel, nil); err != nil {
		aio.Finish(err, 0)
		return
	}

	iovs := aio.Iovs()
	vec := make([][]byte, 0, len(iovs))
	for _, iov := range iovs {
		if len(iov.Buf) > 0 {
			vec = append(vec, iov.Buf)
		}
	}

	var n int
	var err error
	if len(vec) == 0 {
		err = nil
	} else if bw, ok := bufio.CreateVectorisedWriter(conn); ok {
		n, err = bufio.WriteVectorised(bw, vec)
	} else {
		for _, b := range vec {
			var wn int
			wn, err = conn.Write(b)
			n += wn
			if err != nil {
				break
			}
		}
	}
	conn.SetWriteDeadline(time.Time{})

	finish(aio, cancelCh, err, n)
}

func recv(conn net.Conn, aio *nanomux.AIO) {
	cancelCh := make(chan error, 1)
	cancel := func(_ any, err error) {
		select {
		case cancelCh <- err:
		default:
		}
		conn.SetReadDeadline(time.Unix(0, 1))
	}
	if err := aio.Schedule(cancel, nil); err != nil {
		aio.Finish(err, 0)
		return
	}

	iovs := aio.Iovs()
	var n int
	var err error
	if len(iovs) == 0 || len(iovs[0].Buf) == 0 {
		n, err = 0, nil
	} else {
		n, err = conn.Read(iovs[0].Buf)
	}
	conn.SetReadDeadline(time.Time{})

	finish(aio, cancelCh, err, n)
}

func finish(aio *nanomux.AIO, cancelCh chan error, err error, n int) {
	if err != nil {
		select {
		case cerr := <-cancelCh:
			if cerr != nil {
				aio.Finish(cerr, n)
				return
			}
		default:
		}
		aio.Finish(nanomux.ClassifyNetError(err), n)
		return
	}
	aio.Finish(nil, n)
}
