package nanomux

import "net"

// Stream is the uniform byte-stream capability set each transport exposes
// to the pipe engine (spec.md §4.C). Send and Recv must each be safe
// against concurrent use by independent directions (one send in flight
// concurrently with one recv in flight), but need not be safe against two
// concurrent sends or two concurrent receives on the same Stream — the
// pipe engine enforces that serialization itself.
//
// Send and Recv complete the AIO they are given (via AIO.Finish) rather
// than returning a value directly, so that partial I/O, cancellation and
// deadlines all flow through the same AIO machinery used everywhere else
// in the engine. Partial I/O is permitted: a Stream fills as many bytes
// as it can and finishes the AIO with that count; the caller re-arms with
// the remaining iov via AIO.IovAdvance.
type Stream interface {
	// Send submits aio.Iovs() for transmission. Completes aio.
	Send(aio *AIO)
	// Recv reads into aio.Iovs(). Completes aio.
	Recv(aio *AIO)
	// Close is idempotent; it causes any pending Send/Recv to complete
	// with ErrClosed.
	Close() error
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
	// SetOption/GetOption expose transport-specific knobs (nodelay,
	// keep-alive, TLS config, ...); ErrNotSupported for unknown names.
	SetOption(name string, value any) error
	GetOption(name string) (any, error)
}
