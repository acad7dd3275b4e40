package nanomux

import (
	"errors"
	"io"
	"net"
	"os"
	"syscall"
)

// ClassifyNetError maps a raw net/os error from an underlying Stream
// implementation onto the closed error taxonomy of spec.md §7, so every
// transport (tcp, tls, ws, inproc) reports the same abstract kinds
// upward regardless of its concrete I/O library.
func ClassifyNetError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, io.ErrClosedPipe) {
		return ErrClosed
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return ErrTimeout
	}
	if errors.Is(err, syscall.ECONNREFUSED) {
		return ErrConnectionRefused
	}
	if errors.Is(err, syscall.EADDRINUSE) {
		return ErrAddressInUse
	}
	if errors.Is(err, syscall.EADDRNOTAVAIL) {
		return ErrAddressInvalid
	}
	if errors.Is(err, syscall.ENOMEM) {
		return ErrNoMemory
	}
	if errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE) {
		return ErrNoFiles
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return ErrTimeout
	}
	return wrap(KindClosed, err)
}

// IsOutOfResources reports whether err (already classified, or raw) is
// one of the transient accept failures that the listener's accept loop
// backs off on (spec.md §4.E.3).
func IsOutOfResources(err error) bool {
	var e *Err
	if errors.As(err, &e) {
		return e.Kind == KindNoMemory || e.Kind == KindNoFiles
	}
	return errors.Is(err, syscall.ENOMEM) || errors.Is(err, syscall.EMFILE) || errors.Is(err, syscall.ENFILE)
}
