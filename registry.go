package nanomux

import (
	"fmt"
	"sync"
)

// PipeDialer is the per-scheme dial factory a transport exposes to a
// Dialer endpoint (spec.md §4.H). Dial submits aio to the underlying
// connect operation; on success aio's first output slot is set to the
// resulting Stream.
type PipeDialer interface {
	Dial(aio *AIO)
	Close() error
}

// PipeListener is the per-scheme accept factory a transport exposes to a
// Listener endpoint. Bind reserves the local address; Accept submits aio
// to the underlying accept operation, setting its first output slot to
// the resulting Stream on success.
type PipeListener interface {
	Bind() error
	Accept(aio *AIO)
	Close() error
	Addr() string
}

// Transport is the per-scheme factory a concrete transport registers
// with the process-wide registry (spec.md §4.G).
type Transport interface {
	Scheme() string
	NewDialer(url string) (PipeDialer, error)
	NewListener(url string) (PipeListener, error)
}

var (
	registryMu sync.RWMutex
	registry   = map[string]Transport{}
)

// RegisterTransport makes a scheme discoverable by URL scheme. Concrete
// transports call this from an init() func, the same compile-time
// registration shape as database/sql.Register and image.RegisterFormat.
func RegisterTransport(t Transport) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[t.Scheme()] = t
}

// LookupTransport resolves a URL scheme to its registered Transport, or
// returns ErrNotSupported.
func LookupTransport(scheme string) (Transport, error) {
	registryMu.RLock()
	t, ok := registry[scheme]
	registryMu.RUnlock()
	if !ok {
		return nil, wrap(KindNotSupported, fmt.Errorf("nanomux: no transport registered for scheme %q", scheme))
	}
	return t, nil
}
