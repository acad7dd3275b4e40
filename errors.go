package nanomux

// Kind classifies an Err into one of the closed set of abstract error
// kinds a caller can react to with errors.Is.
type Kind uint8

const (
	KindTimeout Kind = iota + 1
	KindAgain
	KindClosed
	KindConnectionShutdown
	KindConnectionRefused
	KindAddressInUse
	KindAddressInvalid
	KindProtocol
	KindPeerAuth
	KindCrypto
	KindMessageTooBig
	KindNoMemory
	KindNoFiles
	KindNotFound
	KindBusy
	KindBadType
	KindNotSupported
	KindInvalidState
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindTimeout:
		return "timeout"
	case KindAgain:
		return "again"
	case KindClosed:
		return "closed"
	case KindConnectionShutdown:
		return "connection-shutdown"
	case KindConnectionRefused:
		return "connection-refused"
	case KindAddressInUse:
		return "address-in-use"
	case KindAddressInvalid:
		return "address-invalid"
	case KindProtocol:
		return "protocol"
	case KindPeerAuth:
		return "peer-auth"
	case KindCrypto:
		return "crypto"
	case KindMessageTooBig:
		return "message-too-big"
	case KindNoMemory:
		return "no-memory"
	case KindNoFiles:
		return "no-files"
	case KindNotFound:
		return "not-found"
	case KindBusy:
		return "busy"
	case KindBadType:
		return "bad-type"
	case KindNotSupported:
		return "not-supported"
	case KindInvalidState:
		return "invalid-state"
	case KindInvalid:
		return "invalid"
	default:
		return "unknown"
	}
}

// Err is the error type surfaced by every public nanomux operation. It
// wraps an underlying cause (possibly nil) for diagnostics while keeping
// the abstract Kind as the thing callers should match on.
type Err struct {
	Kind  Kind
	Cause error
}

func (e *Err) Error() string {
	if e.Cause != nil {
		return e.Kind.String() + ": " + e.Cause.Error()
	}
	return e.Kind.String()
}

func (e *Err) Unwrap() error { return e.Cause }

// Is implements errors.Is matching by Kind against the package sentinels,
// ignoring Cause so wrapped errors of the same Kind compare equal.
func (e *Err) Is(target error) bool {
	t, ok := target.(*Err)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

func newErr(k Kind, cause error) *Err { return &Err{Kind: k, Cause: cause} }

// Sentinels for errors.Is matching. Use errors.Is(err, nanomux.ErrTimeout),
// never ==, since returned errors may wrap a cause.
var (
	ErrTimeout             = &Err{Kind: KindTimeout}
	ErrAgain               = &Err{Kind: KindAgain}
	ErrClosed              = &Err{Kind: KindClosed}
	ErrConnectionShutdown  = &Err{Kind: KindConnectionShutdown}
	ErrConnectionRefused   = &Err{Kind: KindConnectionRefused}
	ErrAddressInUse        = &Err{Kind: KindAddressInUse}
	ErrAddressInvalid      = &Err{Kind: KindAddressInvalid}
	ErrProtocol            = &Err{Kind: KindProtocol}
	ErrPeerAuth            = &Err{Kind: KindPeerAuth}
	ErrCrypto              = &Err{Kind: KindCrypto}
	ErrMessageTooBig       = &Err{Kind: KindMessageTooBig}
	ErrNoMemory            = &Err{Kind: KindNoMemory}
	ErrNoFiles             = &Err{Kind: KindNoFiles}
	ErrNotFound            = &Err{Kind: KindNotFound}
	ErrBusy                = &Err{Kind: KindBusy}
	ErrBadType             = &Err{Kind: KindBadType}
	ErrNotSupported        = &Err{Kind: KindNotSupported}
	ErrInvalidState        = &Err{Kind: KindInvalidState}
	ErrInvalid             = &Err{Kind: KindInvalid}
)

// wrap returns a new *Err of kind k carrying cause, for call sites that
// need to attach context to one of the sentinels above.
func wrap(k Kind, cause error) *Err { return newErr(k, cause) }
