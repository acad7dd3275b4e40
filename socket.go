package nanomux

import (
	"net/url"
	"strconv"
	"strings"
)

// Socket is the minimal contract the (out-of-scope) application-level
// protocol socket must satisfy for an Endpoint to bind to it (spec.md
// §4.F). The socket core itself — pair1/req/rep topology, message
// delivery semantics — is an external collaborator not implemented here.
type Socket interface {
	ProtocolID() uint16
}

// NewDialer resolves rawurl's scheme through the transport registry and
// returns a Dialer bound to sock. Rejects URLs with a non-empty path
// (other than "/"), a fragment, userinfo, or query, per spec.md §4.E.1.
func NewDialer(rawurl string, sock Socket, opts ...EndpointOption) (*Dialer, error) {
	u, scheme, err := parseEndpointURL(rawurl)
	if err != nil {
		return nil, err
	}
	t, err := LookupTransport(scheme)
	if err != nil {
		return nil, err
	}
	pd, err := t.NewDialer(rawurl)
	if err != nil {
		return nil, err
	}
	d := &Dialer{}
	d.endpoint.init(u, sock, opts...)
	d.dialer = pd
	d.init()
	return d, nil
}

// NewListener resolves rawurl's scheme through the transport registry and
// returns a Listener bound to sock.
func NewListener(rawurl string, sock Socket, opts ...EndpointOption) (*Listener, error) {
	u, scheme, err := parseEndpointURL(rawurl)
	if err != nil {
		return nil, err
	}
	t, err := LookupTransport(scheme)
	if err != nil {
		return nil, err
	}
	pl, err := t.NewListener(rawurl)
	if err != nil {
		return nil, err
	}
	l := &Listener{}
	l.endpoint.init(u, sock, opts...)
	l.listener = pl
	l.init()
	return l, nil
}

// parseEndpointURL validates rawurl's shape common to both Dialer and
// Listener. The stricter "empty host or zero port" dialer rule of
// spec.md §4.E.1 is enforced by each scheme's own transport instead,
// since only it knows whether its addresses have a host:port shape at
// all (tcp/tls/ws do; inproc does not).
func parseEndpointURL(rawurl string) (*url.URL, string, error) {
	u, err := url.Parse(rawurl)
	if err != nil {
		return nil, "", wrap(KindAddressInvalid, err)
	}
	if u.Fragment != "" {
		return nil, "", ErrAddressInvalid
	}
	if u.User != nil {
		return nil, "", ErrAddressInvalid
	}
	if u.RawQuery != "" {
		return nil, "", ErrAddressInvalid
	}
	if p := u.Path; p != "" && p != "/" {
		return nil, "", ErrAddressInvalid
	}
	if u.Host == "" {
		return nil, "", ErrAddressInvalid
	}
	return u, u.Scheme, nil
}

// splitHostPort splits hostport at its last colon and checks that the
// port, if present, is numeric. No transport calls it: tcp and tls
// validate their dialer addresses with net.SplitHostPort, and ws with
// url.URL's Hostname/Port.
func splitHostPort(hostport string) (host, port string, err error) {
	i := strings.LastIndex(hostport, ":")
	if i < 0 {
		return hostport, "", nil
	}
	host = hostport[:i]
	port = hostport[i+1:]
	if _, cerr := strconv.Atoi(port); cerr != nil {
		return host, port, cerr
	}
	return host, port, nil
}
