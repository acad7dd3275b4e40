package tls

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nanomux/nanomux"
)

func selfSignedCert(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "127.0.0.1"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		IPAddresses:  []net.IP{net.ParseIP("127.0.0.1")},
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

// A loopback TLS dial/accept pair completes the handshake and exchanges
// bytes end to end once the client trusts the server's self-signed cert.
func TestDialAcceptRoundTrip(t *testing.T) {
	cert := selfSignedCert(t)
	pool := x509.NewCertPool()
	leaf, err := x509.ParseCertificate(cert.Certificate[0])
	require.NoError(t, err)
	pool.AddCert(leaf)

	tr := transport{scheme: "tls", network: "tcp"}
	SetConfig("127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	ln, err := tr.NewListener("tls://127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Bind())
	defer ln.Close()

	acceptDone := make(chan struct{})
	acceptAIO := nanomux.NewAIO(func(*nanomux.AIO) { close(acceptDone) })
	ln.Accept(acceptAIO)

	SetConfig(ln.Addr(), &tls.Config{RootCAs: pool, ServerName: "127.0.0.1"})
	dl, err := tr.NewDialer("tls://" + ln.Addr())
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

	client := dialAIO.Outputs()[0]
	server := acceptAIO.Outputs()[0]
	require.NotNil(t, client)
	require.NotNil(t, server)

	clientStream, _ := client.(nanomux.Stream)
	serverStream, _ := server.(nanomux.Stream)
	require.NotNil(t, clientStream)
	require.NotNil(t, serverStream)

	sendDone := make(chan struct{})
	sendAIO := nanomux.NewAIO(func(*nanomux.AIO) { close(sendDone) })
	require.NoError(t, sendAIO.Begin())
	sendAIO.SetIov([]nanomux.Iov{{Buf: []byte("secure")}})
	clientStream.Send(sendAIO)

	buf := make([]byte, 6)
	recvDone := make(chan struct{})
	recvAIO := nanomux.NewAIO(func(*nanomux.AIO) { close(recvDone) })
	require.NoError(t, recvAIO.Begin())
	recvAIO.SetIov([]nanomux.Iov{{Buf: buf}})
	serverStream.Recv(recvAIO)

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
	assert.Equal(t, "secure", string(buf))
}

// A client that does not trust the server's certificate is rejected with
// a classified peer-auth error rather than hanging or a raw tls error.
func TestDialUntrustedCertFailsPeerAuth(t *testing.T) {
	cert := selfSignedCert(t)

	tr := transport{scheme: "tls", network: "tcp"}
	SetConfig("127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	ln, err := tr.NewListener("tls://127.0.0.1:0")
	require.NoError(t, err)
	require.NoError(t, ln.Bind())
	defer ln.Close()

	acceptDone := make(chan struct{})
	acceptAIO := nanomux.NewAIO(func(*nanomux.AIO) { close(acceptDone) })
	ln.Accept(acceptAIO)

	// The client config names the server but sets no RootCAs, so the
	// system roots are used and they do not trust the self-signed leaf.
	SetConfig(ln.Addr(), &tls.Config{ServerName: "127.0.0.1"})
	dl, err := tr.NewDialer("tls://" + ln.Addr())
	require.NoError(t, err)
	dialDone := make(chan struct{})
	dialAIO := nanomux.NewAIO(func(*nanomux.AIO) { close(dialDone) })
	dl.Dial(dialAIO)

	select {
	case <-dialDone:
	case <-time.After(2 * time.Second):
		t.Fatal("dial never completed")
	}
	derr, _ := dialAIO.Result()
	assert.ErrorIs(t, derr, nanomux.ErrPeerAuth)

	select {
	case <-acceptDone:
	case <-time.After(2 * time.Second):
		t.Fatal("accept never completed")
	}
}

// An empty host is rejected at dialer/listener construction time.
func TestNewDialerNewListenerRejectEmptyHost(t *testing.T) {
	tr := transport{scheme: "tls", network: "tcp"}
	_, err := tr.NewDialer("tls://:9999")
	assert.ErrorIs(t, err, nanomux.ErrAddressInvalid)

	_, err = tr.NewListener("tls://")
	assert.ErrorIs(t, err, nanomux.ErrAddressInvalid)
}
