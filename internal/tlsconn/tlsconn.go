// Package tlsconn builds the TLS byte streams the tunnel session dials or
// listens on. The server presents its certificate and the client verifies
// it against a CA bundle; the server does not request a client
// certificate. It is kept as a separate collaborator
// from the core protocol: the session only ever sees a [Dialer] or
// [Listener] yielding an authenticated net.Conn, and never constructs a
// tls.Config itself.
package tlsconn

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"net"
	"os"
	"syscall"

	"golang.org/x/sys/unix"
)

// Dialer yields one authenticated control connection per call, for the
// client (dialer) role.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// Listener accepts authenticated control connections, for the server
// (listener) role.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
}

type clientDialer struct {
	addr string
	cfg  *tls.Config
}

// NewClientDialer builds a Dialer that connects to addr (host:port) and
// verifies the peer certificate chain against the PEM CA bundle at caFile.
// Hostname verification is intentionally disabled: the chain is checked,
// but the certificate's subject/SAN is never compared against addr.
func NewClientDialer(addr, caFile string) (Dialer, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca bundle: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("parse ca bundle %q: no certificates found", caFile)
	}
	cfg := &tls.Config{
		InsecureSkipVerify: true, // we do our own verification below, without a hostname check
		VerifyConnection: func(cs tls.ConnectionState) error {
			opts := x509.VerifyOptions{
				Roots:         pool,
				Intermediates: x509.NewCertPool(),
			}
			for _, c := range cs.PeerCertificates[1:] {
				opts.Intermediates.AddCert(c)
			}
			if len(cs.PeerCertificates) == 0 {
				return fmt.Errorf("no peer certificate presented")
			}
			_, err := cs.PeerCertificates[0].Verify(opts)
			return err
		},
	}
	return &clientDialer{addr: addr, cfg: cfg}, nil
}

func (d *clientDialer) Dial(ctx context.Context) (net.Conn, error) {
	var nd net.Dialer
	conn, err := nd.DialContext(ctx, "tcp", d.addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", d.addr, err)
	}
	tc := tls.Client(conn, d.cfg)
	if err := tc.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", d.addr, err)
	}
	return tc, nil
}

type serverListener struct {
	ln  net.Listener
	cfg *tls.Config
}

// NewServerListener binds addr (host:port) and returns a Listener that
// presents the certificate chain and private key at certFile/keyFile to each
// connecting peer.
func NewServerListener(addr, certFile, keyFile string) (Listener, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load server certificate: %w", err)
	}
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			if err := c.Control(func(fd uintptr) {
				sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
			}); err != nil {
				return err
			}
			return sockErr
		},
	}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	return &serverListener{
		ln:  ln,
		cfg: &tls.Config{Certificates: []tls.Certificate{cert}},
	}, nil
}

func (l *serverListener) Accept() (net.Conn, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return tls.Server(conn, l.cfg), nil
}

func (l *serverListener) Close() error {
	return l.ln.Close()
}
