package tlsconn

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// genSelfSignedCert writes a PEM-encoded self-signed certificate and key pair
// to dir, usable both as a server certificate and as its own CA bundle.
func genSelfSignedCert(t *testing.T, dir, name string) (certFile, keyFile string) {
	t.Helper()

	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	tmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: name},
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(time.Hour),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth, x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &priv.PublicKey, priv)
	if err != nil {
		t.Fatalf("create certificate: %v", err)
	}
	keyDER, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal key: %v", err)
	}

	certFile = filepath.Join(dir, name+"-cert.pem")
	keyFile = filepath.Join(dir, name+"-key.pem")
	certOut, err := os.Create(certFile)
	if err != nil {
		t.Fatalf("create cert file: %v", err)
	}
	defer certOut.Close()
	if err := pem.Encode(certOut, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		t.Fatalf("encode cert: %v", err)
	}
	keyOut, err := os.Create(keyFile)
	if err != nil {
		t.Fatalf("create key file: %v", err)
	}
	defer keyOut.Close()
	if err := pem.Encode(keyOut, &pem.Block{Type: "EC PRIVATE KEY", Bytes: keyDER}); err != nil {
		t.Fatalf("encode key: %v", err)
	}
	return certFile, keyFile
}

func TestServerClientRoundTrip(t *testing.T) {
	dir := t.TempDir()
	certFile, keyFile := genSelfSignedCert(t, dir, "tunnel-test")

	ln, err := NewServerListener("127.0.0.1:0", certFile, keyFile)
	if err != nil {
		t.Fatalf("NewServerListener() = %v", err)
	}
	defer ln.Close()
	addr := ln.(*serverListener).ln.Addr().String()

	accepted := make(chan net.Conn, 1)
	acceptErr := make(chan error, 1)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			acceptErr <- err
			return
		}
		accepted <- conn
	}()

	dialer, err := NewClientDialer(addr, certFile)
	if err != nil {
		t.Fatalf("NewClientDialer() = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	clientConn, err := dialer.Dial(ctx)
	if err != nil {
		t.Fatalf("Dial() = %v", err)
	}
	defer clientConn.Close()

	var serverConn net.Conn
	select {
	case serverConn = <-accepted:
	case err := <-acceptErr:
		t.Fatalf("Accept() = %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted the client's connection")
	}
	defer serverConn.Close()

	msg := []byte("hello over mutual tls")
	writeErr := make(chan error, 1)
	go func() { _, err := clientConn.Write(msg); writeErr <- err }()

	buf := make([]byte, len(msg))
	if _, err := serverConn.Read(buf); err != nil {
		t.Fatalf("server read = %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("client write = %v", err)
	}
	if string(buf) != string(msg) {
		t.Fatalf("server received %q, want %q", buf, msg)
	}
}

func TestClientDialerRejectsUntrustedServer(t *testing.T) {
	dir := t.TempDir()
	serverCert, serverKey := genSelfSignedCert(t, dir, "real-server")
	otherCert, _ := genSelfSignedCert(t, dir, "unrelated-ca")

	ln, err := NewServerListener("127.0.0.1:0", serverCert, serverKey)
	if err != nil {
		t.Fatalf("NewServerListener() = %v", err)
	}
	defer ln.Close()
	addr := ln.(*serverListener).ln.Addr().String()

	go func() {
		conn, err := ln.Accept()
		if err == nil {
			conn.Close()
		}
	}()

	dialer, err := NewClientDialer(addr, otherCert) // trusts a CA the server didn't use
	if err != nil {
		t.Fatalf("NewClientDialer() = %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := dialer.Dial(ctx); err == nil {
		t.Fatal("Dial() succeeded against a server certificate signed by an untrusted CA")
	}
}

func TestNewClientDialerMissingCAFile(t *testing.T) {
	if _, err := NewClientDialer("127.0.0.1:0", filepath.Join(t.TempDir(), "missing.pem")); err == nil {
		t.Fatal("NewClientDialer() succeeded with a nonexistent CA file")
	}
}

func TestNewServerListenerMissingCert(t *testing.T) {
	dir := t.TempDir()
	if _, err := NewServerListener("127.0.0.1:0", filepath.Join(dir, "missing-cert.pem"), filepath.Join(dir, "missing-key.pem")); err == nil {
		t.Fatal("NewServerListener() succeeded with nonexistent cert/key files")
	}
}
