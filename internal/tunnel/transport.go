package tunnel

import (
	"context"
	"net"
)

// Dialer yields one authenticated control connection per call, for the
// dialer (client) role. tlsconn.Dialer satisfies this interface
// structurally; tunnel never imports the tlsconn package, keeping TLS
// construction a separate concern.
type Dialer interface {
	Dial(ctx context.Context) (net.Conn, error)
}

// Listener accepts authenticated control connections, for the listener
// (server) role. tlsconn.Listener satisfies this interface structurally.
type Listener interface {
	Accept() (net.Conn, error)
	Close() error
}
