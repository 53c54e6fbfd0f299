package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/net/netutil"
	"golang.org/x/sys/unix"

	"github.com/alexandrkondratenko/tunnel/internal/frame"
	"github.com/alexandrkondratenko/tunnel/internal/varint"
)

// PortListener accepts local TCP connections for one advertised forward
// port and announces each to the peer as a new tunnelled stream.
type PortListener struct {
	advertisedPort uint64
	ln             net.Listener
	reg            *Registry
	logger         zerolog.Logger

	done chan struct{}
	fail chan error // fatal bind/accept error, delivered once
}

// NewPortListener binds ("0.0.0.0", bindPort) and returns a listener that,
// for each accepted connection, allocates a CID, announces Connect(cid,
// advertisedPort), and starts a stream worker. maxConns caps the number of
// concurrently forwarded connections on this port (golang.org/x/net/netutil
// LimitListener), independent of the unbounded design the core protocol
// otherwise leaves to TCP backpressure.
func NewPortListener(advertisedPort, bindPort uint64, reg *Registry, maxConns int, logger zerolog.Logger) (*PortListener, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", fmt.Sprintf("0.0.0.0:%d", bindPort))
	if err != nil {
		return nil, fmt.Errorf("bind port %d: %w", bindPort, err)
	}
	if maxConns > 0 {
		ln = netutil.LimitListener(ln, maxConns)
	}
	pl := &PortListener{
		advertisedPort: advertisedPort,
		ln:             ln,
		reg:            reg,
		logger:         logger,
		done:           make(chan struct{}),
		fail:           make(chan error, 1),
	}
	return pl, nil
}

// Start runs the accept loop in the background.
func (pl *PortListener) Start() {
	go pl.run()
}

// Err returns a channel that receives a single value if the listener dies
// unexpectedly (not via Close), so the session supervisor can treat it as
// fatal and tear the session down.
func (pl *PortListener) Err() <-chan error {
	return pl.fail
}

func (pl *PortListener) run() {
	defer close(pl.done)
	for {
		conn, err := pl.ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			pl.logger.Error().Err(err).Uint64("port", pl.advertisedPort).Msg("accept failed")
			select {
			case pl.fail <- err:
			default:
			}
			return
		}

		cid, err := pl.reg.Allocate(context.Background())
		if err != nil {
			pl.logger.Warn().Err(err).Msg("allocate cid failed, dropping accepted connection")
			conn.Close()
			continue
		}

		pl.reg.Create(cid, conn)

		var buf varint.Buffer
		frame.PutConnect(&buf, cid, pl.advertisedPort)
		if err := pl.reg.WriteFrame(frame.Connect, &buf); err != nil {
			pl.logger.Warn().Err(err).Msg("announce connect failed")
			select {
			case pl.fail <- err:
			default:
			}
			return
		}

		pl.reg.Start(cid)
	}
}

// Close closes the listening socket and waits for the accept loop to exit.
func (pl *PortListener) Close() error {
	err := pl.ln.Close()
	<-pl.done
	return err
}

// reuseAddrControl sets SO_REUSEADDR on listener sockets so a restarted
// session can immediately rebind a just-released forward port, the same
// low-level socket-control idiom used for the control listener.
func reuseAddrControl(_, _ string, c syscall.RawConn) error {
	var sockErr error
	if err := c.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	}); err != nil {
		return err
	}
	return sockErr
}
