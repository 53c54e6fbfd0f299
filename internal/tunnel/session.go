// Package tunnel implements the tunnel protocol's core multiplexing layer:
// the framed control connection, the CID registry, stream workers, port
// listeners, the keep-alive ticker, and the session supervisor that ties
// them together.
package tunnel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexandrkondratenko/tunnel/internal/frame"
	"github.com/alexandrkondratenko/tunnel/internal/varint"
)

// ErrVersionMismatch is returned by the handshake when the peer's program-
// text digest doesn't match this side's.
var ErrVersionMismatch = errors.New("tunnel: peer version digest mismatch")

// Hooks receives session and stream lifecycle events, for metrics and audit
// logging. A nil Hooks is equivalent to one whose methods all no-op.
type Hooks interface {
	registryHooks
	SessionStarted(role Role)
	SessionEnded(role Role, err error)
	HandshakeFailed(role Role, err error)
}

// Session owns one handshake's worth of control connection, CID registry,
// port listeners, and keep-alive ticker. It is built fresh for every
// successful handshake and discarded on any fatal error.
type Session struct {
	cfg    *Config
	logger zerolog.Logger
	hooks  Hooks

	conn        *Conn
	reg         *Registry
	listeners   []*PortListener
	keepalive   *KeepAlive
	peerForward map[uint64]bool
}

// RunServer runs the listener-role supervisor loop: Accept a peer, run one
// session to completion, and immediately Accept again. The listener role
// never sleeps between attempts — the next Accept blocks anyway.
func RunServer(ctx context.Context, ln Listener, cfg *Config, logger zerolog.Logger, hooks Hooks) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		nc, err := ln.Accept()
		if err != nil {
			return fmt.Errorf("accept control connection: %w", err)
		}
		runSession(ctx, RoleServer, nc, cfg, logger, hooks)
	}
}

// RunClient runs the dialer-role supervisor loop: Dial the peer, run one
// session to completion, then sleep cfg.Reconnect before dialing again.
// Unlike the listener role, the dialer must wait — otherwise a down peer
// causes a tight reconnect spin.
func RunClient(ctx context.Context, dialer Dialer, cfg *Config, logger zerolog.Logger, hooks Hooks) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		nc, err := dialer.Dial(ctx)
		if err != nil {
			logger.Err(err).Msg("dial failed")
		} else {
			runSession(ctx, RoleClient, nc, cfg, logger, hooks)
		}
		select {
		case <-time.After(cfg.Reconnect):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runSession drives exactly one control connection from handshake through
// teardown, logging and swallowing whatever error ends it — the caller's
// loop is the retry boundary.
func runSession(ctx context.Context, role Role, nc net.Conn, cfg *Config, logger zerolog.Logger, hooks Hooks) {
	if hooks == nil {
		hooks = noopSessionHooks{}
	}
	s := &Session{
		cfg:    cfg,
		logger: logger.With().Str("role", role.String()).Logger(),
		hooks:  hooks,
	}
	hooks.SessionStarted(role)
	err := s.run(ctx, role, nc)
	hooks.SessionEnded(role, err)
	if err != nil {
		s.logger.Err(err).Msg("session ended")
	} else {
		s.logger.Info().Msg("session ended")
	}
}

func (s *Session) run(ctx context.Context, role Role, nc net.Conn) (err error) {
	s.conn = NewConn(nc)
	defer s.conn.Close()

	if err = s.handshake(role); err != nil {
		s.hooks.HandshakeFailed(role, err)
		return fmt.Errorf("handshake: %w", err)
	}

	s.reg = NewRegistry(role, s.conn, s.logger, s.hooks)
	defer s.reg.CloseAll()

	for _, p := range s.cfg.Forward {
		pl, err := NewPortListener(p, s.cfg.MappedPort(p), s.reg, s.cfg.MaxPortConns, s.logger)
		if err != nil {
			return fmt.Errorf("start port listener for %d: %w", p, err)
		}
		pl.Start()
		s.listeners = append(s.listeners, pl)
	}
	defer func() {
		for _, pl := range s.listeners {
			pl.Close()
		}
	}()

	s.keepalive = NewKeepAlive(s.cfg.KeepAlivePeriod, s.reg, s.logger)
	s.keepalive.Start()
	defer s.keepalive.Close()

	return s.runUntilFailure(ctx)
}

// runUntilFailure races the dispatch loop against every port listener's
// fatal-error channel: a listener that dies on a bind/accept error or a
// failed Connect announce is just as fatal to the session as a dispatch
// error, since the peer can no longer be told about new local connections
// on that port. Whichever fails first closes the control connection to
// unblock the other and is reported as the session's error.
func (s *Session) runUntilFailure(ctx context.Context) error {
	dispatchErr := make(chan error, 1)
	go func() { dispatchErr <- s.dispatch(ctx) }()

	listenerErr := make(chan error, 1)
	fanInDone := make(chan struct{})
	defer close(fanInDone)
	for _, pl := range s.listeners {
		go func(pl *PortListener) {
			select {
			case err := <-pl.Err():
				select {
				case listenerErr <- err:
				default:
				}
			case <-fanInDone:
			}
		}(pl)
	}

	select {
	case err := <-dispatchErr:
		return err
	case err := <-listenerErr:
		s.conn.Close()
		<-dispatchErr
		return fmt.Errorf("port listener failed: %w", err)
	}
}

// handshake exchanges version digest and advertised-port lists with the
// peer. Both directions are sent concurrently: the send runs in its own
// goroutine while this one reads, since the write and read paths on Conn
// touch disjoint state (the write mutex and the read scratch buffer) and
// can safely run in parallel.
func (s *Session) handshake(role Role) error {
	digest := VersionDigest()

	sendErr := make(chan error, 1)
	go func() {
		var buf varint.Buffer
		buf.PutBytes(digest[:])
		buf.PutUint64(uint64(len(s.cfg.Forward)))
		for _, p := range s.cfg.Forward {
			buf.PutUint64(p)
		}
		sendErr <- s.conn.Write(buf.Bytes())
	}()

	peerDigest, err := varint.ReadBytes(s.conn)
	if err != nil {
		<-sendErr
		return fmt.Errorf("read peer digest: %w", err)
	}
	if len(peerDigest) != 32 || !bytes.Equal(peerDigest, digest[:]) {
		<-sendErr
		return ErrVersionMismatch
	}
	m, err := varint.ReadUint64(s.conn)
	if err != nil {
		<-sendErr
		return fmt.Errorf("read peer forward count: %w", err)
	}
	peerForward := make(map[uint64]bool, m)
	for i := uint64(0); i < m; i++ {
		p, err := varint.ReadUint64(s.conn)
		if err != nil {
			<-sendErr
			return fmt.Errorf("read peer forward port: %w", err)
		}
		peerForward[p] = true
	}
	if err := <-sendErr; err != nil {
		return fmt.Errorf("send handshake: %w", err)
	}

	_ = role // role only affects registry construction, done by the caller
	s.peerForward = peerForward
	return nil
}

// dispatch reads and routes inbound frames until a fatal error.
func (s *Session) dispatch(ctx context.Context) error {
	for {
		tag, err := frame.ReadTag(s.conn)
		if err != nil {
			return fmt.Errorf("read frame tag: %w", err)
		}
		switch tag {
		case frame.Allocate:
			cid, err := s.reg.Allocate(ctx)
			if err != nil {
				return fmt.Errorf("allocate cid: %w", err)
			}
			var buf varint.Buffer
			frame.PutCid(&buf, cid)
			if err := s.reg.WriteFrame(frame.Cid, &buf); err != nil {
				return fmt.Errorf("write cid frame: %w", err)
			}

		case frame.Cid:
			cid, err := frame.ReadCid(s.conn)
			if err != nil {
				return fmt.Errorf("read cid payload: %w", err)
			}
			s.reg.DeliverCid(cid)

		case frame.Connect:
			cid, port, err := frame.ReadConnect(s.conn)
			if err != nil {
				return fmt.Errorf("read connect payload: %w", err)
			}
			s.handleConnect(cid, port)

		case frame.Close:
			cid, err := frame.ReadClose(s.conn)
			if err != nil {
				return fmt.Errorf("read close payload: %w", err)
			}
			s.reg.RequestClose(cid)
			s.reg.Remove(cid)

		case frame.Data:
			cid, size, err := frame.ReadDataHeader(s.conn)
			if err != nil {
				return fmt.Errorf("read data header: %w", err)
			}
			b, err := s.conn.ReadFull(int(size))
			if err != nil {
				return fmt.Errorf("read data payload: %w", err)
			}
			if err := s.reg.Send(cid, b); err != nil {
				s.logger.Debug().Err(err).Uint64("cid", cid).Msg("forward to local socket failed")
			}

		case frame.KeepAlive:
			s.logger.Debug().Msg("received keep-alive")

		default:
			return fmt.Errorf("unknown frame tag %d", tag)
		}
	}
}

// handleConnect services an inbound Connect frame: the port must be one the
// peer declared during handshake, and dialing Target:port must succeed, or
// the request is rejected with a Close back to the peer. Policy rejection
// doesn't kill the session.
func (s *Session) handleConnect(cid, port uint64) {
	if !s.peerForward[port] {
		s.logger.Warn().Uint64("cid", cid).Uint64("port", port).Msg("rejecting connect for undeclared port")
		s.rejectConnect(cid)
		return
	}
	addr := fmt.Sprintf("%s:%d", s.cfg.Target, port)
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		s.logger.Warn().Err(err).Uint64("cid", cid).Str("addr", addr).Msg("dialing target failed")
		s.rejectConnect(cid)
		return
	}
	s.reg.Create(cid, conn)
	s.reg.Start(cid)
}

func (s *Session) rejectConnect(cid uint64) {
	var buf varint.Buffer
	frame.PutClose(&buf, cid)
	if err := s.reg.WriteFrame(frame.Close, &buf); err != nil {
		s.logger.Debug().Err(err).Msg("failed to send connect-rejection close frame")
	}
	s.reg.Remove(cid)
	s.hooks.StreamRejected(cid)
}

type noopSessionHooks struct{ noopHooks }

func (noopSessionHooks) SessionStarted(Role)        {}
func (noopSessionHooks) SessionEnded(Role, error)    {}
func (noopSessionHooks) HandshakeFailed(Role, error) {}
