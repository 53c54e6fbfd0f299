package tunnel

import (
	"errors"
	"io"
	"net"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/alexandrkondratenko/tunnel/internal/frame"
	"github.com/alexandrkondratenko/tunnel/internal/varint"
)

// streamBuf is the read buffer size for one stream worker's local socket
// reads into a reusable buffer.
const streamBuf = 16 * 1024 * 1024

// streamHost is the non-owning back-reference a Stream holds into its
// registry: it can emit frames and remove itself, but never owns the
// registry or any sibling stream.
type streamHost interface {
	WriteFrame(tag frame.Tag, buf *varint.Buffer) error
	Remove(cid uint64)
}

// Stream is one tunnelled TCP connection: it owns the local socket and
// drains it into Data frames on the control connection until local EOF,
// peer-initiated Close, or cooperative shutdown.
type Stream struct {
	cid    uint64
	conn   localConn
	host   streamHost
	logger zerolog.Logger

	closed atomic.Bool   // true once close() has been called cooperatively
	done   chan struct{} // closed when the read loop exits
}

func newStream(cid uint64, conn localConn, host streamHost, logger zerolog.Logger) *Stream {
	return &Stream{
		cid:    cid,
		conn:   conn,
		host:   host,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// start launches the read loop.
func (s *Stream) start() {
	go s.run()
}

func (s *Stream) run() {
	defer close(s.done)

	buf := make([]byte, streamBuf)
	var fbuf varint.Buffer
	for {
		n, err := s.conn.Read(buf)
		if n > 0 {
			fbuf.Reset()
			frame.PutData(&fbuf, s.cid, buf[:n])
			if werr := s.host.WriteFrame(frame.Data, &fbuf); werr != nil {
				s.logger.Debug().Err(werr).Msg("write data frame failed, closing stream")
				break
			}
		}
		if err != nil {
			if !isEOF(err) {
				s.logger.Debug().Err(err).Msg("local read failed, closing stream")
			}
			break
		}
	}

	// If the session didn't close us cooperatively, the peer doesn't know
	// this stream is done yet: tell it, then self-remove. A cooperative
	// close already has the peer's Close in flight (or already applied),
	// so no frame is sent.
	if !s.closed.Load() {
		var cbuf varint.Buffer
		frame.PutClose(&cbuf, s.cid)
		if err := s.host.WriteFrame(frame.Close, &cbuf); err != nil {
			s.logger.Debug().Err(err).Msg("failed to send close frame")
		}
		s.host.Remove(s.cid)
	}
}

// send writes peer-originated data to the local socket. Called by the
// dispatcher (via Registry.Send) to push bytes in the peer-to-local
// direction.
func (s *Stream) send(b []byte) error {
	_, err := s.conn.Write(b)
	return err
}

// close is the cooperative shutdown path: it marks the stream closed (so
// the read loop won't emit a Close frame on its way out), shuts down both
// halves of the local socket to unblock any pending Read, closes it, and
// waits for the read loop to exit.
func (s *Stream) close() {
	if s.closed.Swap(true) {
		<-s.done
		return
	}
	if hc, ok := s.conn.(halfCloser); ok {
		hc.CloseRead()
		hc.CloseWrite()
	}
	s.conn.Close()
	<-s.done
}

// isEOF reports whether err represents a clean local-side EOF or a socket
// this side itself shut down (via close()), which are logged at a lower
// level than a genuine, unexpected socket error.
func isEOF(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed)
}
