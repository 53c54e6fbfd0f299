package tunnel

import (
	"fmt"
	"io"
	"net"
	"sync"
)

// readChunk is the granularity the read scratch buffer grows by.
const readChunk = 1024

// Conn is the control connection: a single framed byte stream carrying the
// tunnel wire protocol. Writes are serialized by mu so stream workers and
// the keep-alive ticker can emit frames concurrently without interleaving;
// reads are the supervisor's alone and reuse a single scratch buffer that
// grows in readChunk-aligned steps instead of reallocating per frame.
type Conn struct {
	nc net.Conn

	wmu sync.Mutex

	rbuf []byte // scratch buffer for ReadFull/ReadByte, grown in place
}

// NewConn wraps an already-authenticated net.Conn (as produced by a
// tlsconn.Dialer or tlsconn.Listener) as a control connection.
func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc}
}

// ensure grows c.rbuf to at least n bytes, rounded up to a readChunk multiple.
func (c *Conn) ensure(n int) {
	if cap(c.rbuf) >= n {
		c.rbuf = c.rbuf[:n]
		return
	}
	newCap := ((n + readChunk - 1) / readChunk) * readChunk
	c.rbuf = make([]byte, n, newCap)
}

// ReadFull reads exactly n bytes and returns a slice of the connection's
// scratch buffer; the slice is only valid until the next ReadFull/ReadByte
// call. A short read (including a clean peer close) is always a fatal
// error, never retried — there is no recoverable zero-length read on this
// connection.
func (c *Conn) ReadFull(n int) ([]byte, error) {
	c.ensure(n)
	if _, err := io.ReadFull(c.nc, c.rbuf); err != nil {
		return nil, fmt.Errorf("read %d bytes: %w", n, err)
	}
	return c.rbuf, nil
}

// ReadByte reads a single byte, satisfying varint.ReadUint64's byteReader
// requirement.
func (c *Conn) ReadByte() (byte, error) {
	b, err := c.ReadFull(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

// Write serializes p onto the control connection behind the write mutex, so
// that no two frames from concurrent stream workers or the keep-alive
// ticker ever interleave.
func (c *Conn) Write(p []byte) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_, err := c.nc.Write(p)
	return err
}

// Close closes the underlying connection. Safe to call more than once.
func (c *Conn) Close() error {
	return c.nc.Close()
}
