package tunnel

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexandrkondratenko/tunnel/internal/frame"
	"github.com/alexandrkondratenko/tunnel/internal/varint"
)

// keepAliveTick is the coarse wake granularity of the keep-alive ticker, so
// that close() is responsive without needing a timer channel per session.
const keepAliveTick = time.Second

// KeepAlive periodically emits a one-byte KeepAlive frame on the control
// connection. A write failure is treated as loss of the connection: it
// permanently stops the ticker and closes the control connection, which
// propagates EOF to the supervisor's read loop and accelerates session
// teardown.
type KeepAlive struct {
	period time.Duration
	reg    *Registry
	logger zerolog.Logger

	running atomic.Bool
	done    chan struct{}
}

// NewKeepAlive constructs a ticker for reg that fires every period.
func NewKeepAlive(period time.Duration, reg *Registry, logger zerolog.Logger) *KeepAlive {
	return &KeepAlive{
		period: period,
		reg:    reg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start launches the ticker in the background.
func (k *KeepAlive) Start() {
	k.running.Store(true)
	go k.run()
}

func (k *KeepAlive) run() {
	defer close(k.done)
	last := time.Now()
	for k.running.Load() {
		time.Sleep(keepAliveTick)
		if !k.running.Load() {
			return
		}
		if time.Since(last) < k.period {
			continue
		}
		last = time.Now()

		var buf varint.Buffer
		frame.PutKeepAlive(&buf)
		if err := k.reg.WriteFrame(frame.KeepAlive, &buf); err != nil {
			k.logger.Debug().Err(err).Msg("keep-alive write failed, closing session")
			k.running.Store(false)
			k.reg.CloseConn()
			return
		}
	}
}

// Close stops the ticker and waits for it to exit.
func (k *KeepAlive) Close() {
	k.running.Store(false)
	<-k.done
}
