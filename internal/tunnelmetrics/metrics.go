// Package tunnelmetrics extends github.com/VictoriaMetrics/metrics with a
// Hooks implementation that the tunnel session reports into, and a
// Prometheus text exposition handler for the optional debug server.
package tunnelmetrics

import (
	"fmt"
	"io"
	"sync"

	"github.com/VictoriaMetrics/metrics"

	"github.com/alexandrkondratenko/tunnel/internal/frame"
	"github.com/alexandrkondratenko/tunnel/internal/tunnel"
)

// Metrics implements tunnel.Hooks, reporting session and stream lifecycle
// events as VictoriaMetrics/metrics counters and histograms.
type Metrics struct {
	once sync.Once
	set  *metrics.Set

	sessions_started_total   func(role string) *metrics.Counter
	sessions_ended_total     func(role string) *metrics.Counter
	handshake_failures_total func(role string) *metrics.Counter
	streams_opened_total     *metrics.Counter
	streams_closed_total     *metrics.Counter
	streams_rejected_total   *metrics.Counter
	frames_written_total     func(tag string) *metrics.Counter
	frame_bytes_written      func(tag string) *metrics.Histogram
}

var _ tunnel.Hooks = (*Metrics)(nil)

// New constructs a Metrics collector. Call WritePrometheus to expose its
// set on a debug HTTP handler.
func New() *Metrics {
	m := &Metrics{}
	m.init()
	return m
}

func (m *Metrics) init() {
	m.once.Do(func() {
		m.set = metrics.NewSet()
		m.sessions_started_total = func(role string) *metrics.Counter {
			return m.set.GetOrCreateCounter(fmt.Sprintf(`tunnel_sessions_started_total{role=%q}`, role))
		}
		m.sessions_ended_total = func(role string) *metrics.Counter {
			return m.set.GetOrCreateCounter(fmt.Sprintf(`tunnel_sessions_ended_total{role=%q}`, role))
		}
		m.handshake_failures_total = func(role string) *metrics.Counter {
			return m.set.GetOrCreateCounter(fmt.Sprintf(`tunnel_handshake_failures_total{role=%q}`, role))
		}
		m.streams_opened_total = m.set.NewCounter(`tunnel_streams_opened_total`)
		m.streams_closed_total = m.set.NewCounter(`tunnel_streams_closed_total`)
		m.streams_rejected_total = m.set.NewCounter(`tunnel_streams_rejected_total`)
		m.frames_written_total = func(tag string) *metrics.Counter {
			return m.set.GetOrCreateCounter(fmt.Sprintf(`tunnel_frames_written_total{tag=%q}`, tag))
		}
		m.frame_bytes_written = func(tag string) *metrics.Histogram {
			return m.set.GetOrCreateHistogram(fmt.Sprintf(`tunnel_frame_bytes_written{tag=%q}`, tag))
		}
		for _, role := range []string{"server", "client"} {
			m.sessions_started_total(role)
			m.sessions_ended_total(role)
			m.handshake_failures_total(role)
		}
	})
}

// WritePrometheus writes m's metrics in Prometheus text exposition format.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}

func (m *Metrics) StreamOpened(uint64) {
	m.streams_opened_total.Inc()
}

func (m *Metrics) StreamClosed(uint64) {
	m.streams_closed_total.Inc()
}

func (m *Metrics) StreamRejected(uint64) {
	m.streams_rejected_total.Inc()
}

func (m *Metrics) FrameWritten(tag frame.Tag, n int) {
	m.frames_written_total(tag.String()).Inc()
	m.frame_bytes_written(tag.String()).Update(float64(n))
}

func (m *Metrics) SessionStarted(role tunnel.Role) {
	m.sessions_started_total(role.String()).Inc()
}

func (m *Metrics) SessionEnded(role tunnel.Role, _ error) {
	m.sessions_ended_total(role.String()).Inc()
}

func (m *Metrics) HandshakeFailed(role tunnel.Role, _ error) {
	m.handshake_failures_total(role.String()).Inc()
}
