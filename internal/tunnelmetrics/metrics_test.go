package tunnelmetrics

import (
	"bytes"
	"strings"
	"testing"

	"github.com/alexandrkondratenko/tunnel/internal/frame"
	"github.com/alexandrkondratenko/tunnel/internal/tunnel"
)

func TestMetricsImplementsHooksAndRecordsCounters(t *testing.T) {
	m := New()

	m.SessionStarted(tunnel.RoleServer)
	m.SessionStarted(tunnel.RoleServer)
	m.SessionEnded(tunnel.RoleClient, nil)
	m.HandshakeFailed(tunnel.RoleClient, nil)
	m.StreamOpened(1)
	m.StreamOpened(2)
	m.StreamClosed(1)
	m.StreamRejected(3)
	m.FrameWritten(frame.Data, 128)
	m.FrameWritten(frame.KeepAlive, 1)

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	out := buf.String()

	cases := []struct {
		metric string
		want   string
	}{
		{"sessions started", `tunnel_sessions_started_total{role="server"} 2`},
		{"sessions ended", `tunnel_sessions_ended_total{role="client"} 1`},
		{"handshake failures", `tunnel_handshake_failures_total{role="client"} 1`},
		{"streams opened", `tunnel_streams_opened_total 2`},
		{"streams closed", `tunnel_streams_closed_total 1`},
		{"streams rejected", `tunnel_streams_rejected_total 1`},
		{"frames written", `tunnel_frames_written_total{tag="Data"} 1`},
	}
	for _, tc := range cases {
		if !strings.Contains(out, tc.want) {
			t.Errorf("%s: output missing %q\nfull output:\n%s", tc.metric, tc.want, out)
		}
	}
}

func TestMetricsZeroValueRolesPreRegistered(t *testing.T) {
	m := New()

	var buf bytes.Buffer
	m.WritePrometheus(&buf)
	out := buf.String()

	for _, role := range []string{"server", "client"} {
		if !strings.Contains(out, `tunnel_sessions_started_total{role="`+role+`"} 0`) {
			t.Errorf("pre-registered zero counter missing for role %q:\n%s", role, out)
		}
	}
}
