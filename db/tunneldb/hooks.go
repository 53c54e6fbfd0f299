package tunneldb

import (
	"time"

	"github.com/alexandrkondratenko/tunnel/internal/frame"
	"github.com/alexandrkondratenko/tunnel/internal/tunnel"
)

// AuditHooks implements tunnel.Hooks by logging stream open/close/reject
// events through a Writer. Session-level events and frame counters aren't
// audit-worthy on their own, so those methods no-op.
type AuditHooks struct {
	w       *Writer
	role    string
	session string
}

var _ tunnel.Hooks = (*AuditHooks)(nil)

// NewAuditHooks builds a Hooks bound to one session's writes, tagged with
// sessionID (from logging.WithSessionID, typically) and role.
func NewAuditHooks(w *Writer, role tunnel.Role, sessionID string) *AuditHooks {
	return &AuditHooks{w: w, role: role.String(), session: sessionID}
}

func (h *AuditHooks) StreamOpened(cid uint64) {
	h.w.Write(Event{TS: time.Now().Unix(), Session: h.session, Role: h.role, CID: cid, Event: "opened"})
}

func (h *AuditHooks) StreamClosed(cid uint64) {
	h.w.Write(Event{TS: time.Now().Unix(), Session: h.session, Role: h.role, CID: cid, Event: "closed"})
}

func (h *AuditHooks) StreamRejected(cid uint64) {
	h.w.Write(Event{TS: time.Now().Unix(), Session: h.session, Role: h.role, CID: cid, Event: "reject"})
}

func (h *AuditHooks) FrameWritten(frame.Tag, int)      {}
func (h *AuditHooks) SessionStarted(tunnel.Role)       {}
func (h *AuditHooks) SessionEnded(tunnel.Role, error)  {}
func (h *AuditHooks) HandshakeFailed(tunnel.Role, error) {}
