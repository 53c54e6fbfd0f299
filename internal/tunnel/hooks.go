package tunnel

import "github.com/alexandrkondratenko/tunnel/internal/frame"

// MultiHooks fans a single Hooks call out to every hook in the list, in
// order. Used to combine tunnelmetrics and an audit log writer without
// either depending on the other.
type MultiHooks []Hooks

var _ Hooks = MultiHooks(nil)

func (m MultiHooks) StreamOpened(cid uint64) {
	for _, h := range m {
		h.StreamOpened(cid)
	}
}

func (m MultiHooks) StreamClosed(cid uint64) {
	for _, h := range m {
		h.StreamClosed(cid)
	}
}

func (m MultiHooks) StreamRejected(cid uint64) {
	for _, h := range m {
		h.StreamRejected(cid)
	}
}

func (m MultiHooks) FrameWritten(t frame.Tag, n int) {
	for _, h := range m {
		h.FrameWritten(t, n)
	}
}

func (m MultiHooks) SessionStarted(role Role) {
	for _, h := range m {
		h.SessionStarted(role)
	}
}

func (m MultiHooks) SessionEnded(role Role, err error) {
	for _, h := range m {
		h.SessionEnded(role, err)
	}
}

func (m MultiHooks) HandshakeFailed(role Role, err error) {
	for _, h := range m {
		h.HandshakeFailed(role, err)
	}
}
