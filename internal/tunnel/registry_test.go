package tunnel

import (
	"context"
	"io"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexandrkondratenko/tunnel/internal/frame"
	"github.com/alexandrkondratenko/tunnel/internal/varint"
)

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}

type recordingHooks struct {
	opened, closed, rejected []uint64
	written                  []frame.Tag
}

func (h *recordingHooks) StreamOpened(cid uint64)   { h.opened = append(h.opened, cid) }
func (h *recordingHooks) StreamClosed(cid uint64)   { h.closed = append(h.closed, cid) }
func (h *recordingHooks) StreamRejected(cid uint64) { h.rejected = append(h.rejected, cid) }
func (h *recordingHooks) FrameWritten(t frame.Tag, n int) {
	h.written = append(h.written, t)
}

// recordingHooks also satisfies the full Hooks interface (not just
// registryHooks) so session_test.go can assign it directly to Session.hooks.
func (h *recordingHooks) SessionStarted(Role)        {}
func (h *recordingHooks) SessionEnded(Role, error)   {}
func (h *recordingHooks) HandshakeFailed(Role, error) {}

func TestRegistryServerAllocateScansAndExtends(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go io.Copy(io.Discard, b) //nolint:errcheck // drain any write; server-role Allocate itself sends no frame

	reg := NewRegistry(RoleServer, NewConn(a), testLogger(), nil)

	cid0, err := reg.Allocate(context.Background())
	if err != nil || cid0 != 0 {
		t.Fatalf("Allocate() #1 = %d, %v, want 0, nil", cid0, err)
	}
	cid1, err := reg.Allocate(context.Background())
	if err != nil || cid1 != 1 {
		t.Fatalf("Allocate() #2 = %d, %v, want 1, nil", cid1, err)
	}

	reg.Remove(cid0)
	if reg.slots[0].active {
		t.Fatalf("slot 0 still marked active after Remove")
	}

	// Cooldown hasn't elapsed: the next allocation must not reissue cid 0.
	cid2, err := reg.Allocate(context.Background())
	if err != nil || cid2 != 2 {
		t.Fatalf("Allocate() #3 = %d, %v, want 2 (cid 0 still cooling down)", cid2, err)
	}

	// Backdate the deactivation past Cooldown and confirm reuse.
	reg.mu.Lock()
	reg.slots[0].deactivatedAt = time.Now().Add(-Cooldown - time.Second)
	reg.mu.Unlock()

	cid3, err := reg.Allocate(context.Background())
	if err != nil || cid3 != 0 {
		t.Fatalf("Allocate() #4 = %d, %v, want 0 (cooldown elapsed)", cid3, err)
	}
}

func TestRegistryClientAllocateRoundTrip(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	reg := NewRegistry(RoleClient, NewConn(a), testLogger(), nil)

	peer := NewConn(b)
	go func() {
		tag, err := frame.ReadTag(peer)
		if err != nil || tag != frame.Allocate {
			return
		}
		var buf varint.Buffer
		frame.PutCid(&buf, 77)
		peer.Write(buf.Bytes())
	}()

	cid, err := reg.Allocate(context.Background())
	if err != nil || cid != 77 {
		t.Fatalf("client Allocate() = %d, %v, want 77, nil", cid, err)
	}
}

func TestRegistryClientAllocateContextCancel(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go io.Copy(io.Discard, b) //nolint:errcheck

	reg := NewRegistry(RoleClient, NewConn(a), testLogger(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := reg.Allocate(ctx); err == nil {
		t.Fatalf("Allocate() with cancelled context = nil error, want context.Canceled")
	}
}

func TestRegistryDeliverCidWithNoWaiter(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	reg := NewRegistry(RoleClient, NewConn(a), testLogger(), nil)
	reg.DeliverCid(5) // must not block or panic with nobody waiting
}

func TestRegistryCreateStartRemoveHooks(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go io.Copy(io.Discard, b) //nolint:errcheck

	hooks := &recordingHooks{}
	reg := NewRegistry(RoleServer, NewConn(a), testLogger(), hooks)

	local, remote := net.Pipe()
	defer remote.Close()

	s := reg.Create(5, local)
	if reg.ActiveCount() != 1 {
		t.Fatalf("ActiveCount() = %d, want 1", reg.ActiveCount())
	}
	if len(hooks.opened) != 1 || hooks.opened[0] != 5 {
		t.Fatalf("StreamOpened hook = %v, want [5]", hooks.opened)
	}

	s.start()
	reg.RequestClose(5)
	reg.Remove(5)

	if reg.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() after Remove = %d, want 0", reg.ActiveCount())
	}
	if len(hooks.closed) != 1 || hooks.closed[0] != 5 {
		t.Fatalf("StreamClosed hook = %v, want [5]", hooks.closed)
	}
}
