package tunnel

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/alexandrkondratenko/tunnel/internal/frame"
	"github.com/alexandrkondratenko/tunnel/internal/varint"
)

// Cooldown is the minimum time a server-allocated CID sits inactive before
// it can be reissued, guarding against stale in-flight frames for the
// previous occupant.
const Cooldown = 60 * time.Second

// cidSlot tracks one server-role CID's liveness for allocate()'s ready scan.
type cidSlot struct {
	active        bool
	deactivatedAt time.Time
}

func (s cidSlot) ready() bool {
	return !s.active && (s.deactivatedAt.IsZero() || time.Since(s.deactivatedAt) >= Cooldown)
}

// registryHooks lets Registry report stream lifecycle events without taking
// a hard dependency on any particular metrics/audit implementation.
type registryHooks interface {
	StreamOpened(cid uint64)
	StreamClosed(cid uint64)
	StreamRejected(cid uint64)
	FrameWritten(t frame.Tag, n int)
}

// Registry allocates, tracks, and recycles CIDs, and mediates the
// cross-peer Allocate/Cid handshake for client-role sessions. All
// map/slot/FIFO mutation is guarded by mu; mu is never held across a
// control-connection write or across a Stream.close() call.
type Registry struct {
	role   Role
	conn   *Conn
	logger zerolog.Logger
	hooks  registryHooks

	mu      sync.Mutex
	slots   []cidSlot // server role only
	streams map[uint64]*Stream

	pending chan uint64 // client role only: Cid values delivered by the dispatcher
}

// NewRegistry constructs a registry bound to conn. role determines whether
// Allocate scans/extends the server-side slot list or round-trips an
// Allocate/Cid request through the peer.
func NewRegistry(role Role, conn *Conn, logger zerolog.Logger, hooks registryHooks) *Registry {
	if hooks == nil {
		hooks = noopHooks{}
	}
	return &Registry{
		role:    role,
		conn:    conn,
		logger:  logger,
		hooks:   hooks,
		streams: make(map[uint64]*Stream),
		pending: make(chan uint64, 64),
	}
}

// Allocate hands out a CID for a new outbound stream, blocking for a client
// role until the peer answers an Allocate request with a Cid frame.
func (r *Registry) Allocate(ctx context.Context) (uint64, error) {
	if r.role == RoleServer {
		r.mu.Lock()
		for i := range r.slots {
			if r.slots[i].ready() {
				r.slots[i].active = true
				cid := uint64(i)
				r.mu.Unlock()
				return cid, nil
			}
		}
		cid := uint64(len(r.slots))
		r.slots = append(r.slots, cidSlot{active: true})
		r.mu.Unlock()
		return cid, nil
	}

	var buf varint.Buffer
	frame.PutAllocate(&buf)
	if err := r.WriteFrame(frame.Allocate, &buf); err != nil {
		return 0, err
	}
	select {
	case cid := <-r.pending:
		return cid, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Create constructs a Stream bound to (cid, conn) and registers it. The
// caller guarantees cid isn't already live.
func (r *Registry) Create(cid uint64, conn localConn) *Stream {
	s := newStream(cid, conn, r, r.logger.With().Uint64("cid", cid).Logger())
	r.mu.Lock()
	r.streams[cid] = s
	r.mu.Unlock()
	r.hooks.StreamOpened(cid)
	return s
}

// Start begins cid's stream worker, if present.
func (r *Registry) Start(cid uint64) {
	r.mu.Lock()
	s := r.streams[cid]
	r.mu.Unlock()
	if s != nil {
		s.start()
	}
}

// RequestClose asks cid's stream worker to shut down cooperatively, if
// present. Absence is tolerated silently (the worker may have already
// reaped itself).
func (r *Registry) RequestClose(cid uint64) {
	r.mu.Lock()
	s := r.streams[cid]
	r.mu.Unlock()
	if s != nil {
		s.close()
	}
}

// Remove unregisters cid's stream. On the server role, it also marks the
// matching slot inactive and stamps the deactivation time so Allocate won't
// reissue cid for Cooldown.
func (r *Registry) Remove(cid uint64) {
	r.mu.Lock()
	_, existed := r.streams[cid]
	delete(r.streams, cid)
	if r.role == RoleServer && cid < uint64(len(r.slots)) {
		r.slots[cid].active = false
		r.slots[cid].deactivatedAt = time.Now()
	}
	r.mu.Unlock()
	if existed {
		r.hooks.StreamClosed(cid)
	}
}

// DeliverCid hands a Cid frame's value to a client-role Allocate caller
// through a FIFO of up to 64 values: a value that arrives while no caller
// is waiting is queued for the next Allocate. Only when that FIFO is full
// is the value logged and dropped; a well-behaved peer never fills it,
// since Cid is only ever sent in response to an Allocate this side issued.
func (r *Registry) DeliverCid(cid uint64) {
	select {
	case r.pending <- cid:
	default:
		r.logger.Warn().Uint64("cid", cid).Msg("received cid with no pending allocate request")
	}
}

// Send forwards b to cid's stream worker's local socket. An unknown CID
// (the worker may have already reaped) is silently dropped.
func (r *Registry) Send(cid uint64, b []byte) error {
	r.mu.Lock()
	s := r.streams[cid]
	r.mu.Unlock()
	if s == nil {
		return nil
	}
	return s.send(b)
}

// WriteFrame writes buf's contents to the control connection through its
// serialized writer. tag identifies the frame buf holds, for FrameWritten
// reporting only — it is never re-derived from buf's bytes.
func (r *Registry) WriteFrame(tag frame.Tag, buf *varint.Buffer) error {
	b := buf.Bytes()
	err := r.conn.Write(b)
	if err == nil {
		r.hooks.FrameWritten(tag, len(b))
	}
	return err
}

// CloseAll closes every live stream and clears the map.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	streams := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		streams = append(streams, s)
	}
	r.streams = make(map[uint64]*Stream)
	r.mu.Unlock()
	for _, s := range streams {
		s.close()
	}
}

// CloseConn closes the underlying control connection.
func (r *Registry) CloseConn() error {
	return r.conn.Close()
}

// ActiveCount returns the number of live stream workers, which must always
// equal the number of CIDs in the registry's map.
func (r *Registry) ActiveCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.streams)
}

type noopHooks struct{}

func (noopHooks) StreamOpened(uint64)        {}
func (noopHooks) StreamClosed(uint64)        {}
func (noopHooks) StreamRejected(uint64)      {}
func (noopHooks) FrameWritten(frame.Tag, int) {}
