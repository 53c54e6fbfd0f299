package tunnel

import (
	"fmt"
	"time"
)

// Config is the static, per-process configuration a Session runs under. It
// is the narrow interface the CLI layer hands to the session; tunnel
// itself never parses flags or environment.
type Config struct {
	Role Role

	// Target is the host forwarded connections are dialed against on
	// receipt of a Connect frame.
	Target string

	// Forward is the set of ports this side advertises: it binds a local
	// listener on each (remapped through Mapping if present) and, on
	// accept, asks the peer to dial Target on that port.
	Forward []uint64

	// Mapping remaps an advertised port to the local port PortListener
	// actually binds. It must be injective: neither an advertised port
	// nor a mapped port may be duplicated.
	Mapping map[uint64]uint64

	// Reconnect is the wait between dialer-role reconnect attempts. The
	// listener role never waits; the next Accept blocks anyway.
	Reconnect time.Duration

	// KeepAlivePeriod is how often the keep-alive ticker emits a frame.
	KeepAlivePeriod time.Duration

	// MaxPortConns caps concurrently forwarded connections per advertised
	// port (0 disables the cap).
	MaxPortConns int
}

// MappedPort returns the local bind port for an advertised port: the
// configured remap if present, otherwise the port itself unchanged.
func (c *Config) MappedPort(port uint64) uint64 {
	if m, ok := c.Mapping[port]; ok {
		return m
	}
	return port
}

// Validate checks the structural invariants the forward/mapping
// configuration requires: no duplicate advertised port, and the
// local-bind mapping is injective (no two advertised ports resolve to the
// same bind port, and a bind port never collides with an advertised port
// that isn't itself remapped).
func (c *Config) Validate() error {
	if c.Target == "" {
		return fmt.Errorf("target must not be empty")
	}
	seenAdvertised := make(map[uint64]bool, len(c.Forward))
	for _, p := range c.Forward {
		if seenAdvertised[p] {
			return fmt.Errorf("duplicate advertised port %d", p)
		}
		seenAdvertised[p] = true
	}
	for p := range c.Mapping {
		if !seenAdvertised[p] {
			return fmt.Errorf("mapping for port %d which is not in --forward", p)
		}
	}
	seenBind := make(map[uint64]bool, len(c.Forward))
	for _, p := range c.Forward {
		b := c.MappedPort(p)
		if seenBind[b] {
			return fmt.Errorf("duplicate local bind port %d", b)
		}
		seenBind[b] = true
	}
	return nil
}
