// Package neigh discovers kernel neighbours so that next hops given without
// an explicit MAC address can be resolved.
package neigh

import (
	"net"
	"net/netip"
	"time"

	"github.com/vishvananda/netlink"
)

// Table is a cache of discovered neighbours keyed by their address.
type Table = Cache[netip.Addr, Neighbour]

// TableView is a read-only view of the neighbour table.
type TableView = CacheView[netip.Addr, Neighbour]

// Neighbour is a resolved neighbour.
type Neighbour struct {
	// Addr is the IP address of the neighbour.
	Addr netip.Addr
	// LinkAddr is the MAC address of the neighbour.
	LinkAddr net.HardwareAddr
	// Port is the name of the link the neighbour was observed on.
	Port string
	// UpdatedAt is the timestamp when this entry was last updated.
	UpdatedAt time.Time
	State     State
}

// State is the NUD state of a neighbour.
type State int

// String returns string representation of this state.
func (m State) String() string {
	switch m {
	case netlink.NUD_NONE:
		return "NONE"
	case netlink.NUD_INCOMPLETE:
		return "INCOMPLETE"
	case netlink.NUD_REACHABLE:
		return "REACHABLE"
	case netlink.NUD_STALE:
		return "STALE"
	case netlink.NUD_DELAY:
		return "DELAY"
	case netlink.NUD_PROBE:
		return "PROBE"
	case netlink.NUD_FAILED:
		return "FAILED"
	case netlink.NUD_NOARP:
		return "NOARP"
	case netlink.NUD_PERMANENT:
		return "PERMANENT"
	default:
		return "UNKNOWN"
	}
}

// Usable reports whether the link address of a neighbour in this state can
// be programmed.
func (m State) Usable() bool {
	switch m {
	case netlink.NUD_REACHABLE, netlink.NUD_STALE, netlink.NUD_DELAY,
		netlink.NUD_PROBE, netlink.NUD_NOARP, netlink.NUD_PERMANENT:
		return true
	default:
		return false
	}
}

// Resolver resolves next-hop addresses into MAC addresses using the
// neighbour table.
type Resolver struct {
	table *Table
}

// NewResolver constructs a new resolver over the given table.
func NewResolver(table *Table) *Resolver {
	return &Resolver{table: table}
}

// Resolve returns the MAC address of the neighbour with the given address
// observed on the given port.
func (m *Resolver) Resolve(addr netip.Addr, port string) (net.HardwareAddr, bool) {
	view := m.table.View()
	neighbour, ok := view.Lookup(addr)
	if !ok || !neighbour.State.Usable() {
		return nil, false
	}
	if port != "" && neighbour.Port != port {
		return nil, false
	}
	return neighbour.LinkAddr, true
}
