// Package ports tracks operational state of switch ports used as watch ports
// by multipath group members.
package ports

import (
	"fmt"
	"net"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
)

// Querier reports the current operational state of a port.
type Querier interface {
	OperStatus(port string) (up bool, err error)
}

// QuerierFunc adapts a function to the Querier interface.
type QuerierFunc func(port string) (bool, error)

// OperStatus implements Querier.
func (m QuerierFunc) OperStatus(port string) (bool, error) {
	return m(port)
}

// NetlinkQuerier asks the kernel about the link with the port's name.
type NetlinkQuerier struct{}

// OperStatus implements Querier.
func (NetlinkQuerier) OperStatus(port string) (bool, error) {
	link, err := netlink.LinkByName(port)
	if err != nil {
		return false, fmt.Errorf("failed to lookup link %q: %w", port, err)
	}
	return linkUp(link.Attrs()), nil
}

// Virtual links often report an unknown operational state while being
// administratively up.
func linkUp(attrs *netlink.LinkAttrs) bool {
	switch attrs.OperState {
	case netlink.OperUp:
		return true
	case netlink.OperUnknown:
		return attrs.Flags&net.FlagUp != 0
	default:
		return false
	}
}

// Cache is the port liveness cache.
//
// A port is queried synchronously on first use; afterwards its state changes
// only through Update. The cache is not persisted: after a restart it is
// repopulated lazily.
//
// Owned by the run loop goroutine.
type Cache struct {
	states  map[string]bool
	querier Querier
	log     *zap.SugaredLogger
}

// NewCache constructs an empty cache backed by the given querier.
func NewCache(querier Querier, log *zap.SugaredLogger) *Cache {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Cache{
		states:  map[string]bool{},
		querier: querier,
		log:     log,
	}
}

// IsUp returns the operational state of the port.
func (m *Cache) IsUp(port string) (bool, error) {
	if up, ok := m.states[port]; ok {
		return up, nil
	}

	up, err := m.querier.OperStatus(port)
	if err != nil {
		return false, err
	}
	m.states[port] = up

	m.log.Debugw("queried port state", zap.String("port", port), zap.Bool("up", up))
	return up, nil
}

// Update records a state change reported by a link event.
//
// It returns whether the recorded state actually changed.
func (m *Cache) Update(port string, up bool) bool {
	prev, ok := m.states[port]
	m.states[port] = up
	return !ok || prev != up
}

// Known returns whether the port state is cached.
func (m *Cache) Known(port string) bool {
	_, ok := m.states[port]
	return ok
}
