package neigh

import (
	"bytes"
	"context"
	"fmt"
	"net/netip"
	"time"

	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Lister dumps kernel tables the monitor resyncs from.
type Lister interface {
	// Neighbours returns every kernel neighbour.
	Neighbours() ([]netlink.Neigh, error)
	// Links returns link names by index.
	Links() (map[int]string, error)
}

// NetlinkLister lists kernel tables over netlink.
type NetlinkLister struct{}

// Neighbours implements Lister.
func (NetlinkLister) Neighbours() ([]netlink.Neigh, error) {
	return netlink.NeighList(0, 0)
}

// Links implements Lister.
func (NetlinkLister) Links() (map[int]string, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, err
	}
	names := make(map[int]string, len(links))
	for _, link := range links {
		attrs := link.Attrs()
		names[attrs.Index] = attrs.Name
	}
	return names, nil
}

// Option is a function that configures the neighbour monitor.
type Option func(*options)

// WithUpdateInterval sets the period of full resyncs.
func WithUpdateInterval(interval time.Duration) Option {
	return func(o *options) {
		o.UpdateInterval = interval
	}
}

// WithOnUpdate sets a callback invoked after every table change. It runs on
// the monitor goroutine and must not block.
func WithOnUpdate(fn func()) Option {
	return func(o *options) {
		o.OnUpdate = fn
	}
}

// WithLister replaces netlink dumps.
func WithLister(lister Lister) Option {
	return func(o *options) {
		o.Lister = lister
	}
}

// WithLog configures the neighbour monitor with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

type options struct {
	UpdateInterval time.Duration
	OnUpdate       func()
	Lister         Lister
	Log            *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		UpdateInterval: 5 * time.Minute,
		OnUpdate:       func() {},
		Lister:         NetlinkLister{},
		Log:            zap.NewNop().Sugar(),
	}
}

// Monitor keeps the neighbour table in sync with the kernel.
//
// Single updates are applied as they arrive, and the whole table is rebuilt
// from a dump every update interval.
type Monitor struct {
	table    *Table
	lister   Lister
	interval time.Duration
	onUpdate func()
	// Link names of the last resync.
	links map[int]string
	now   func() time.Time
	log   *zap.SugaredLogger
}

// NewMonitor creates a neighbour monitor and fills the table from a first
// dump.
func NewMonitor(table *Table, options ...Option) *Monitor {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	m := &Monitor{
		table:    table,
		lister:   opts.Lister,
		interval: opts.UpdateInterval,
		onUpdate: opts.OnUpdate,
		links:    map[int]string{},
		now:      time.Now,
		log:      opts.Log,
	}
	if err := m.Resync(); err != nil {
		m.log.Warnw("failed to load neighbours", zap.Error(err))
	}
	return m
}

// Run applies kernel updates until the specified context is canceled.
func (m *Monitor) Run(ctx context.Context) error {
	updates := make(chan netlink.NeighUpdate, 16)
	if err := netlink.NeighSubscribeWithOptions(updates, ctx.Done(), netlink.NeighSubscribeOptions{}); err != nil {
		return fmt.Errorf("failed to subscribe to neighbour updates: %w", err)
	}

	resync := time.NewTicker(m.interval)
	defer resync.Stop()

	m.log.Infow("watching neighbours", zap.Duration("resync", m.interval))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case update, ok := <-updates:
			if !ok {
				return fmt.Errorf("neighbour subscription closed")
			}
			m.Apply(update)
		case <-resync.C:
			if err := m.Resync(); err != nil {
				m.log.Warnw("failed to resync neighbours", zap.Error(err))
			}
		}
	}
}

// Resync rebuilds the table from a dump.
func (m *Monitor) Resync() error {
	neighs, err := m.lister.Neighbours()
	if err != nil {
		return fmt.Errorf("failed to list neighbours: %w", err)
	}
	links, err := m.lister.Links()
	if err != nil {
		return fmt.Errorf("failed to list links: %w", err)
	}
	m.links = links

	table := buildTable(neighs, links, m.now(), m.log)
	m.table.Swap(table)
	m.log.Infow("resynced neighbour table", zap.Int("size", len(table)))
	m.onUpdate()
	return nil
}

// Apply applies a single kernel update to the table.
//
// It reports whether the table changed.
func (m *Monitor) Apply(update netlink.NeighUpdate) bool {
	addr, ok := netip.AddrFromSlice(update.IP)
	if !ok {
		return false
	}
	addr = addr.Unmap()

	view := m.table.View()
	prev, known := view.Lookup(addr)

	switch update.Type {
	case unix.RTM_NEWNEIGH:
		neighbour, ok := toNeighbour(update.Neigh, m.links, m.now())
		if !ok {
			return false
		}
		if known && prev.Port == neighbour.Port && prev.State == neighbour.State &&
			bytes.Equal(prev.LinkAddr, neighbour.LinkAddr) {
			return false
		}
		table := view.Entries()
		table[addr] = neighbour
		m.table.Swap(table)
	case unix.RTM_DELNEIGH:
		if !known {
			return false
		}
		table := view.Entries()
		delete(table, addr)
		m.table.Swap(table)
	default:
		m.log.Warnf("unexpected neighbour update type: %d", update.Type)
		return false
	}

	m.log.Debugw("applied neighbour update",
		zap.Stringer("addr", addr),
		zap.Uint16("type", update.Type),
		zap.Stringer("state", State(update.State)),
	)
	m.onUpdate()
	return true
}

// toNeighbour skips kernel neighbours without an EUI-48 address or on unknown
// links.
func toNeighbour(neigh netlink.Neigh, links map[int]string, now time.Time) (Neighbour, bool) {
	addr, ok := netip.AddrFromSlice(neigh.IP)
	if !ok || len(neigh.HardwareAddr) != 6 {
		return Neighbour{}, false
	}
	port, ok := links[neigh.LinkIndex]
	if !ok {
		return Neighbour{}, false
	}
	return Neighbour{
		Addr:      addr.Unmap(),
		LinkAddr:  neigh.HardwareAddr,
		Port:      port,
		UpdatedAt: now,
		State:     State(neigh.State),
	}, true
}

func buildTable(neighs []netlink.Neigh, links map[int]string, now time.Time, log *zap.SugaredLogger) map[netip.Addr]Neighbour {
	table := make(map[netip.Addr]Neighbour, len(neighs))
	for _, neigh := range neighs {
		neighbour, ok := toNeighbour(neigh, links, now)
		if !ok {
			log.Debugw("skipped neighbour", zap.Stringer("addr", neigh.IP), zap.Int("link_index", neigh.LinkIndex))
			continue
		}
		table[neighbour.Addr] = neighbour
	}
	return table
}
