// Package nexthop manages next hops shared by routes and multipath groups.
package nexthop

import (
	"bytes"
	"fmt"
	"maps"
	"net"
	"net/netip"
	"slices"
	"strconv"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/yanet-platform/orchagent/internal/consumer"
	"github.com/yanet-platform/orchagent/internal/hal"
	"github.com/yanet-platform/orchagent/internal/orch"
	"github.com/yanet-platform/orchagent/internal/registry"
	"github.com/yanet-platform/orchagent/internal/request"
)

// Table is the source table of next hops.
const Table = "NEXTHOP_TABLE"

const (
	attrIP   = "ip"
	attrPort = "port"
	attrMAC  = "mac"
	attrVLAN = "vlan"
)

// Schema is the shape of NEXTHOP_TABLE entries.
var Schema = &request.Schema{
	Table:    Table,
	KeyTypes: []request.ValueType{request.TypeString},
	Attrs: map[string]request.ValueType{
		attrIP:   request.TypeIP,
		attrPort: request.TypeString,
		attrMAC:  request.TypeMAC,
		attrVLAN: request.TypeVLAN,
	},
	Mandatory: []string{attrIP, attrPort},
}

// Resolver resolves next-hop addresses observed on a port into MAC
// addresses.
type Resolver interface {
	Resolve(addr netip.Addr, port string) (net.HardwareAddr, bool)
}

// NextHop is a programmed next hop.
type NextHop struct {
	ID   string
	IP   netip.Addr
	Port string
	MAC  net.HardwareAddr
	// Resolved is set when MAC came from the neighbour table rather than
	// from configuration.
	Resolved bool
	// VLAN is zero for untagged next hops.
	VLAN uint16
	OID  hal.OID
}

// Option is a function that configures the manager.
type Option func(*options)

// WithLog configures the manager with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithResolver configures neighbour resolution for next hops given without
// a MAC address.
func WithResolver(resolver Resolver) Option {
	return func(o *options) {
		o.Resolver = resolver
	}
}

type options struct {
	Log      *zap.SugaredLogger
	Resolver Resolver
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Manager is the next-hop manager.
type Manager struct {
	hal      hal.API
	registry *registry.Registry
	resolver Resolver
	nextHops map[string]*NextHop
	log      *zap.SugaredLogger
}

// NewManager constructs a new next-hop manager.
func NewManager(api hal.API, reg *registry.Registry, options ...Option) *Manager {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Manager{
		hal:      api,
		registry: reg,
		resolver: opts.Resolver,
		nextHops: map[string]*NextHop{},
		log:      opts.Log,
	}
}

// NextHop returns a copy of the next hop.
func (m *Manager) NextHop(id string) (NextHop, bool) {
	nh, ok := m.nextHops[id]
	if !ok {
		return NextHop{}, false
	}
	return *nh, true
}

// State implements orch.StateReporter.
func (m *Manager) State(key string) []consumer.FieldValue {
	nh, ok := m.nextHops[key]
	if !ok {
		return nil
	}

	fields := []consumer.FieldValue{
		{Field: attrIP, Value: nh.IP.String()},
		{Field: attrPort, Value: nh.Port},
	}
	if !nh.Resolved {
		fields = append(fields, consumer.FieldValue{Field: attrMAC, Value: nh.MAC.String()})
	}
	if nh.VLAN != 0 {
		fields = append(fields, consumer.FieldValue{Field: attrVLAN, Value: strconv.FormatUint(uint64(nh.VLAN), 10)})
	}
	return fields
}

func (m *Manager) decode(req *request.Request) (*NextHop, error) {
	nh := &NextHop{ID: req.Key()}

	var err error
	if nh.IP, err = req.IP(attrIP); err != nil {
		return nil, err
	}
	if nh.Port, err = req.String(attrPort); err != nil {
		return nil, err
	}
	if req.Has(attrMAC) {
		if nh.MAC, err = req.MAC(attrMAC); err != nil {
			return nil, err
		}
	}
	if req.Has(attrVLAN) {
		if nh.VLAN, err = req.VLAN(attrVLAN); err != nil {
			return nil, err
		}
	}
	return nh, nil
}

// resolve fills in the MAC address from the neighbour table unless it is
// configured explicitly.
func (m *Manager) resolve(nh *NextHop) bool {
	if nh.MAC != nil {
		return true
	}
	if m.resolver == nil {
		return false
	}

	mac, ok := m.resolver.Resolve(nh.IP, nh.Port)
	if !ok {
		return false
	}
	nh.MAC = mac
	nh.Resolved = true
	return true
}

// ProcessAdd creates or updates a next hop.
func (m *Manager) ProcessAdd(req *request.Request) orch.Result {
	nh, err := m.decode(req)
	if err != nil {
		return orch.Drop(err)
	}
	if !m.resolve(nh) {
		return orch.NotFound("next hop %q: neighbour %s on %q is not resolved", nh.ID, nh.IP, nh.Port)
	}

	prev, ok := m.nextHops[nh.ID]
	if !ok {
		return m.create(nh)
	}
	return m.update(prev, nh)
}

func (m *Manager) create(nh *NextHop) orch.Result {
	attrs := []hal.Attribute{
		hal.AddrAttr(hal.AttrNextHopIP, nh.IP),
		hal.StringAttr(hal.AttrNextHopPort, nh.Port),
		hal.MACAttr(hal.AttrNextHopDstMAC, nh.MAC),
	}
	if nh.VLAN != 0 {
		attrs = append(attrs, hal.VLANAttr(hal.AttrNextHopVLAN, nh.VLAN))
	}

	oid, err := m.hal.Create(hal.ObjectTypeNextHop, attrs)
	if err != nil {
		return orch.Drop(fmt.Errorf("failed to create next hop %q: %w", nh.ID, err))
	}
	if err := m.registry.SetOID(registry.CategoryNextHop, nh.ID, oid); err != nil {
		if rmErr := m.hal.Remove(hal.ObjectTypeNextHop, oid); rmErr != nil {
			m.log.Errorw("failed to remove orphaned next hop", zap.Stringer("oid", oid), zap.Error(rmErr))
		}
		return orch.Drop(orch.Errorf(codes.Internal, "next hop %q: %v", nh.ID, err))
	}

	nh.OID = oid
	m.nextHops[nh.ID] = nh

	m.log.Infow("created next hop",
		zap.String("id", nh.ID),
		zap.Stringer("ip", nh.IP),
		zap.String("port", nh.Port),
		zap.Stringer("mac", nh.MAC),
		zap.Stringer("oid", oid),
	)
	return orch.Apply()
}

func (m *Manager) update(prev *NextHop, nh *NextHop) orch.Result {
	if prev.IP != nh.IP || prev.Port != nh.Port {
		return orch.InvalidArgument("next hop %q: ip and port are immutable", nh.ID)
	}

	if !bytes.Equal(prev.MAC, nh.MAC) {
		if err := m.hal.SetAttribute(hal.ObjectTypeNextHop, prev.OID, hal.MACAttr(hal.AttrNextHopDstMAC, nh.MAC)); err != nil {
			return orch.Drop(fmt.Errorf("failed to update next hop %q: %w", nh.ID, err))
		}
	}
	if prev.VLAN != nh.VLAN {
		if err := m.hal.SetAttribute(hal.ObjectTypeNextHop, prev.OID, hal.VLANAttr(hal.AttrNextHopVLAN, nh.VLAN)); err != nil {
			if !bytes.Equal(prev.MAC, nh.MAC) {
				if rbErr := m.hal.SetAttribute(hal.ObjectTypeNextHop, prev.OID, hal.MACAttr(hal.AttrNextHopDstMAC, prev.MAC)); rbErr != nil {
					m.log.Errorw("failed to restore next hop MAC", zap.String("id", nh.ID), zap.Error(rbErr))
				}
			}
			return orch.Drop(fmt.Errorf("failed to update next hop %q: %w", nh.ID, err))
		}
	}

	prev.MAC = nh.MAC
	prev.Resolved = nh.Resolved
	prev.VLAN = nh.VLAN

	m.log.Infow("updated next hop", zap.String("id", nh.ID), zap.Stringer("mac", nh.MAC), zap.Uint16("vlan", nh.VLAN))
	return orch.Apply()
}

// ProcessDelete removes a next hop once nothing references it.
func (m *Manager) ProcessDelete(req *request.Request) orch.Result {
	id := req.Key()
	nh, ok := m.nextHops[id]
	if !ok {
		return orch.Drop(orch.Errorf(codes.NotFound, "next hop %q does not exist", id))
	}

	refs, err := m.registry.GetRefCount(registry.CategoryNextHop, id)
	if err != nil {
		return orch.Drop(orch.Errorf(codes.Internal, "next hop %q: %v", id, err))
	}
	if refs > 0 {
		return orch.InUse("next hop %q is referenced by %d objects", id, refs)
	}

	if err := m.hal.Remove(hal.ObjectTypeNextHop, nh.OID); err != nil {
		return orch.Drop(fmt.Errorf("failed to remove next hop %q: %w", id, err))
	}
	if err := m.registry.EraseOID(registry.CategoryNextHop, id); err != nil {
		return orch.Drop(orch.Errorf(codes.Internal, "next hop %q: %v", id, err))
	}
	delete(m.nextHops, id)

	m.log.Infow("removed next hop", zap.String("id", id), zap.Stringer("oid", nh.OID))
	return orch.Apply()
}

// Refresh re-resolves next hops whose MAC address came from the neighbour
// table and reprograms the ones that changed.
//
// It returns the number of updated next hops.
func (m *Manager) Refresh() int {
	if m.resolver == nil {
		return 0
	}

	updated := 0
	for _, id := range slices.Sorted(maps.Keys(m.nextHops)) {
		nh := m.nextHops[id]
		if !nh.Resolved {
			continue
		}

		mac, ok := m.resolver.Resolve(nh.IP, nh.Port)
		if !ok || bytes.Equal(mac, nh.MAC) {
			// A vanished neighbour keeps the last known address.
			continue
		}
		if err := m.hal.SetAttribute(hal.ObjectTypeNextHop, nh.OID, hal.MACAttr(hal.AttrNextHopDstMAC, mac)); err != nil {
			m.log.Warnw("failed to refresh next hop MAC", zap.String("id", id), zap.Error(err))
			continue
		}
		nh.MAC = mac
		updated++

		m.log.Infow("refreshed next hop MAC", zap.String("id", id), zap.Stringer("mac", mac))
	}
	return updated
}
