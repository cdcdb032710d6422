// Package wcmp manages weighted multipath next-hop groups.
//
// Every group member references a next hop and may declare a watch port.
// Members whose watch port is down are pruned from hardware and restored once
// the port comes back.
package wcmp

import (
	"errors"
	"fmt"
	"maps"
	"slices"
	"strings"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/yanet-platform/orchagent/internal/consumer"
	"github.com/yanet-platform/orchagent/internal/hal"
	"github.com/yanet-platform/orchagent/internal/orch"
	"github.com/yanet-platform/orchagent/internal/registry"
	"github.com/yanet-platform/orchagent/internal/request"
)

// Table is the source table of group definitions.
const Table = "WCMP_GROUP_TABLE"

const attrMembers = "members"

// Schema is the shape of WCMP_GROUP_TABLE entries.
//
// The "members" attribute is an ordered list of "nexthop:weight[@port]".
var Schema = &request.Schema{
	Table:    Table,
	KeyTypes: []request.ValueType{request.TypeString},
	Attrs: map[string]request.ValueType{
		attrMembers: request.TypeStringList,
	},
	Mandatory: []string{attrMembers},
}

// PortStatus reports watch port liveness.
type PortStatus interface {
	IsUp(port string) (bool, error)
}

// GroupObserver is notified when a group gains its first bound member or
// loses its last one.
type GroupObserver interface {
	OnGroupEmpty(groupID string)
	OnGroupRestored(groupID string)
}

// Group is a multipath group.
type Group struct {
	ID      string
	OID     hal.OID
	Members []*Member
}

// BoundCount returns the number of members programmed in hardware.
func (m *Group) BoundCount() int {
	count := 0
	for _, member := range m.Members {
		if member.Bound() {
			count++
		}
	}
	return count
}

func (m *Group) clone() *Group {
	out := &Group{ID: m.ID, OID: m.OID, Members: make([]*Member, 0, len(m.Members))}
	for _, member := range m.Members {
		c := *member
		out.Members = append(out.Members, &c)
	}
	return out
}

func (m *Group) spec() string {
	items := make([]string, 0, len(m.Members))
	for _, member := range m.Members {
		items = append(items, member.String())
	}
	return strings.Join(items, ",")
}

// Option is a function that configures the manager.
type Option func(*options)

// WithLog configures the manager with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithCriticalReporter configures where inconsistent state is reported.
func WithCriticalReporter(reporter orch.CriticalReporter) Option {
	return func(o *options) {
		o.Critical = reporter
	}
}

type options struct {
	Log      *zap.SugaredLogger
	Critical orch.CriticalReporter
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Manager is the WCMP group manager.
//
// Owned by the run loop goroutine.
type Manager struct {
	hal      hal.API
	registry *registry.Registry
	ports    PortStatus
	observer GroupObserver
	critical orch.CriticalReporter
	groups   map[string]*Group
	// Port name to the set of groups having a member watching it.
	portGroups map[string]map[string]struct{}
	log        *zap.SugaredLogger
}

// NewManager constructs a new group manager.
func NewManager(api hal.API, reg *registry.Registry, ports PortStatus, options ...Option) *Manager {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	critical := opts.Critical
	if critical == nil {
		critical = orch.NewCriticalLog(opts.Log)
	}

	return &Manager{
		hal:        api,
		registry:   reg,
		ports:      ports,
		critical:   critical,
		groups:     map[string]*Group{},
		portGroups: map[string]map[string]struct{}{},
		log:        opts.Log,
	}
}

// SetObserver installs the group observer.
func (m *Manager) SetObserver(observer GroupObserver) {
	m.observer = observer
}

// Group returns a snapshot of the group.
func (m *Manager) Group(id string) (*Group, bool) {
	group, ok := m.groups[id]
	if !ok {
		return nil, false
	}
	return group.clone(), true
}

// HasBoundMembers reports whether the group exists and has at least one
// member programmed in hardware.
func (m *Manager) HasBoundMembers(id string) bool {
	group, ok := m.groups[id]
	return ok && group.BoundCount() > 0
}

// State implements orch.StateReporter.
func (m *Manager) State(key string) []consumer.FieldValue {
	group, ok := m.groups[key]
	if !ok {
		return nil
	}
	return []consumer.FieldValue{{Field: attrMembers, Value: group.spec()}}
}

// ProcessAdd creates or updates a group.
func (m *Manager) ProcessAdd(req *request.Request) orch.Result {
	id := req.Key()
	items, err := req.StringList(attrMembers)
	if err != nil {
		return orch.Drop(err)
	}
	members, err := parseMembers(items)
	if err != nil {
		return orch.InvalidArgument("group %q: %v", id, err)
	}

	for _, member := range members {
		if !m.registry.ExistsOID(registry.CategoryNextHop, member.NextHopID) {
			return orch.NotFound("group %q: next hop %q does not exist", id, member.NextHopID)
		}
	}
	if err := m.resolvePorts(members); err != nil {
		return orch.Drop(orch.Errorf(codes.NotFound, "group %q: %v", id, err))
	}

	group, ok := m.groups[id]
	if !ok {
		return m.create(id, members)
	}
	return m.update(group, members)
}

// ProcessDelete removes a group.
func (m *Manager) ProcessDelete(req *request.Request) orch.Result {
	id := req.Key()
	group, ok := m.groups[id]
	if !ok {
		return orch.Drop(orch.Errorf(codes.NotFound, "group %q does not exist", id))
	}
	return m.delete(group)
}

// resolvePorts marks members whose watch port is down as pruned.
func (m *Manager) resolvePorts(members []*Member) error {
	for _, member := range members {
		if member.WatchPort == "" {
			continue
		}
		up, err := m.ports.IsUp(member.WatchPort)
		if err != nil {
			return fmt.Errorf("watch port %q: %w", member.WatchPort, err)
		}
		member.Pruned = !up
	}
	return nil
}

func (m *Manager) create(id string, members []*Member) orch.Result {
	log := m.log.With(zap.String("group", id))

	oid, err := m.hal.Create(hal.ObjectTypeNextHopGroup, []hal.Attribute{
		hal.GroupTypeAttr(hal.AttrNextHopGroupType, hal.NextHopGroupTypeWCMP),
	})
	if err != nil {
		return orch.Drop(fmt.Errorf("failed to create group %q: %w", id, err))
	}
	if err := m.registry.SetOID(registry.CategoryWcmpGroup, id, oid); err != nil {
		if rmErr := m.hal.Remove(hal.ObjectTypeNextHopGroup, oid); rmErr != nil {
			return m.inconsistent(id, err, rmErr)
		}
		return orch.Drop(orch.Errorf(codes.Internal, "group %q: %v", id, err))
	}

	group := &Group{ID: id, OID: oid, Members: members}
	var bound []*Member
	for _, member := range members {
		if member.Pruned {
			continue
		}
		if err := m.bind(group, member); err != nil {
			if rbErr := m.abortCreate(group, bound); rbErr != nil {
				return m.inconsistent(id, err, rbErr)
			}
			return orch.Drop(fmt.Errorf("failed to add members to group %q: %w", id, err))
		}
		bound = append(bound, member)
	}

	m.groups[id] = group
	m.indexPorts(group)

	log.Infow("created group",
		zap.Stringer("oid", oid),
		zap.Int("bound", len(bound)),
		zap.Int("pruned", len(members)-len(bound)),
	)
	if len(bound) > 0 {
		m.notifyRestored(id)
	}
	return orch.Apply()
}

func (m *Manager) abortCreate(group *Group, bound []*Member) error {
	var errs []error
	for _, member := range slices.Backward(bound) {
		if err := m.unbind(group, member); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	if err := m.registry.EraseOID(registry.CategoryWcmpGroup, group.ID); err != nil {
		return err
	}
	return m.hal.Remove(hal.ObjectTypeNextHopGroup, group.OID)
}

func (m *Manager) delete(group *Group) orch.Result {
	log := m.log.With(zap.String("group", group.ID))

	refs, err := m.registry.GetRefCount(registry.CategoryWcmpGroup, group.ID)
	if err != nil {
		return orch.Drop(orch.Errorf(codes.Internal, "group %q: %v", group.ID, err))
	}
	bound := group.BoundCount()
	if int(refs) > bound {
		return orch.InUse("group %q is referenced by %d objects", group.ID, int(refs)-bound)
	}

	var removed []*Member
	for _, member := range group.Members {
		if !member.Bound() {
			continue
		}
		if err := m.unbind(group, member); err != nil {
			if rbErr := m.rebind(group, removed); rbErr != nil {
				return m.inconsistent(group.ID, err, rbErr)
			}
			return orch.Drop(fmt.Errorf("failed to remove members of group %q: %w", group.ID, err))
		}
		removed = append(removed, member)
	}

	if err := m.registry.EraseOID(registry.CategoryWcmpGroup, group.ID); err != nil {
		if rbErr := m.rebind(group, removed); rbErr != nil {
			return m.inconsistent(group.ID, err, rbErr)
		}
		return orch.Drop(orch.Errorf(codes.Internal, "group %q: %v", group.ID, err))
	}
	if err := m.hal.Remove(hal.ObjectTypeNextHopGroup, group.OID); err != nil {
		// The group handle survived the failed removal: register it again and
		// put the members back.
		rbErr := m.registry.SetOID(registry.CategoryWcmpGroup, group.ID, group.OID)
		if rbErr == nil {
			rbErr = m.rebind(group, removed)
		}
		if rbErr != nil {
			return m.inconsistent(group.ID, err, rbErr)
		}
		return orch.Drop(fmt.Errorf("failed to remove group %q: %w", group.ID, err))
	}

	m.unindexPorts(group)
	delete(m.groups, group.ID)

	log.Infow("removed group", zap.Stringer("oid", group.OID), zap.Int("members", len(removed)))
	return orch.Apply()
}

func (m *Manager) rebind(group *Group, members []*Member) error {
	var errs []error
	for _, member := range slices.Backward(members) {
		if err := m.bind(group, member); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// bind programs the member and takes references on its next hop and group.
func (m *Manager) bind(group *Group, member *Member) error {
	nextHop, err := m.registry.GetOID(registry.CategoryNextHop, member.NextHopID)
	if err != nil {
		return err
	}

	oid, err := m.hal.Create(hal.ObjectTypeNextHopGroupMember, []hal.Attribute{
		hal.OIDAttr(hal.AttrGroupMemberGroupID, group.OID),
		hal.OIDAttr(hal.AttrGroupMemberNextHopID, nextHop),
		hal.U32Attr(hal.AttrGroupMemberWeight, member.Weight),
	})
	if err != nil {
		return fmt.Errorf("failed to create member %s: %w", member, err)
	}

	if err := m.registry.IncreaseRefCount(registry.CategoryNextHop, member.NextHopID); err != nil {
		return errors.Join(err, m.hal.Remove(hal.ObjectTypeNextHopGroupMember, oid))
	}
	if err := m.registry.IncreaseRefCount(registry.CategoryWcmpGroup, group.ID); err != nil {
		return errors.Join(
			err,
			m.registry.DecreaseRefCount(registry.CategoryNextHop, member.NextHopID),
			m.hal.Remove(hal.ObjectTypeNextHopGroupMember, oid),
		)
	}

	member.OID = oid
	m.log.Debugw("bound member",
		zap.String("group", group.ID),
		zap.Stringer("member", member),
		zap.Stringer("oid", oid),
	)
	return nil
}

// unbind removes the member from hardware and releases its references.
func (m *Manager) unbind(group *Group, member *Member) error {
	if err := m.hal.Remove(hal.ObjectTypeNextHopGroupMember, member.OID); err != nil {
		return fmt.Errorf("failed to remove member %s: %w", member, err)
	}
	m.log.Debugw("unbound member",
		zap.String("group", group.ID),
		zap.Stringer("member", member),
		zap.Stringer("oid", member.OID),
	)
	member.OID = hal.NullOID

	return errors.Join(
		m.registry.DecreaseRefCount(registry.CategoryNextHop, member.NextHopID),
		m.registry.DecreaseRefCount(registry.CategoryWcmpGroup, group.ID),
	)
}

func (m *Manager) inconsistent(id string, err error, rbErr error) orch.Result {
	err = fmt.Errorf("%w: group %q: %w; rollback failed: %w", orch.ErrInconsistentState, id, err, rbErr)
	m.critical.ReportCritical(Table+":"+id, err)
	return orch.Drop(err)
}

func (m *Manager) notifyRestored(id string) {
	if m.observer != nil {
		m.observer.OnGroupRestored(id)
	}
}

func (m *Manager) notifyEmpty(id string) {
	if m.observer != nil {
		m.observer.OnGroupEmpty(id)
	}
}

func (m *Manager) notifyTransition(group *Group, wasLive bool) {
	isLive := group.BoundCount() > 0
	switch {
	case wasLive && !isLive:
		m.notifyEmpty(group.ID)
	case !wasLive && isLive:
		m.notifyRestored(group.ID)
	}
}

// GroupIDs returns identifiers of every group in order.
func (m *Manager) GroupIDs() []string {
	return slices.Sorted(maps.Keys(m.groups))
}
