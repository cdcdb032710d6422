// Package route manages routes pointing at next hops or multipath groups.
//
// A route to a group without bound members is kept with its references but
// is not programmed; it is programmed again as soon as the group regains a
// member.
package route

import (
	"fmt"
	"maps"
	"net/netip"
	"slices"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/yanet-platform/orchagent/internal/consumer"
	"github.com/yanet-platform/orchagent/internal/hal"
	"github.com/yanet-platform/orchagent/internal/orch"
	"github.com/yanet-platform/orchagent/internal/registry"
	"github.com/yanet-platform/orchagent/internal/request"
)

// Table is the source table of routes.
const Table = "ROUTE_TABLE"

const (
	attrAction  = "action"
	attrNextHop = "nexthop_id"
	attrGroup   = "wcmp_group_id"
)

// Schema is the shape of ROUTE_TABLE entries, keyed by "vrf|prefix".
var Schema = &request.Schema{
	Table:    Table,
	KeyTypes: []request.ValueType{request.TypeString, request.TypePrefix},
	Attrs: map[string]request.ValueType{
		attrAction:  request.TypeString,
		attrNextHop: request.TypeString,
		attrGroup:   request.TypeString,
	},
	Mandatory: []string{attrAction},
}

// Action is the forwarding action of a route.
type Action string

const (
	ActionDrop       Action = "drop"
	ActionSetNextHop Action = "set_nexthop_id"
	ActionSetGroup   Action = "set_wcmp_group_id"
)

// Groups reports multipath group liveness.
type Groups interface {
	HasBoundMembers(id string) bool
}

// Route is a route of some virtual router.
type Route struct {
	// Key is the request key the route was last set with.
	Key    string
	VRF    string
	Prefix netip.Prefix
	Action Action
	// Target is the next hop or group identifier; empty for dropping routes.
	Target string
	// OID is NullOID while the route is suppressed.
	OID hal.OID
}

// Programmed reports whether the route exists in hardware.
func (m *Route) Programmed() bool {
	return m.OID != hal.NullOID
}

func (m *Route) key() string {
	if m.Key != "" {
		return m.Key
	}
	return m.VRF + "|" + m.Prefix.String()
}

func (m *Route) targetCategory() (registry.Category, bool) {
	switch m.Action {
	case ActionSetNextHop:
		return registry.CategoryNextHop, true
	case ActionSetGroup:
		return registry.CategoryWcmpGroup, true
	default:
		return 0, false
	}
}

// Option is a function that configures the manager.
type Option func(*options)

// WithLog configures the manager with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Manager is the route manager.
type Manager struct {
	hal      hal.API
	registry *registry.Registry
	groups   Groups
	vrfs     map[string]*MapTrie[*Route]
	// Group identifier to routes pointing at it.
	byGroup map[string]map[string]*Route
	log     *zap.SugaredLogger
}

// NewManager constructs a new route manager.
func NewManager(api hal.API, reg *registry.Registry, groups Groups, options ...Option) *Manager {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Manager{
		hal:      api,
		registry: reg,
		groups:   groups,
		vrfs:     map[string]*MapTrie[*Route]{},
		byGroup:  map[string]map[string]*Route{},
		log:      opts.Log,
	}
}

// Route returns a copy of the route stored exactly at the prefix.
func (m *Manager) Route(vrf string, prefix netip.Prefix) (Route, bool) {
	trie, ok := m.vrfs[vrf]
	if !ok {
		return Route{}, false
	}
	route, ok := trie.Get(prefix)
	if !ok {
		return Route{}, false
	}
	return *route, true
}

// Lookup returns the longest-prefix match for the address.
func (m *Manager) Lookup(vrf string, addr netip.Addr) (Route, bool) {
	trie, ok := m.vrfs[vrf]
	if !ok {
		return Route{}, false
	}
	route, ok := trie.Lookup(addr)
	if !ok {
		return Route{}, false
	}
	return *route, true
}

// Len returns the number of routes of all virtual routers.
func (m *Manager) Len() int {
	l := 0
	for _, trie := range m.vrfs {
		l += trie.Len()
	}
	return l
}

// State implements orch.StateReporter.
func (m *Manager) State(key string) []consumer.FieldValue {
	// The key was accepted by the parser, so it has two tokens.
	req, err := request.Parse(Schema, consumer.Entry{Key: key, Op: consumer.OpDel})
	if err != nil {
		return nil
	}
	name, _ := req.KeyString(0)
	prefix, _ := req.KeyPrefix(1)

	route, ok := m.Route(name, prefix)
	if !ok {
		return nil
	}

	fields := []consumer.FieldValue{{Field: attrAction, Value: string(route.Action)}}
	switch route.Action {
	case ActionSetNextHop:
		fields = append(fields, consumer.FieldValue{Field: attrNextHop, Value: route.Target})
	case ActionSetGroup:
		fields = append(fields, consumer.FieldValue{Field: attrGroup, Value: route.Target})
	}
	return fields
}

func decode(req *request.Request) (*Route, error) {
	name, err := req.KeyString(0)
	if err != nil {
		return nil, err
	}
	prefix, err := req.KeyPrefix(1)
	if err != nil {
		return nil, err
	}
	action, err := req.String(attrAction)
	if err != nil {
		return nil, err
	}

	route := &Route{Key: req.Key(), VRF: name, Prefix: prefix, Action: Action(action)}
	switch route.Action {
	case ActionDrop:
		if req.Has(attrNextHop) || req.Has(attrGroup) {
			return nil, fmt.Errorf("dropping route must not have a target")
		}
	case ActionSetNextHop:
		if req.Has(attrGroup) {
			return nil, fmt.Errorf("%q conflicts with action %q", attrGroup, action)
		}
		if route.Target, err = req.String(attrNextHop); err != nil {
			return nil, fmt.Errorf("action %q requires %q", action, attrNextHop)
		}
	case ActionSetGroup:
		if req.Has(attrNextHop) {
			return nil, fmt.Errorf("%q conflicts with action %q", attrNextHop, action)
		}
		if route.Target, err = req.String(attrGroup); err != nil {
			return nil, fmt.Errorf("action %q requires %q", action, attrGroup)
		}
	default:
		return nil, fmt.Errorf("unknown action %q", action)
	}
	return route, nil
}

// ProcessAdd creates or updates a route.
func (m *Manager) ProcessAdd(req *request.Request) orch.Result {
	route, err := decode(req)
	if err != nil {
		return orch.InvalidArgument("route %q: %v", req.Key(), err)
	}

	if !m.registry.ExistsOID(registry.CategoryVRF, route.VRF) {
		return orch.NotFound("route %q: virtual router %q does not exist", req.Key(), route.VRF)
	}
	if category, ok := route.targetCategory(); ok && !m.registry.ExistsOID(category, route.Target) {
		return orch.NotFound("route %q: %s %q does not exist", req.Key(), category, route.Target)
	}

	prev, ok := m.find(route.VRF, route.Prefix)
	if !ok {
		return m.create(route)
	}
	return m.update(prev, route)
}

func (m *Manager) find(vrf string, prefix netip.Prefix) (*Route, bool) {
	trie, ok := m.vrfs[vrf]
	if !ok {
		return nil, false
	}
	return trie.Get(prefix)
}

// suppressed reports whether the route must be kept out of hardware.
func (m *Manager) suppressed(route *Route) bool {
	return route.Action == ActionSetGroup && !m.groups.HasBoundMembers(route.Target)
}

func (m *Manager) acquire(route *Route) error {
	category, ok := route.targetCategory()
	if !ok {
		return nil
	}
	return m.registry.IncreaseRefCount(category, route.Target)
}

func (m *Manager) release(route *Route) error {
	category, ok := route.targetCategory()
	if !ok {
		return nil
	}
	return m.registry.DecreaseRefCount(category, route.Target)
}

func (m *Manager) create(route *Route) orch.Result {
	if err := m.registry.IncreaseRefCount(registry.CategoryVRF, route.VRF); err != nil {
		return orch.Drop(orch.Errorf(codes.Internal, "route %q: %v", route.key(), err))
	}
	if err := m.acquire(route); err != nil {
		m.releaseVRF(route)
		return orch.Drop(orch.Errorf(codes.Internal, "route %q: %v", route.key(), err))
	}

	if !m.suppressed(route) {
		if err := m.program(route); err != nil {
			if err := m.release(route); err != nil {
				m.log.Errorw("failed to release route target", zap.String("route", route.key()), zap.Error(err))
			}
			m.releaseVRF(route)
			return orch.Drop(err)
		}
	}

	trie, ok := m.vrfs[route.VRF]
	if !ok {
		trie = NewMapTrie[*Route](0)
		m.vrfs[route.VRF] = trie
	}
	trie.Insert(route.Prefix, route)
	m.index(route)

	m.log.Infow("created route",
		zap.String("route", route.key()),
		zap.String("action", string(route.Action)),
		zap.String("target", route.Target),
		zap.Bool("programmed", route.Programmed()),
	)
	return orch.Apply()
}

func (m *Manager) update(prev *Route, route *Route) orch.Result {
	if prev.Action == route.Action && prev.Target == route.Target {
		if prev.Key != route.Key {
			m.unindex(prev)
			prev.Key = route.Key
			m.index(prev)
		}
		return orch.Apply()
	}

	if err := m.acquire(route); err != nil {
		return orch.Drop(orch.Errorf(codes.Internal, "route %q: %v", route.key(), err))
	}

	route.OID = prev.OID
	var err error
	switch wantProgrammed := !m.suppressed(route); {
	case prev.Programmed() && wantProgrammed:
		err = m.reprogram(prev, route)
	case prev.Programmed():
		err = m.unprogram(prev)
		route.OID = hal.NullOID
	case wantProgrammed:
		err = m.program(route)
	}
	if err != nil {
		if relErr := m.release(route); relErr != nil {
			m.log.Errorw("failed to release route target", zap.String("route", route.key()), zap.Error(relErr))
		}
		return orch.Drop(err)
	}

	if err := m.release(prev); err != nil {
		m.log.Errorw("failed to release route target", zap.String("route", prev.key()), zap.Error(err))
	}
	m.unindex(prev)
	m.vrfs[route.VRF].Insert(route.Prefix, route)
	m.index(route)

	m.log.Infow("updated route",
		zap.String("route", route.key()),
		zap.String("action", string(route.Action)),
		zap.String("target", route.Target),
		zap.Bool("programmed", route.Programmed()),
	)
	return orch.Apply()
}

// ProcessDelete removes a route and releases its references.
func (m *Manager) ProcessDelete(req *request.Request) orch.Result {
	name, err := req.KeyString(0)
	if err != nil {
		return orch.Drop(err)
	}
	prefix, err := req.KeyPrefix(1)
	if err != nil {
		return orch.Drop(err)
	}

	route, ok := m.find(name, prefix)
	if !ok {
		return orch.Drop(orch.Errorf(codes.NotFound, "route %q does not exist", req.Key()))
	}

	if route.Programmed() {
		if err := m.unprogram(route); err != nil {
			return orch.Drop(err)
		}
	}
	if err := m.release(route); err != nil {
		m.log.Errorw("failed to release route target", zap.String("route", route.key()), zap.Error(err))
	}
	m.releaseVRF(route)

	m.unindex(route)
	trie := m.vrfs[name]
	trie.Remove(prefix)
	if trie.Len() == 0 {
		delete(m.vrfs, name)
	}

	m.log.Infow("removed route", zap.String("route", route.key()))
	return orch.Apply()
}

func (m *Manager) releaseVRF(route *Route) {
	if err := m.registry.DecreaseRefCount(registry.CategoryVRF, route.VRF); err != nil {
		m.log.Errorw("failed to release virtual router", zap.String("route", route.key()), zap.Error(err))
	}
}

func (m *Manager) attrs(route *Route) ([]hal.Attribute, error) {
	action, nextHop, err := m.forwarding(route)
	if err != nil {
		return nil, err
	}
	vrf, err := m.registry.GetOID(registry.CategoryVRF, route.VRF)
	if err != nil {
		return nil, err
	}

	attrs := []hal.Attribute{
		hal.OIDAttr(hal.AttrRouteVirtualRouterID, vrf),
		hal.PrefixAttr(hal.AttrRoutePrefix, route.Prefix),
		hal.ActionAttr(hal.AttrRoutePacketAction, action),
	}
	if nextHop != hal.NullOID {
		attrs = append(attrs, hal.OIDAttr(hal.AttrRouteNextHopID, nextHop))
	}
	return attrs, nil
}

func (m *Manager) forwarding(route *Route) (hal.PacketAction, hal.OID, error) {
	category, ok := route.targetCategory()
	if !ok {
		return hal.PacketActionDrop, hal.NullOID, nil
	}
	oid, err := m.registry.GetOID(category, route.Target)
	if err != nil {
		return 0, hal.NullOID, err
	}
	return hal.PacketActionForward, oid, nil
}

func (m *Manager) program(route *Route) error {
	attrs, err := m.attrs(route)
	if err != nil {
		return orch.Errorf(codes.Internal, "route %q: %v", route.key(), err)
	}
	oid, err := m.hal.Create(hal.ObjectTypeRoute, attrs)
	if err != nil {
		return fmt.Errorf("failed to create route %q: %w", route.key(), err)
	}
	route.OID = oid
	return nil
}

func (m *Manager) reprogram(prev *Route, route *Route) error {
	action, nextHop, err := m.forwarding(route)
	if err != nil {
		return orch.Errorf(codes.Internal, "route %q: %v", route.key(), err)
	}

	// Point at the new next hop first so that a forwarding route never
	// carries a null next hop.
	if action == hal.PacketActionForward {
		if err := m.hal.SetAttribute(hal.ObjectTypeRoute, route.OID, hal.OIDAttr(hal.AttrRouteNextHopID, nextHop)); err != nil {
			return fmt.Errorf("failed to update route %q: %w", route.key(), err)
		}
	}
	if prev.Action == ActionDrop || action == hal.PacketActionDrop {
		if err := m.hal.SetAttribute(hal.ObjectTypeRoute, route.OID, hal.ActionAttr(hal.AttrRoutePacketAction, action)); err != nil {
			return fmt.Errorf("failed to update route %q: %w", route.key(), err)
		}
	}
	if action == hal.PacketActionDrop {
		if err := m.hal.SetAttribute(hal.ObjectTypeRoute, route.OID, hal.OIDAttr(hal.AttrRouteNextHopID, hal.NullOID)); err != nil {
			return fmt.Errorf("failed to update route %q: %w", route.key(), err)
		}
	}
	return nil
}

func (m *Manager) unprogram(route *Route) error {
	if err := m.hal.Remove(hal.ObjectTypeRoute, route.OID); err != nil {
		return fmt.Errorf("failed to remove route %q: %w", route.key(), err)
	}
	route.OID = hal.NullOID
	return nil
}

func (m *Manager) index(route *Route) {
	if route.Action != ActionSetGroup {
		return
	}
	routes, ok := m.byGroup[route.Target]
	if !ok {
		routes = map[string]*Route{}
		m.byGroup[route.Target] = routes
	}
	routes[route.key()] = route
}

func (m *Manager) unindex(route *Route) {
	if route.Action != ActionSetGroup {
		return
	}
	routes := m.byGroup[route.Target]
	delete(routes, route.key())
	if len(routes) == 0 {
		delete(m.byGroup, route.Target)
	}
}

// OnGroupEmpty removes routes pointing at the group from hardware.
func (m *Manager) OnGroupEmpty(groupID string) {
	routes := m.byGroup[groupID]
	for _, key := range slices.Sorted(maps.Keys(routes)) {
		route := routes[key]
		if !route.Programmed() {
			continue
		}
		if err := m.unprogram(route); err != nil {
			m.log.Errorw("failed to suppress route", zap.String("route", key), zap.Error(err))
			continue
		}
		m.log.Infow("suppressed route to empty group", zap.String("route", key), zap.String("group", groupID))
	}
}

// OnGroupRestored programs routes pointing at the group that were
// suppressed while it had no bound members.
func (m *Manager) OnGroupRestored(groupID string) {
	routes := m.byGroup[groupID]
	for _, key := range slices.Sorted(maps.Keys(routes)) {
		route := routes[key]
		if route.Programmed() {
			continue
		}
		if err := m.program(route); err != nil {
			m.log.Errorw("failed to restore route", zap.String("route", key), zap.Error(err))
			continue
		}
		m.log.Infow("restored route", zap.String("route", key), zap.String("group", groupID))
	}
}
