// Package simhal implements hal.API in process memory.
//
// It is the backend of the standalone daemon and of the tests: it allocates
// handles from a bounded per-type pool, validates attribute lists and
// cross-object references the way a chip driver would, records every call and
// can be told to fail selected calls.
package simhal

import (
	"fmt"
	"maps"
	"net"
	"net/netip"
	"slices"
	"sync"

	"go.uber.org/zap"

	"github.com/yanet-platform/orchagent/internal/bitset"
	"github.com/yanet-platform/orchagent/internal/hal"
)

const (
	OpCreate = "create"
	OpRemove = "remove"
	OpSet    = "set"
	OpGet    = "get"
)

// Call is a record of a single HAL invocation.
type Call struct {
	Op         string
	ObjectType hal.ObjectType
	OID        hal.OID
	Attrs      []hal.Attribute
	Status     hal.Status
}

// Option is a function that configures the simulator.
type Option func(*options)

// WithCapacity limits the number of objects of every type.
func WithCapacity(capacity uint32) Option {
	return func(o *options) {
		o.Capacity = capacity
	}
}

// WithLog configures the simulator with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithCallHook registers a function invoked after every call, successful or
// not.
func WithCallHook(fn func(Call)) Option {
	return func(o *options) {
		o.Hooks = append(o.Hooks, fn)
	}
}

// WithCallLogLimit keeps only the most recent calls in the call log. Zero
// keeps everything.
func WithCallLogLimit(limit int) Option {
	return func(o *options) {
		o.CallLogLimit = limit
	}
}

type options struct {
	Capacity     uint32
	CallLogLimit int
	Log          *zap.SugaredLogger
	Hooks        []func(Call)
}

func newOptions() *options {
	return &options{
		Capacity: bitset.MaxBits,
		Log:      zap.NewNop().Sugar(),
	}
}

type object struct {
	objectType hal.ObjectType
	attrs      map[hal.AttrID]hal.Attribute
}

// HAL is the in-memory hardware abstraction layer.
type HAL struct {
	mu       sync.Mutex
	capacity uint32
	pools    map[hal.ObjectType]*bitset.TinyBitset
	objects  map[hal.OID]*object
	calls    []Call
	limit    int
	failWhen func(Call) hal.Status
	hooks    []func(Call)
	log      *zap.SugaredLogger
}

// New creates an empty simulator.
func New(options ...Option) *HAL {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &HAL{
		capacity: min(opts.Capacity, bitset.MaxBits),
		pools:    map[hal.ObjectType]*bitset.TinyBitset{},
		objects:  map[hal.OID]*object{},
		limit:    opts.CallLogLimit,
		hooks:    opts.Hooks,
		log:      opts.Log,
	}
}

// FailWhen installs a predicate consulted before every call. A non-success
// status fails the call without side effects. Nil removes the predicate.
func (m *HAL) FailWhen(fn func(Call) hal.Status) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.failWhen = fn
}

// Calls returns a copy of the call log.
func (m *HAL) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()

	return slices.Clone(m.calls)
}

// ResetCalls clears the call log.
func (m *HAL) ResetCalls() {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = nil
}

// Count returns the number of live objects of the given type.
func (m *HAL) Count(objectType hal.ObjectType) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	count := 0
	for _, obj := range m.objects {
		if obj.objectType == objectType {
			count++
		}
	}
	return count
}

// Exists reports whether the handle refers to a live object.
func (m *HAL) Exists(oid hal.OID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	_, ok := m.objects[oid]
	return ok
}

// Attr returns an attribute of a live object without logging a call.
func (m *HAL) Attr(oid hal.OID, id hal.AttrID) (hal.Attribute, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	obj, ok := m.objects[oid]
	if !ok {
		return hal.Attribute{}, false
	}
	attr, ok := obj.attrs[id]
	return attr, ok
}

// GroupMembers returns the handles of members bound to the group, sorted.
func (m *HAL) GroupMembers(group hal.OID) []hal.OID {
	m.mu.Lock()
	defer m.mu.Unlock()

	return m.referrers(group, hal.ObjectTypeNextHopGroupMember, hal.AttrGroupMemberGroupID)
}

// Create implements hal.API.
func (m *HAL) Create(objectType hal.ObjectType, attrs []hal.Attribute) (hal.OID, error) {
	call := Call{Op: OpCreate, ObjectType: objectType, Attrs: slices.Clone(attrs)}

	m.mu.Lock()
	oid, status := m.create(call)
	call.OID = oid
	call.Status = status
	hooks := m.record(call)
	m.mu.Unlock()

	runHooks(hooks, call)
	if status != hal.StatusSuccess {
		return hal.NullOID, hal.NewStatusError(OpCreate, objectType, hal.NullOID, status)
	}
	return oid, nil
}

// Remove implements hal.API.
func (m *HAL) Remove(objectType hal.ObjectType, oid hal.OID) error {
	call := Call{Op: OpRemove, ObjectType: objectType, OID: oid}

	m.mu.Lock()
	call.Status = m.remove(call)
	hooks := m.record(call)
	m.mu.Unlock()

	runHooks(hooks, call)
	if call.Status != hal.StatusSuccess {
		return hal.NewStatusError(OpRemove, objectType, oid, call.Status)
	}
	return nil
}

// SetAttribute implements hal.API.
func (m *HAL) SetAttribute(objectType hal.ObjectType, oid hal.OID, attr hal.Attribute) error {
	call := Call{Op: OpSet, ObjectType: objectType, OID: oid, Attrs: []hal.Attribute{attr}}

	m.mu.Lock()
	call.Status = m.set(call)
	hooks := m.record(call)
	m.mu.Unlock()

	runHooks(hooks, call)
	if call.Status != hal.StatusSuccess {
		return hal.NewStatusError(OpSet, objectType, oid, call.Status)
	}
	return nil
}

// GetAttribute implements hal.API.
func (m *HAL) GetAttribute(objectType hal.ObjectType, oid hal.OID, id hal.AttrID) (hal.Attribute, error) {
	call := Call{Op: OpGet, ObjectType: objectType, OID: oid, Attrs: []hal.Attribute{{ID: id}}}

	m.mu.Lock()
	attr, status := m.get(call, id)
	call.Status = status
	hooks := m.record(call)
	m.mu.Unlock()

	runHooks(hooks, call)
	if status != hal.StatusSuccess {
		return hal.Attribute{}, hal.NewStatusError(OpGet, objectType, oid, status)
	}
	return attr, nil
}

func (m *HAL) record(call Call) []func(Call) {
	m.calls = append(m.calls, call)
	if m.limit > 0 && len(m.calls) > m.limit {
		m.calls = slices.Delete(m.calls, 0, len(m.calls)-m.limit)
	}
	if call.Status != hal.StatusSuccess {
		m.log.Debugw("HAL call failed",
			zap.String("op", call.Op),
			zap.Stringer("type", call.ObjectType),
			zap.Stringer("oid", call.OID),
			zap.Stringer("status", call.Status),
		)
	}
	return m.hooks
}

func runHooks(hooks []func(Call), call Call) {
	for _, fn := range hooks {
		fn(call)
	}
}

func (m *HAL) injected(call Call) hal.Status {
	if m.failWhen == nil {
		return hal.StatusSuccess
	}
	return m.failWhen(call)
}

func (m *HAL) create(call Call) (hal.OID, hal.Status) {
	if status := m.injected(call); status != hal.StatusSuccess {
		return hal.NullOID, status
	}

	attrs := map[hal.AttrID]hal.Attribute{}
	for _, attr := range call.Attrs {
		if status := m.validate(call.ObjectType, attr); status != hal.StatusSuccess {
			return hal.NullOID, status
		}
		attrs[attr.ID] = attr
	}
	for _, id := range mandatoryAttrs[call.ObjectType] {
		if _, ok := attrs[id]; !ok {
			return hal.NullOID, hal.StatusInvalidParameter
		}
	}

	pool, ok := m.pools[call.ObjectType]
	if !ok {
		pool = &bitset.TinyBitset{}
		m.pools[call.ObjectType] = pool
	}
	idx, ok := pool.FirstUnset(m.capacity)
	if !ok {
		return hal.NullOID, hal.StatusResourceExhausted
	}
	pool.Insert(idx)

	oid := makeOID(call.ObjectType, idx)
	m.objects[oid] = &object{objectType: call.ObjectType, attrs: attrs}
	return oid, hal.StatusSuccess
}

func (m *HAL) remove(call Call) hal.Status {
	if status := m.injected(call); status != hal.StatusSuccess {
		return status
	}

	obj, ok := m.objects[call.OID]
	if !ok || obj.objectType != call.ObjectType {
		return hal.StatusNotFound
	}

	// Objects still referenced by others cannot be removed.
	for _, ref := range referencedBy[call.ObjectType] {
		if len(m.referrers(call.OID, ref.objectType, ref.attr)) > 0 {
			return hal.StatusFailure
		}
	}

	delete(m.objects, call.OID)
	m.pools[call.ObjectType].Remove(oidIndex(call.OID))
	return hal.StatusSuccess
}

func (m *HAL) set(call Call) hal.Status {
	if status := m.injected(call); status != hal.StatusSuccess {
		return status
	}

	obj, ok := m.objects[call.OID]
	if !ok || obj.objectType != call.ObjectType {
		return hal.StatusNotFound
	}
	attr := call.Attrs[0]
	if !slices.Contains(mutableAttrs[call.ObjectType], attr.ID) {
		return hal.StatusInvalidParameter
	}
	if status := m.validate(call.ObjectType, attr); status != hal.StatusSuccess {
		return status
	}

	obj.attrs[attr.ID] = attr
	return hal.StatusSuccess
}

func (m *HAL) get(call Call, id hal.AttrID) (hal.Attribute, hal.Status) {
	if status := m.injected(call); status != hal.StatusSuccess {
		return hal.Attribute{}, status
	}

	obj, ok := m.objects[call.OID]
	if !ok || obj.objectType != call.ObjectType {
		return hal.Attribute{}, hal.StatusNotFound
	}
	if _, ok := attrTypes[call.ObjectType][id]; !ok {
		return hal.Attribute{}, hal.StatusInvalidParameter
	}
	attr, ok := obj.attrs[id]
	if !ok {
		return hal.Attribute{}, hal.StatusNotFound
	}
	return attr, hal.StatusSuccess
}

func (m *HAL) validate(objectType hal.ObjectType, attr hal.Attribute) hal.Status {
	kind, ok := attrTypes[objectType][attr.ID]
	if !ok {
		return hal.StatusInvalidParameter
	}

	switch kind {
	case kindBool:
		_, ok = attr.Value.(bool)
	case kindU32:
		_, ok = attr.Value.(uint32)
	case kindAddr:
		var v netip.Addr
		v, ok = attr.Value.(netip.Addr)
		ok = ok && v.IsValid()
	case kindPrefix:
		var v netip.Prefix
		v, ok = attr.Value.(netip.Prefix)
		ok = ok && v.IsValid()
	case kindMAC:
		var v net.HardwareAddr
		v, ok = attr.Value.(net.HardwareAddr)
		ok = ok && len(v) == 6
	case kindString:
		var v string
		v, ok = attr.Value.(string)
		ok = ok && v != ""
	case kindWeight:
		var v uint32
		v, ok = attr.Value.(uint32)
		ok = ok && v > 0
	case kindRef:
		var v hal.OID
		v, ok = attr.Value.(hal.OID)
		if !ok {
			return hal.StatusInvalidParameter
		}
		if v == hal.NullOID && nullableRefs[attr.ID] {
			return hal.StatusSuccess
		}
		target, exists := m.objects[v]
		if !exists {
			return hal.StatusInvalidParameter
		}
		ok = slices.Contains(refTargets[attr.ID], target.objectType)
	}

	if !ok {
		return hal.StatusInvalidParameter
	}
	return hal.StatusSuccess
}

// referrers returns objects of the given type whose attr refers to oid.
func (m *HAL) referrers(oid hal.OID, objectType hal.ObjectType, attrID hal.AttrID) []hal.OID {
	out := []hal.OID{}
	for _, key := range slices.Sorted(maps.Keys(m.objects)) {
		obj := m.objects[key]
		if obj.objectType != objectType {
			continue
		}
		if attr, ok := obj.attrs[attrID]; ok && attr.Value == oid {
			out = append(out, key)
		}
	}
	return out
}

func makeOID(objectType hal.ObjectType, idx uint32) hal.OID {
	return hal.OID(uint64(objectType)<<32 | uint64(idx+1))
}

func oidIndex(oid hal.OID) uint32 {
	return uint32(uint64(oid)&0xffffffff) - 1
}

func (m Call) String() string {
	return fmt.Sprintf("%s %s %s -> %s", m.Op, m.ObjectType, m.OID, m.Status)
}
