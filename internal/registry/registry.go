// Package registry tracks which logical keys own which hardware handles and
// how many dependents pin each of them.
//
// It is pure bookkeeping and never calls the HAL. A registry instance is
// owned by the run loop goroutine and injected into every object manager.
package registry

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"

	"go.uber.org/zap"

	"github.com/yanet-platform/orchagent/internal/hal"
)

var (
	// ErrExists is returned when registering a key twice.
	ErrExists = errors.New("object already registered")
	// ErrNotFound is returned for an unknown key.
	ErrNotFound = errors.New("object not registered")
	// ErrInUse is returned when erasing an object that is still referenced.
	ErrInUse = errors.New("object is still referenced")
	// ErrRefCountUnderflow is returned when decrementing a zero ref-count.
	ErrRefCountUnderflow = errors.New("reference count is already zero")
	// ErrRefCountOverflow is returned when the ref-count cannot grow.
	ErrRefCountOverflow = errors.New("reference count overflow")
)

// Category is a class of hardware objects sharing one key space.
type Category uint8

const (
	CategoryVRF Category = iota
	CategoryNextHop
	CategoryWcmpGroup
)

func (m Category) String() string {
	switch m {
	case CategoryVRF:
		return "vrf"
	case CategoryNextHop:
		return "nexthop"
	case CategoryWcmpGroup:
		return "wcmp_group"
	default:
		return fmt.Sprintf("category(%d)", uint8(m))
	}
}

type entry struct {
	oid      hal.OID
	refCount uint32
}

// Registry maps (category, key) to (handle, ref-count).
type Registry struct {
	tables map[Category]map[string]*entry
	log    *zap.SugaredLogger
}

// New creates an empty registry.
func New(log *zap.SugaredLogger) *Registry {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Registry{
		tables: map[Category]map[string]*entry{},
		log:    log.With(zap.String("component", "registry")),
	}
}

// SetOID registers the handle for a new key with zero references.
func (m *Registry) SetOID(category Category, key string, oid hal.OID) error {
	return m.SetOIDWithRefCount(category, key, oid, 0)
}

// SetOIDWithRefCount registers the handle for a new key with the given
// initial ref-count.
func (m *Registry) SetOIDWithRefCount(category Category, key string, oid hal.OID, refCount uint32) error {
	table, ok := m.tables[category]
	if !ok {
		table = map[string]*entry{}
		m.tables[category] = table
	}

	if _, ok := table[key]; ok {
		return m.violation(ErrExists, category, key)
	}

	table[key] = &entry{oid: oid, refCount: refCount}
	return nil
}

// GetOID returns the handle registered for the key.
func (m *Registry) GetOID(category Category, key string) (hal.OID, error) {
	e, err := m.lookup(category, key)
	if err != nil {
		return hal.NullOID, err
	}
	return e.oid, nil
}

// GetRefCount returns the number of references held on the key.
func (m *Registry) GetRefCount(category Category, key string) (uint32, error) {
	e, err := m.lookup(category, key)
	if err != nil {
		return 0, err
	}
	return e.refCount, nil
}

// ExistsOID reports whether the key is registered.
func (m *Registry) ExistsOID(category Category, key string) bool {
	_, ok := m.tables[category][key]
	return ok
}

// IncreaseRefCount adds one reference to the key.
func (m *Registry) IncreaseRefCount(category Category, key string) error {
	e, err := m.lookup(category, key)
	if err != nil {
		return err
	}
	if e.refCount == math.MaxUint32 {
		return m.violation(ErrRefCountOverflow, category, key)
	}

	e.refCount++
	return nil
}

// DecreaseRefCount drops one reference from the key.
func (m *Registry) DecreaseRefCount(category Category, key string) error {
	e, err := m.lookup(category, key)
	if err != nil {
		return err
	}
	if e.refCount == 0 {
		return m.violation(ErrRefCountUnderflow, category, key)
	}

	e.refCount--
	return nil
}

// EraseOID removes an unreferenced key.
func (m *Registry) EraseOID(category Category, key string) error {
	e, err := m.lookup(category, key)
	if err != nil {
		return err
	}
	if e.refCount != 0 {
		return m.violation(fmt.Errorf("%w: %d references", ErrInUse, e.refCount), category, key)
	}

	delete(m.tables[category], key)
	return nil
}

// EraseAllOIDs drops every key of the category regardless of references.
//
// It is meant for category-wide teardown only.
func (m *Registry) EraseAllOIDs(category Category) {
	delete(m.tables, category)
}

// Keys returns registered keys of the category, sorted.
func (m *Registry) Keys(category Category) []string {
	return slices.Sorted(maps.Keys(m.tables[category]))
}

func (m *Registry) lookup(category Category, key string) (*entry, error) {
	e, ok := m.tables[category][key]
	if !ok {
		return nil, m.violation(ErrNotFound, category, key)
	}
	return e, nil
}

func (m *Registry) violation(err error, category Category, key string) error {
	m.log.Errorw("registry invariant violation",
		zap.Stringer("category", category),
		zap.String("key", key),
		zap.Error(err),
	)
	return fmt.Errorf("%s %q: %w", category, key, err)
}
