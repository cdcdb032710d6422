package request

import (
	"net"
	"net/netip"
	"slices"
	"strings"

	"github.com/yanet-platform/orchagent/internal/consumer"
)

// Request is a typed, read-only view over one pending entry for the
// duration of a single dispatch.
type Request struct {
	table  string
	key    string
	op     consumer.Op
	tokens []any
	types  []ValueType
	attrs  map[string]any
	order  []string
	fields []consumer.FieldValue
}

// Parse decodes the entry according to the schema.
//
// It returns *ParseError for malformed input and *LogicError when the schema
// itself is broken.
func Parse(schema *Schema, entry consumer.Entry) (*Request, error) {
	if entry.Op != consumer.OpSet && entry.Op != consumer.OpDel {
		return nil, newParseError(schema.Table, entry.Key, "unsupported operation %q", entry.Op)
	}

	parts := strings.Split(entry.Key, schema.separator())
	if len(parts) != len(schema.KeyTypes) {
		return nil, newParseError(schema.Table, entry.Key,
			"expected %d key tokens separated by %q, got %d",
			len(schema.KeyTypes), schema.separator(), len(parts),
		)
	}

	req := &Request{
		table:  schema.Table,
		key:    entry.Key,
		op:     entry.Op,
		tokens: make([]any, len(parts)),
		types:  schema.KeyTypes,
		attrs:  map[string]any{},
		fields: entry.Fields,
	}

	for idx, part := range parts {
		typ := schema.KeyTypes[idx]
		if typ > TypeStringList {
			return nil, newLogicError(schema.Table, "key token %d has undefined type %d", idx, typ)
		}
		if part == "" {
			return nil, newParseError(schema.Table, entry.Key, "key token %d is empty", idx)
		}
		v, err := decode(typ, part)
		if err != nil {
			return nil, newParseError(schema.Table, entry.Key, "key token %d: %v", idx, err)
		}
		req.tokens[idx] = v
	}

	for _, fv := range entry.Fields {
		if _, ok := placeholderFields[fv.Field]; ok {
			continue
		}
		if entry.Op == consumer.OpDel {
			return nil, newParseError(schema.Table, entry.Key, "DEL must not carry attributes, got %q", fv.Field)
		}

		typ, ok := schema.Attrs[fv.Field]
		if !ok {
			return nil, newParseError(schema.Table, entry.Key, "unknown attribute %q", fv.Field)
		}
		if typ > TypeStringList {
			return nil, newLogicError(schema.Table, "attribute %q has undefined type %d", fv.Field, typ)
		}
		v, err := decode(typ, fv.Value)
		if err != nil {
			return nil, newParseError(schema.Table, entry.Key, "attribute %q: %v", fv.Field, err)
		}
		if _, dup := req.attrs[fv.Field]; !dup {
			req.order = append(req.order, fv.Field)
		}
		req.attrs[fv.Field] = v
	}

	if entry.Op == consumer.OpSet {
		for _, name := range schema.Mandatory {
			if _, ok := req.attrs[name]; !ok {
				return nil, newParseError(schema.Table, entry.Key, "missing mandatory attribute %q", name)
			}
		}
	}

	return req, nil
}

// Table returns the source table name.
func (m *Request) Table() string {
	return m.table
}

// Key returns the full, unsplit key.
func (m *Request) Key() string {
	return m.key
}

// Op returns the request operation.
func (m *Request) Op() consumer.Op {
	return m.op
}

// Fields returns the raw field values the request was parsed from.
func (m *Request) Fields() []consumer.FieldValue {
	return m.fields
}

// Has reports whether the attribute is present.
func (m *Request) Has(name string) bool {
	_, ok := m.attrs[name]
	return ok
}

// AttrNames returns present attribute names in arrival order.
func (m *Request) AttrNames() []string {
	return slices.Clone(m.order)
}

func keyToken[T any](m *Request, idx int, want ValueType) (T, error) {
	var zero T
	if idx < 0 || idx >= len(m.tokens) {
		return zero, newLogicError(m.table, "key token %d out of range [0, %d)", idx, len(m.tokens))
	}
	v, ok := m.tokens[idx].(T)
	if !ok {
		return zero, newLogicError(m.table, "key token %d is %s, not %s", idx, m.types[idx], want)
	}
	return v, nil
}

func attr[T any](m *Request, name string, want ValueType) (T, error) {
	var zero T
	raw, ok := m.attrs[name]
	if !ok {
		return zero, newLogicError(m.table, "attribute %q is absent", name)
	}
	v, ok := raw.(T)
	if !ok {
		return zero, newLogicError(m.table, "attribute %q is not %s", name, want)
	}
	return v, nil
}

// KeyString returns the idx-th key token declared as TypeString.
func (m *Request) KeyString(idx int) (string, error) {
	return keyToken[string](m, idx, TypeString)
}

// KeyMAC returns the idx-th key token declared as TypeMAC.
func (m *Request) KeyMAC(idx int) (net.HardwareAddr, error) {
	return keyToken[net.HardwareAddr](m, idx, TypeMAC)
}

// KeyIP returns the idx-th key token declared as TypeIP.
func (m *Request) KeyIP(idx int) (netip.Addr, error) {
	return keyToken[netip.Addr](m, idx, TypeIP)
}

// KeyPrefix returns the idx-th key token declared as TypePrefix.
func (m *Request) KeyPrefix(idx int) (netip.Prefix, error) {
	return keyToken[netip.Prefix](m, idx, TypePrefix)
}

// KeyVLAN returns the idx-th key token declared as TypeVLAN.
func (m *Request) KeyVLAN(idx int) (uint16, error) {
	return keyToken[uint16](m, idx, TypeVLAN)
}

// KeyUint returns the idx-th key token declared as TypeUint.
func (m *Request) KeyUint(idx int) (uint64, error) {
	return keyToken[uint64](m, idx, TypeUint)
}

// String returns a TypeString attribute.
func (m *Request) String(name string) (string, error) {
	return attr[string](m, name, TypeString)
}

// Bool returns a TypeBool attribute.
func (m *Request) Bool(name string) (bool, error) {
	return attr[bool](m, name, TypeBool)
}

// MAC returns a TypeMAC attribute.
func (m *Request) MAC(name string) (net.HardwareAddr, error) {
	return attr[net.HardwareAddr](m, name, TypeMAC)
}

// IP returns a TypeIP attribute.
func (m *Request) IP(name string) (netip.Addr, error) {
	return attr[netip.Addr](m, name, TypeIP)
}

// Prefix returns a TypePrefix attribute.
func (m *Request) Prefix(name string) (netip.Prefix, error) {
	return attr[netip.Prefix](m, name, TypePrefix)
}

// VLAN returns a TypeVLAN attribute.
func (m *Request) VLAN(name string) (uint16, error) {
	return attr[uint16](m, name, TypeVLAN)
}

// Uint returns a TypeUint attribute.
func (m *Request) Uint(name string) (uint64, error) {
	return attr[uint64](m, name, TypeUint)
}

// StringSet returns a TypeStringSet attribute.
func (m *Request) StringSet(name string) (StringSet, error) {
	return attr[StringSet](m, name, TypeStringSet)
}

// StringList returns a TypeStringList attribute.
func (m *Request) StringList(name string) ([]string, error) {
	return attr[[]string](m, name, TypeStringList)
}
