// Package request turns raw diff records into typed requests according to a
// per-table schema.
package request

// ValueType is the declared type of a key token or an attribute.
type ValueType uint8

const (
	// TypeString is an arbitrary string.
	TypeString ValueType = iota
	// TypeBool accepts "true" and "false" only.
	TypeBool
	// TypeMAC is an EUI-48 hardware address.
	TypeMAC
	// TypeIP is an IPv4 or IPv6 address.
	TypeIP
	// TypePrefix is an IPv4 or IPv6 network prefix.
	TypePrefix
	// TypeVLAN is a VLAN id in range [1, 4094].
	TypeVLAN
	// TypeUint is an unsigned 64-bit integer.
	TypeUint
	// TypeStringSet is a comma-delimited unordered set of strings.
	TypeStringSet
	// TypeStringList is a comma-delimited ordered list of strings.
	TypeStringList
)

func (m ValueType) String() string {
	switch m {
	case TypeString:
		return "string"
	case TypeBool:
		return "bool"
	case TypeMAC:
		return "mac"
	case TypeIP:
		return "ip"
	case TypePrefix:
		return "prefix"
	case TypeVLAN:
		return "vlan"
	case TypeUint:
		return "uint"
	case TypeStringSet:
		return "set"
	case TypeStringList:
		return "list"
	default:
		return "unknown"
	}
}

// DefaultKeySeparator separates key tokens unless a schema says otherwise.
const DefaultKeySeparator = "|"

// Schema describes the shape of one source table.
type Schema struct {
	// Table is the name of the source table.
	Table string
	// KeySeparator splits the key into tokens.
	KeySeparator string
	// KeyTypes lists the declared type of every key token, in order.
	KeyTypes []ValueType
	// Attrs maps every allowed attribute name to its type.
	Attrs map[string]ValueType
	// Mandatory lists attributes required on SET.
	Mandatory []string
}

func (m *Schema) separator() string {
	if m.KeySeparator == "" {
		return DefaultKeySeparator
	}
	return m.KeySeparator
}

// placeholderFields are schema no-op fields used when the storage requires at
// least one field per key.
var placeholderFields = map[string]struct{}{
	"empty": {},
	"NULL":  {},
}
