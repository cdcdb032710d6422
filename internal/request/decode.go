package request

import (
	"fmt"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// StringSet is a decoded TypeStringSet value.
type StringSet map[string]struct{}

// Contains reports whether the set holds the given string.
func (m StringSet) Contains(v string) bool {
	_, ok := m[v]
	return ok
}

func decode(typ ValueType, raw string) (any, error) {
	switch typ {
	case TypeString:
		return raw, nil
	case TypeBool:
		switch raw {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
		return nil, fmt.Errorf("invalid bool %q: must be either \"true\" or \"false\"", raw)
	case TypeMAC:
		mac, err := net.ParseMAC(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid MAC address %q: %w", raw, err)
		}
		if len(mac) != 6 {
			return nil, fmt.Errorf("unsupported MAC address %q: must be EUI-48", raw)
		}
		return mac, nil
	case TypeIP:
		addr, err := netip.ParseAddr(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid IP address %q: %w", raw, err)
		}
		return addr, nil
	case TypePrefix:
		prefix, err := netip.ParsePrefix(raw)
		if err != nil {
			return nil, fmt.Errorf("invalid prefix %q: %w", raw, err)
		}
		return prefix.Masked(), nil
	case TypeVLAN:
		v, err := strconv.ParseUint(raw, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid VLAN id %q: %w", raw, err)
		}
		if v < 1 || v > 4094 {
			return nil, fmt.Errorf("invalid VLAN id %d: must be in range [1, 4094]", v)
		}
		return uint16(v), nil
	case TypeUint:
		v, err := strconv.ParseUint(raw, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid unsigned integer %q: %w", raw, err)
		}
		return v, nil
	case TypeStringSet:
		set := StringSet{}
		for _, item := range splitList(raw) {
			set[item] = struct{}{}
		}
		return set, nil
	case TypeStringList:
		return splitList(raw), nil
	default:
		return nil, fmt.Errorf("unsupported value type %d", typ)
	}
}

func splitList(raw string) []string {
	out := []string{}
	for item := range strings.SplitSeq(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		out = append(out, item)
	}
	return out
}
