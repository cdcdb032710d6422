package route

import (
	"net/netip"
)

// MapTrie has the properties of a prefix trie but stores prefixes in maps,
// one map per prefix length.
type MapTrie[V any] [129]map[netip.Prefix]V

// NewMapTrie returns a new MapTrie data structure.
func NewMapTrie[V any](capacity int) *MapTrie[V] {
	mt := &MapTrie[V]{}
	for idx := range mt {
		mt[idx] = make(map[netip.Prefix]V, capacity)
	}
	return mt
}

// Lookup searches the MapTrie for a value that matches the longest possible
// prefix.
func (m *MapTrie[V]) Lookup(addr netip.Addr) (V, bool) {
	for bits := addr.BitLen(); bits >= 0; bits-- {
		p, _ := addr.Prefix(bits)
		if v, ok := m[bits][p]; ok {
			return v, true
		}
	}

	var zero V
	return zero, false
}

// Matches returns every stored prefix containing the given address, sorted
// from the longest to the shortest.
func (m *MapTrie[V]) Matches(addr netip.Addr) []netip.Prefix {
	matches := []netip.Prefix{}
	for bits := addr.BitLen(); bits >= 0; bits-- {
		p, _ := addr.Prefix(bits)
		if _, ok := m[bits][p]; ok {
			matches = append(matches, p)
		}
	}
	return matches
}

// Get returns the value stored exactly at the given prefix.
func (m *MapTrie[V]) Get(prefix netip.Prefix) (V, bool) {
	prefix = prefix.Masked()
	v, ok := m[prefix.Bits()][prefix]
	return v, ok
}

// Insert stores the value at the given prefix, replacing any previous one.
func (m *MapTrie[V]) Insert(prefix netip.Prefix, v V) {
	prefix = prefix.Masked()
	m[prefix.Bits()][prefix] = v
}

// Remove deletes the value stored at the given prefix.
func (m *MapTrie[V]) Remove(prefix netip.Prefix) {
	prefix = prefix.Masked()
	delete(m[prefix.Bits()], prefix)
}

// Len returns the total number of prefixes stored in the trie.
func (m *MapTrie[V]) Len() int {
	l := 0
	for idx := range m {
		l += len(m[idx])
	}
	return l
}

// Dump creates a copy of the data stored in the trie and returns it.
func (m *MapTrie[V]) Dump() map[netip.Prefix]V {
	out := make(map[netip.Prefix]V, m.Len())
	for idx := len(m) - 1; idx >= 0; idx-- {
		for key, v := range m[idx] {
			out[key] = v
		}
	}
	return out
}
