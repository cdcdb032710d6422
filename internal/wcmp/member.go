package wcmp

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/yanet-platform/orchagent/internal/hal"
)

// Member is one weighted next hop of a group.
type Member struct {
	NextHopID string
	Weight    uint32
	// WatchPort gates whether the member is programmed. Empty means the
	// member is always bound.
	WatchPort string

	// OID is the hardware member handle; NullOID unless the member is bound.
	OID hal.OID
	// Pruned is set while the watch port is down.
	Pruned bool
}

// Bound reports whether the member is programmed in hardware.
func (m *Member) Bound() bool {
	return m.OID != hal.NullOID
}

// String renders the member in the "nexthop:weight[@port]" form it is
// configured with.
func (m *Member) String() string {
	s := m.NextHopID + ":" + strconv.FormatUint(uint64(m.Weight), 10)
	if m.WatchPort != "" {
		s += "@" + m.WatchPort
	}
	return s
}

func (m *Member) sameSpec(other *Member) bool {
	return m.NextHopID == other.NextHopID &&
		m.Weight == other.Weight &&
		m.WatchPort == other.WatchPort
}

// parseMember parses "nexthop:weight[@port]".
func parseMember(raw string) (*Member, error) {
	spec, port, hasPort := strings.Cut(raw, "@")
	if hasPort && port == "" {
		return nil, fmt.Errorf("member %q: empty watch port", raw)
	}

	idx := strings.LastIndexByte(spec, ':')
	if idx <= 0 {
		return nil, fmt.Errorf("member %q: expected nexthop:weight", raw)
	}

	weight, err := strconv.ParseUint(spec[idx+1:], 10, 32)
	if err != nil {
		return nil, fmt.Errorf("member %q: invalid weight: %w", raw, err)
	}
	if weight == 0 {
		return nil, fmt.Errorf("member %q: weight must be positive", raw)
	}

	return &Member{
		NextHopID: spec[:idx],
		Weight:    uint32(weight),
		WatchPort: port,
	}, nil
}

func parseMembers(items []string) ([]*Member, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("group must have at least one member")
	}

	members := make([]*Member, 0, len(items))
	seen := map[string]struct{}{}
	for _, item := range items {
		member, err := parseMember(item)
		if err != nil {
			return nil, err
		}
		if _, ok := seen[member.NextHopID]; ok {
			return nil, fmt.Errorf("duplicate member %q", member.NextHopID)
		}
		seen[member.NextHopID] = struct{}{}
		members = append(members, member)
	}
	return members, nil
}

// smallest returns the index of the member with the smallest weight, the
// first one on ties, or -1 for an empty list.
func smallest(members []*Member) int {
	idx := -1
	for i, member := range members {
		if idx < 0 || member.Weight < members[idx].Weight {
			idx = i
		}
	}
	return idx
}
