package wcmp

import (
	"maps"
	"slices"

	"go.uber.org/zap"

	"github.com/yanet-platform/orchagent/internal/registry"
)

// Every member declaring a watch port is indexed, bound or pruned.
func (m *Manager) indexPorts(group *Group) {
	for _, member := range group.Members {
		if member.WatchPort == "" {
			continue
		}
		groups, ok := m.portGroups[member.WatchPort]
		if !ok {
			groups = map[string]struct{}{}
			m.portGroups[member.WatchPort] = groups
		}
		groups[group.ID] = struct{}{}
	}
}

func (m *Manager) unindexPorts(group *Group) {
	for _, member := range group.Members {
		groups, ok := m.portGroups[member.WatchPort]
		if !ok {
			continue
		}
		delete(groups, group.ID)
		if len(groups) == 0 {
			delete(m.portGroups, member.WatchPort)
		}
	}
}

// HandlePortStatus prunes members watching a port that went down and
// restores members watching a port that came up.
//
// Members of other ports and groups are untouched. Failures are logged and
// leave the affected member in its previous state.
func (m *Manager) HandlePortStatus(port string, up bool) {
	groups, ok := m.portGroups[port]
	if !ok {
		return
	}

	for _, id := range slices.Sorted(maps.Keys(groups)) {
		group := m.groups[id]
		wasLive := group.BoundCount() > 0

		for _, member := range group.Members {
			if member.WatchPort != port {
				continue
			}
			if up {
				m.restore(group, member)
			} else {
				m.prune(group, member)
			}
		}

		m.notifyTransition(group, wasLive)
	}
}

func (m *Manager) prune(group *Group, member *Member) {
	if member.Pruned {
		return
	}
	if member.Bound() {
		if err := m.unbind(group, member); err != nil {
			m.log.Errorw("failed to prune member",
				zap.String("group", group.ID),
				zap.Stringer("member", member),
				zap.Error(err),
			)
			if member.Bound() {
				return
			}
		}
	}
	member.Pruned = true

	m.log.Infow("pruned member", zap.String("group", group.ID), zap.Stringer("member", member))
}

// restore binds a pruned member again. It returns false while the member
// cannot be bound; RestorePending retries it later.
func (m *Manager) restore(group *Group, member *Member) bool {
	if !member.Pruned {
		return false
	}
	// Pruned members hold no reference on their next hop, which may have
	// been removed in the meantime.
	if !m.registry.ExistsOID(registry.CategoryNextHop, member.NextHopID) {
		m.log.Debugw("postponed member restore: next hop does not exist",
			zap.String("group", group.ID),
			zap.Stringer("member", member),
		)
		return false
	}
	if err := m.bind(group, member); err != nil {
		m.log.Errorw("failed to restore member",
			zap.String("group", group.ID),
			zap.Stringer("member", member),
			zap.Error(err),
		)
		return false
	}
	member.Pruned = false

	m.log.Infow("restored member", zap.String("group", group.ID), zap.Stringer("member", member))
	return true
}

// RestorePending restores pruned members whose watch port is up, which
// happens when a member could not be bound at the moment its port came up.
//
// It returns the number of restored members.
func (m *Manager) RestorePending() int {
	restored := 0
	for _, id := range slices.Sorted(maps.Keys(m.groups)) {
		restored += m.restorePending(m.groups[id])
	}
	return restored
}

func (m *Manager) restorePending(group *Group) int {
	wasLive := group.BoundCount() > 0

	restored := 0
	for _, member := range group.Members {
		if !member.Pruned {
			continue
		}
		up, err := m.ports.IsUp(member.WatchPort)
		if err != nil || !up {
			continue
		}
		if m.restore(group, member) {
			restored++
		}
	}

	if restored > 0 {
		m.notifyTransition(group, wasLive)
	}
	return restored
}

// Pruned returns members of the group currently pruned.
func (m *Manager) Pruned(id string) []string {
	group, ok := m.groups[id]
	if !ok {
		return nil
	}

	var out []string
	for _, member := range group.Members {
		if member.Pruned {
			out = append(out, member.String())
		}
	}
	return out
}
