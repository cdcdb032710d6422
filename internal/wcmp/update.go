package wcmp

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/yanet-platform/orchagent/internal/orch"
)

type journalOp uint8

const (
	journalBound journalOp = iota
	journalUnbound
)

type journalEntry struct {
	op     journalOp
	member *Member
}

// journal records hardware membership changes made by an update so they can
// be undone in reverse order.
type journal struct {
	entries []journalEntry
}

func (m *journal) bound(member *Member) {
	m.entries = append(m.entries, journalEntry{op: journalBound, member: member})
}

func (m *journal) unbound(member *Member) {
	m.entries = append(m.entries, journalEntry{op: journalUnbound, member: member})
}

// update replaces the member list of an existing group.
//
// The member with the smallest weight is reserved on both sides: old members
// except the reserved one are removed first, then new members except the
// reserved one are added, then the new reserved member is added and only
// after that the old reserved member is removed. The group therefore never
// runs through an empty hardware state while a new member can be bound.
func (m *Manager) update(group *Group, members []*Member) orch.Result {
	if sameMembers(group.Members, members) {
		// Pruning is driven by link events, but a member left pruned while
		// its port is up gets another chance.
		m.restorePending(group)
		return orch.Apply()
	}

	log := m.log.With(zap.String("group", group.ID))
	wasLive := group.BoundCount() > 0

	var oldBound []*Member
	for _, member := range group.Members {
		if member.Bound() {
			oldBound = append(oldBound, member)
		}
	}
	var newBound []*Member
	for _, member := range members {
		if !member.Pruned {
			newBound = append(newBound, member)
		}
	}
	oldReserved := smallest(oldBound)
	newReserved := smallest(newBound)

	j := &journal{}
	err := m.runUpdate(group, j, oldBound, oldReserved, newBound, newReserved)
	if err != nil {
		if rbErr := m.rollback(group, j); rbErr != nil {
			return m.inconsistent(group.ID, err, rbErr)
		}
		log.Warnw("group update rolled back", zap.Error(err))
		return orch.Drop(fmt.Errorf("failed to update group %q: %w", group.ID, err))
	}

	m.unindexPorts(group)
	group.Members = members
	m.indexPorts(group)

	log.Infow("updated group",
		zap.Int("removed", len(oldBound)),
		zap.Int("bound", len(newBound)),
		zap.Int("pruned", len(members)-len(newBound)),
	)
	m.notifyTransition(group, wasLive)
	return orch.Apply()
}

func (m *Manager) runUpdate(group *Group, j *journal, oldBound []*Member, oldReserved int, newBound []*Member, newReserved int) error {
	for idx, member := range oldBound {
		if idx == oldReserved {
			continue
		}
		if err := m.unbind(group, member); err != nil {
			return err
		}
		j.unbound(member)
	}

	for idx, member := range newBound {
		if idx == newReserved {
			continue
		}
		if err := m.bind(group, member); err != nil {
			return err
		}
		j.bound(member)
	}

	if newReserved >= 0 {
		member := newBound[newReserved]
		if err := m.bind(group, member); err != nil {
			return err
		}
		j.bound(member)
	}

	if oldReserved >= 0 {
		member := oldBound[oldReserved]
		if err := m.unbind(group, member); err != nil {
			return err
		}
		j.unbound(member)
	}

	return nil
}

// rollback undoes journaled changes in reverse order. It keeps going after
// failures so that as much as possible is restored.
func (m *Manager) rollback(group *Group, j *journal) error {
	var errs []error
	for idx := len(j.entries) - 1; idx >= 0; idx-- {
		entry := j.entries[idx]

		var err error
		switch entry.op {
		case journalBound:
			err = m.unbind(group, entry.member)
		case journalUnbound:
			err = m.bind(group, entry.member)
		}
		if err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func sameMembers(prev []*Member, next []*Member) bool {
	if len(prev) != len(next) {
		return false
	}
	for idx := range prev {
		if !prev[idx].sameSpec(next[idx]) {
			return false
		}
	}
	return true
}
