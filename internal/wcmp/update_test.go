package wcmp

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/yanet-platform/orchagent/internal/hal"
	"github.com/yanet-platform/orchagent/internal/hal/simhal"
	"github.com/yanet-platform/orchagent/internal/orch"
	"github.com/yanet-platform/orchagent/internal/registry"
)

const (
	oldMembers = "nh1:3@Ethernet0,nh2:4,nh3:1,nh6:2@Ethernet8"
	newMembers = "nh2:5,nh4:2,nh5:6,nh6:1@Ethernet8"
)

type groupState struct {
	hardware  []string
	pruned    []string
	groupRefs uint32
	nextHops  map[string]uint32
}

func (m *fixture) state(t *testing.T, id string) groupState {
	t.Helper()

	return groupState{
		hardware:  m.hardwareMembers(t, m.groupOID(t, id)),
		pruned:    m.manager.Pruned(id),
		groupRefs: m.refs(t, registry.CategoryWcmpGroup, id),
		nextHops:  m.nextHopRefs(t),
	}
}

func TestSmallestTieBreak(t *testing.T) {
	members, err := parseMembers([]string{"a:3", "b:1", "c:1", "d:2"})
	require.NoError(t, err)
	require.Equal(t, 1, smallest(members))
	require.Equal(t, -1, smallest(nil))
}

func TestUpdateReplacesMembers(t *testing.T) {
	f := newFixture(t)
	f.ports["Ethernet8"] = false

	require.Equal(t, orch.Applied, f.manager.ProcessAdd(setRequest(t, "G1", oldMembers)).Outcome)
	require.Equal(t, []string{"nh1:3", "nh2:4", "nh3:1"}, f.hardwareMembers(t, f.groupOID(t, "G1")))

	result := f.manager.ProcessAdd(setRequest(t, "G1", newMembers))
	require.Equal(t, orch.Applied, result.Outcome, result.Err)

	got := f.state(t, "G1")
	require.Equal(t, []string{"nh2:5", "nh4:2", "nh5:6"}, got.hardware)
	require.Equal(t, []string{"nh6:1@Ethernet8"}, got.pruned)
	require.Equal(t, uint32(3), got.groupRefs)
	require.Equal(t, map[string]uint32{
		"nh1": 0, "nh2": 1, "nh3": 0, "nh4": 1, "nh5": 1, "nh6": 0,
	}, got.nextHops)

	// Ethernet0 is not watched anymore.
	f.manager.HandlePortStatus("Ethernet0", false)
	require.Equal(t, []string{"nh2:5", "nh4:2", "nh5:6"}, f.hardwareMembers(t, f.groupOID(t, "G1")))

	f.manager.HandlePortStatus("Ethernet8", true)
	require.Equal(t, []string{"nh2:5", "nh4:2", "nh5:6", "nh6:1"}, f.hardwareMembers(t, f.groupOID(t, "G1")))
}

func TestUpdateSameMembersIsNoop(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, orch.Applied, f.manager.ProcessAdd(setRequest(t, "G1", "nh1:1,nh2:2")).Outcome)
	f.hal.ResetCalls()

	require.Equal(t, orch.Applied, f.manager.ProcessAdd(setRequest(t, "G1", "nh1:1,nh2:2")).Outcome)
	require.Empty(t, f.hal.Calls())
}

func TestUpdateNeverEmptiesGroup(t *testing.T) {
	var (
		f       *fixture
		group   hal.OID
		tracing bool
		sizes   []int
	)
	f = newFixture(t, simhal.WithCallHook(func(call simhal.Call) {
		if !tracing || call.ObjectType != hal.ObjectTypeNextHopGroupMember {
			return
		}
		sizes = append(sizes, len(f.hal.GroupMembers(group)))
	}))

	require.Equal(t, orch.Applied, f.manager.ProcessAdd(setRequest(t, "G1", "nh1:3,nh2:4,nh3:7")).Outcome)
	group = f.groupOID(t, "G1")

	tracing = true
	require.Equal(t, orch.Applied, f.manager.ProcessAdd(setRequest(t, "G1", "nh4:1,nh5:9")).Outcome)
	tracing = false

	// Two removals, one addition, the reserved addition, the reserved removal.
	require.Equal(t, []int{2, 1, 2, 3, 2}, sizes)
	for _, size := range sizes {
		require.Positive(t, size)
	}

	calls := f.hal.Calls()
	last := calls[len(calls)-1]
	require.Equal(t, simhal.OpRemove, last.Op, "the old reserved member goes last")
	require.Equal(t, []string{"nh4:1", "nh5:9"}, f.hardwareMembers(t, group))
}

func TestUpdateToPrunedMembersOnly(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, orch.Applied, f.manager.ProcessAdd(setRequest(t, "G1", "nh1:1")).Outcome)
	f.ports["Ethernet4"] = false

	require.Equal(t, orch.Applied, f.manager.ProcessAdd(setRequest(t, "G1", "nh2:1@Ethernet4")).Outcome)
	require.Empty(t, f.hardwareMembers(t, f.groupOID(t, "G1")))
	require.Equal(t, []string{"restored:G1", "empty:G1"}, f.observer.events)
}

func updateCalls(t *testing.T) int {
	f := newFixture(t)
	f.ports["Ethernet8"] = false

	require.Equal(t, orch.Applied, f.manager.ProcessAdd(setRequest(t, "G1", oldMembers)).Outcome)
	f.hal.ResetCalls()
	require.Equal(t, orch.Applied, f.manager.ProcessAdd(setRequest(t, "G1", newMembers)).Outcome)
	return len(f.hal.Calls())
}

func TestUpdateRollbackRestoresState(t *testing.T) {
	total := updateCalls(t)
	require.Equal(t, 6, total)

	for n := 1; n <= total; n++ {
		t.Run(fmt.Sprintf("fail call %d", n), func(t *testing.T) {
			f := newFixture(t)
			f.ports["Ethernet8"] = false

			require.Equal(t, orch.Applied, f.manager.ProcessAdd(setRequest(t, "G1", oldMembers)).Outcome)
			before := f.state(t, "G1")

			calls := 0
			f.hal.FailWhen(func(simhal.Call) hal.Status {
				calls++
				if calls == n {
					return hal.StatusFailure
				}
				return hal.StatusSuccess
			})

			result := f.manager.ProcessAdd(setRequest(t, "G1", newMembers))
			require.Equal(t, orch.Dropped, result.Outcome)
			require.Equal(t, codes.Internal, orch.CodeOf(result.Err))
			require.NotErrorIs(t, result.Err, orch.ErrInconsistentState)

			require.Equal(t, before, f.state(t, "G1"))
			require.Empty(t, f.critical.Objects())

			group, ok := f.manager.Group("G1")
			require.True(t, ok)
			require.Len(t, group.Members, 4)
			require.Equal(t, "nh1", group.Members[0].NextHopID)
		})
	}
}

func TestUpdateRollbackFailureIsCritical(t *testing.T) {
	f := newFixture(t)

	require.Equal(t, orch.Applied, f.manager.ProcessAdd(setRequest(t, "G1", "nh1:1,nh2:2,nh3:3")).Outcome)

	// Let the first removal through, then fail everything.
	calls := 0
	f.hal.FailWhen(func(simhal.Call) hal.Status {
		calls++
		if calls > 1 {
			return hal.StatusFailure
		}
		return hal.StatusSuccess
	})

	result := f.manager.ProcessAdd(setRequest(t, "G1", "nh4:1"))
	require.Equal(t, orch.Dropped, result.Outcome)
	require.ErrorIs(t, result.Err, orch.ErrInconsistentState)
	require.Equal(t, codes.Internal, orch.CodeOf(result.Err))
	require.Equal(t, []string{Table + ":G1"}, f.critical.Objects())
}
