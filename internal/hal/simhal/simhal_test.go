package simhal

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/yanet-platform/orchagent/internal/hal"
)

func createNextHop(t *testing.T, h *HAL) hal.OID {
	t.Helper()
	oid, err := h.Create(hal.ObjectTypeNextHop, []hal.Attribute{
		hal.AddrAttr(hal.AttrNextHopIP, netip.MustParseAddr("10.0.0.1")),
		hal.StringAttr(hal.AttrNextHopPort, "Ethernet0"),
	})
	require.NoError(t, err)
	return oid
}

func TestCreateAndRemoveGroupMember(t *testing.T) {
	h := New()

	nh := createNextHop(t, h)
	group, err := h.Create(hal.ObjectTypeNextHopGroup, nil)
	require.NoError(t, err)

	member, err := h.Create(hal.ObjectTypeNextHopGroupMember, []hal.Attribute{
		hal.OIDAttr(hal.AttrGroupMemberGroupID, group),
		hal.OIDAttr(hal.AttrGroupMemberNextHopID, nh),
		hal.U32Attr(hal.AttrGroupMemberWeight, 3),
	})
	require.NoError(t, err)
	require.Equal(t, []hal.OID{member}, h.GroupMembers(group))

	// The group and the next hop are pinned by the member.
	err = h.Remove(hal.ObjectTypeNextHopGroup, group)
	require.Equal(t, hal.StatusFailure, hal.StatusOf(err))
	err = h.Remove(hal.ObjectTypeNextHop, nh)
	require.Equal(t, hal.StatusFailure, hal.StatusOf(err))

	require.NoError(t, h.Remove(hal.ObjectTypeNextHopGroupMember, member))
	require.NoError(t, h.Remove(hal.ObjectTypeNextHopGroup, group))
	require.NoError(t, h.Remove(hal.ObjectTypeNextHop, nh))
	require.Zero(t, h.Count(hal.ObjectTypeNextHop))
}

func TestCreateValidatesAttributes(t *testing.T) {
	h := New()
	group, err := h.Create(hal.ObjectTypeNextHopGroup, nil)
	require.NoError(t, err)

	cases := [][]hal.Attribute{
		// Missing next hop.
		{hal.OIDAttr(hal.AttrGroupMemberGroupID, group), hal.U32Attr(hal.AttrGroupMemberWeight, 1)},
		// Dangling reference.
		{hal.OIDAttr(hal.AttrGroupMemberGroupID, group), hal.OIDAttr(hal.AttrGroupMemberNextHopID, 0xdead), hal.U32Attr(hal.AttrGroupMemberWeight, 1)},
		// Reference of the wrong type.
		{hal.OIDAttr(hal.AttrGroupMemberGroupID, group), hal.OIDAttr(hal.AttrGroupMemberNextHopID, group), hal.U32Attr(hal.AttrGroupMemberWeight, 1)},
		// Zero weight.
		{hal.OIDAttr(hal.AttrGroupMemberGroupID, group), hal.OIDAttr(hal.AttrGroupMemberNextHopID, createNextHop(t, h)), hal.U32Attr(hal.AttrGroupMemberWeight, 0)},
		// Attribute of another object type.
		{hal.StringAttr(hal.AttrNextHopPort, "Ethernet0")},
	}

	for _, attrs := range cases {
		_, err := h.Create(hal.ObjectTypeNextHopGroupMember, attrs)
		require.Equal(t, hal.StatusInvalidParameter, hal.StatusOf(err))
	}
}

func TestCapacity(t *testing.T) {
	h := New(WithCapacity(2))

	a, err := h.Create(hal.ObjectTypeNextHopGroup, nil)
	require.NoError(t, err)
	_, err = h.Create(hal.ObjectTypeNextHopGroup, nil)
	require.NoError(t, err)

	_, err = h.Create(hal.ObjectTypeNextHopGroup, nil)
	require.Equal(t, hal.StatusResourceExhausted, hal.StatusOf(err))

	// Other types have their own pool.
	createNextHop(t, h)

	require.NoError(t, h.Remove(hal.ObjectTypeNextHopGroup, a))
	b, err := h.Create(hal.ObjectTypeNextHopGroup, nil)
	require.NoError(t, err)
	require.Equal(t, a, b, "freed index must be reused")
}

func TestSetAndGetAttribute(t *testing.T) {
	h := New()
	nh := createNextHop(t, h)

	mac := hal.MACAttr(hal.AttrNextHopDstMAC, []byte{0, 1, 2, 3, 4, 5})
	require.NoError(t, h.SetAttribute(hal.ObjectTypeNextHop, nh, mac))

	attr, err := h.GetAttribute(hal.ObjectTypeNextHop, nh, hal.AttrNextHopDstMAC)
	require.NoError(t, err)
	require.Equal(t, mac, attr)

	// IP is immutable.
	err = h.SetAttribute(hal.ObjectTypeNextHop, nh, hal.AddrAttr(hal.AttrNextHopIP, netip.MustParseAddr("10.0.0.2")))
	require.Equal(t, hal.StatusInvalidParameter, hal.StatusOf(err))

	_, err = h.GetAttribute(hal.ObjectTypeNextHop, nh, hal.AttrNextHopVLAN)
	require.Equal(t, hal.StatusNotFound, hal.StatusOf(err))

	_, err = h.GetAttribute(hal.ObjectTypeNextHopGroup, nh, hal.AttrNextHopGroupType)
	require.Equal(t, hal.StatusNotFound, hal.StatusOf(err))
}

func TestFailWhenAndCallLog(t *testing.T) {
	seen := []Call{}
	h := New(WithCallHook(func(c Call) { seen = append(seen, c) }))

	h.FailWhen(func(c Call) hal.Status {
		if c.Op == OpCreate && c.ObjectType == hal.ObjectTypeNextHopGroup {
			return hal.StatusFailure
		}
		return hal.StatusSuccess
	})

	_, err := h.Create(hal.ObjectTypeNextHopGroup, nil)
	require.Error(t, err)
	require.Zero(t, h.Count(hal.ObjectTypeNextHopGroup))

	h.FailWhen(nil)
	_, err = h.Create(hal.ObjectTypeNextHopGroup, nil)
	require.NoError(t, err)

	calls := h.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, hal.StatusFailure, calls[0].Status)
	require.Equal(t, hal.StatusSuccess, calls[1].Status)
	require.Equal(t, calls, seen)

	h.ResetCalls()
	require.Empty(t, h.Calls())
}

func TestRemoveUnknown(t *testing.T) {
	h := New()
	err := h.Remove(hal.ObjectTypeRoute, 42)
	require.Equal(t, hal.StatusNotFound, hal.StatusOf(err))

	var statusErr *hal.StatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, "remove", statusErr.Op)
}

func TestCallLogLimit(t *testing.T) {
	h := New(WithCallLogLimit(2))

	for range 3 {
		_, err := h.Create(hal.ObjectTypeNextHopGroup, nil)
		require.NoError(t, err)
	}
	err := h.Remove(hal.ObjectTypeRoute, 42)
	require.Error(t, err)

	calls := h.Calls()
	require.Len(t, calls, 2)
	require.Equal(t, OpCreate, calls[0].Op)
	require.Equal(t, OpRemove, calls[1].Op)
}
