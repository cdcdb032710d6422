package nexthop

import (
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/yanet-platform/orchagent/internal/consumer"
	"github.com/yanet-platform/orchagent/internal/hal"
	"github.com/yanet-platform/orchagent/internal/hal/simhal"
	"github.com/yanet-platform/orchagent/internal/orch"
	"github.com/yanet-platform/orchagent/internal/registry"
	"github.com/yanet-platform/orchagent/internal/request"
)

type neighbours map[netip.Addr]net.HardwareAddr

func (m neighbours) Resolve(addr netip.Addr, port string) (net.HardwareAddr, bool) {
	mac, ok := m[addr]
	return mac, ok
}

func parse(t *testing.T, key string, op consumer.Op, fields ...string) *request.Request {
	t.Helper()

	entry := consumer.Entry{Key: key, Op: op}
	for idx := 0; idx+1 < len(fields); idx += 2 {
		entry.Fields = append(entry.Fields, consumer.FieldValue{Field: fields[idx], Value: fields[idx+1]})
	}
	req, err := request.Parse(Schema, entry)
	require.NoError(t, err)
	return req
}

func TestCreateUpdateDelete(t *testing.T) {
	api := simhal.New()
	reg := registry.New(nil)
	m := NewManager(api, reg)

	result := m.ProcessAdd(parse(t, "nh1", consumer.OpSet,
		"ip", "10.0.0.1", "port", "Ethernet0", "mac", "02:00:00:00:00:01"))
	require.Equal(t, orch.Applied, result.Outcome, result.Err)

	oid, err := reg.GetOID(registry.CategoryNextHop, "nh1")
	require.NoError(t, err)
	require.True(t, api.Exists(oid))
	_, ok := api.Attr(oid, hal.AttrNextHopVLAN)
	require.False(t, ok)

	result = m.ProcessAdd(parse(t, "nh1", consumer.OpSet,
		"ip", "10.0.0.1", "port", "Ethernet0", "mac", "02:00:00:00:00:02", "vlan", "100"))
	require.Equal(t, orch.Applied, result.Outcome, result.Err)

	mac, ok := api.Attr(oid, hal.AttrNextHopDstMAC)
	require.True(t, ok)
	assert.Equal(t, net.HardwareAddr{2, 0, 0, 0, 0, 2}, mac.Value)
	vlan, ok := api.Attr(oid, hal.AttrNextHopVLAN)
	require.True(t, ok)
	assert.Equal(t, uint32(100), vlan.Value)

	assert.Equal(t, []consumer.FieldValue{
		{Field: "ip", Value: "10.0.0.1"},
		{Field: "port", Value: "Ethernet0"},
		{Field: "mac", Value: "02:00:00:00:00:02"},
		{Field: "vlan", Value: "100"},
	}, m.State("nh1"))

	result = m.ProcessAdd(parse(t, "nh1", consumer.OpSet,
		"ip", "10.0.0.9", "port", "Ethernet0", "mac", "02:00:00:00:00:02"))
	require.Equal(t, orch.Dropped, result.Outcome)
	require.Equal(t, codes.InvalidArgument, orch.CodeOf(result.Err))

	require.NoError(t, reg.IncreaseRefCount(registry.CategoryNextHop, "nh1"))
	result = m.ProcessDelete(parse(t, "nh1", consumer.OpDel))
	require.Equal(t, orch.Deferred, result.Outcome)
	require.Equal(t, codes.FailedPrecondition, orch.CodeOf(result.Err))

	require.NoError(t, reg.DecreaseRefCount(registry.CategoryNextHop, "nh1"))
	result = m.ProcessDelete(parse(t, "nh1", consumer.OpDel))
	require.Equal(t, orch.Applied, result.Outcome, result.Err)
	require.False(t, reg.ExistsOID(registry.CategoryNextHop, "nh1"))
	require.False(t, api.Exists(oid))

	result = m.ProcessDelete(parse(t, "nh1", consumer.OpDel))
	require.Equal(t, orch.Dropped, result.Outcome)
	require.Equal(t, codes.NotFound, orch.CodeOf(result.Err))
}

func TestNeighbourResolution(t *testing.T) {
	api := simhal.New()
	reg := registry.New(nil)
	table := neighbours{}
	m := NewManager(api, reg, WithResolver(table))

	req := parse(t, "nh1", consumer.OpSet, "ip", "10.0.0.1", "port", "Ethernet0")
	result := m.ProcessAdd(req)
	require.Equal(t, orch.Deferred, result.Outcome)
	require.Equal(t, codes.NotFound, orch.CodeOf(result.Err))
	require.Zero(t, api.Count(hal.ObjectTypeNextHop))

	addr := netip.MustParseAddr("10.0.0.1")
	table[addr] = net.HardwareAddr{2, 0, 0, 0, 0, 1}
	result = m.ProcessAdd(req)
	require.Equal(t, orch.Applied, result.Outcome, result.Err)

	nh, ok := m.NextHop("nh1")
	require.True(t, ok)
	require.True(t, nh.Resolved)
	require.Equal(t, []consumer.FieldValue{
		{Field: "ip", Value: "10.0.0.1"},
		{Field: "port", Value: "Ethernet0"},
	}, m.State("nh1"))

	require.Zero(t, m.Refresh())

	table[addr] = net.HardwareAddr{2, 0, 0, 0, 0, 7}
	require.Equal(t, 1, m.Refresh())
	mac, ok := api.Attr(nh.OID, hal.AttrNextHopDstMAC)
	require.True(t, ok)
	require.Equal(t, net.HardwareAddr{2, 0, 0, 0, 0, 7}, mac.Value)

	// A vanished neighbour keeps the last known address.
	delete(table, addr)
	require.Zero(t, m.Refresh())
}

func TestWithoutResolverMACIsRequired(t *testing.T) {
	m := NewManager(simhal.New(), registry.New(nil))

	result := m.ProcessAdd(parse(t, "nh1", consumer.OpSet, "ip", "10.0.0.1", "port", "Ethernet0"))
	require.Equal(t, orch.Deferred, result.Outcome)
}

func TestCreateFailure(t *testing.T) {
	api := simhal.New(simhal.WithCapacity(1))
	reg := registry.New(nil)
	m := NewManager(api, reg)

	result := m.ProcessAdd(parse(t, "nh1", consumer.OpSet, "ip", "10.0.0.1", "port", "Ethernet0", "mac", "02:00:00:00:00:01"))
	require.Equal(t, orch.Applied, result.Outcome, result.Err)

	result = m.ProcessAdd(parse(t, "nh2", consumer.OpSet, "ip", "10.0.0.2", "port", "Ethernet0", "mac", "02:00:00:00:00:02"))
	require.Equal(t, orch.Dropped, result.Outcome)
	require.Equal(t, codes.ResourceExhausted, orch.CodeOf(result.Err))
	require.False(t, reg.ExistsOID(registry.CategoryNextHop, "nh2"))
}
