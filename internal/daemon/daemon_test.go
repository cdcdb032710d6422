package daemon

import (
	"context"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"

	"github.com/yanet-platform/orchagent/internal/consumer"
	"github.com/yanet-platform/orchagent/internal/feed"
	"github.com/yanet-platform/orchagent/internal/hal"
	"github.com/yanet-platform/orchagent/internal/hal/simhal"
	"github.com/yanet-platform/orchagent/internal/nexthop"
	"github.com/yanet-platform/orchagent/internal/orch"
	"github.com/yanet-platform/orchagent/internal/ports"
	"github.com/yanet-platform/orchagent/internal/route"
	"github.com/yanet-platform/orchagent/internal/vrf"
	"github.com/yanet-platform/orchagent/internal/wcmp"
)

type fixture struct {
	hal    *simhal.HAL
	acks   *orch.Recorder
	daemon *Daemon
}

func newFixture(t *testing.T, options ...Option) *fixture {
	t.Helper()

	cfg := DefaultConfig()
	cfg.Neighbours.Enabled = false

	f := &fixture{
		hal:  simhal.New(),
		acks: &orch.Recorder{},
	}
	up := ports.QuerierFunc(func(port string) (bool, error) {
		return true, nil
	})

	options = append([]Option{
		WithHAL(f.hal),
		WithPublisher(f.acks),
		WithQuerier(up),
	}, options...)

	d, err := NewDaemon(cfg, options...)
	require.NoError(t, err)
	f.daemon = d
	return f
}

func record(table string, key string, op consumer.Op, fields ...string) feed.Record {
	entry := consumer.Entry{Key: key, Op: op}
	for idx := 0; idx+1 < len(fields); idx += 2 {
		entry.Fields = append(entry.Fields, consumer.FieldValue{Field: fields[idx], Value: fields[idx+1]})
	}
	return feed.Record{Table: table, Entry: entry}
}

func nextHop(id string, ip string, port string) feed.Record {
	return record(nexthop.Table, id, consumer.OpSet, "ip", ip, "port", port, "mac", "02:00:00:00:00:01")
}

func (m *fixture) programmed(t *testing.T, key string) bool {
	t.Helper()

	vrfName, raw, ok := strings.Cut(key, "|")
	require.True(t, ok)
	r, ok := m.daemon.routes.Route(vrfName, netip.MustParsePrefix(raw))
	require.True(t, ok, key)
	return r.Programmed()
}

func codesOf(acks []orch.Ack) map[string]codes.Code {
	out := map[string]codes.Code{}
	for _, ack := range acks {
		out[ack.Table+":"+ack.Key] = ack.Code
	}
	return out
}

func TestForwardReferencesResolveInOneDrain(t *testing.T) {
	f := newFixture(t)

	// Dependents arrive before their dependencies.
	f.daemon.Submit(
		record(route.Table, "blue|10.0.0.0/24", consumer.OpSet, "action", "set_wcmp_group_id", "wcmp_group_id", "G1"),
		record(wcmp.Table, "G1", consumer.OpSet, "members", "nh1:1@Ethernet0,nh2:2"),
		nextHop("nh1", "10.1.0.1", "Ethernet0"),
		nextHop("nh2", "10.1.0.2", "Ethernet4"),
		record(vrf.Table, "blue", consumer.OpSet),
	)
	require.Equal(t, 5, f.daemon.Pending())

	passes := f.daemon.Drain()
	assert.GreaterOrEqual(t, passes, 1)
	require.Zero(t, f.daemon.Pending(), f.daemon.DumpPending())

	acks := codesOf(f.acks.Acks())
	assert.Equal(t, map[string]codes.Code{
		"VRF_TABLE:blue":               codes.OK,
		"NEXTHOP_TABLE:nh1":            codes.OK,
		"NEXTHOP_TABLE:nh2":            codes.OK,
		"WCMP_GROUP_TABLE:G1":          codes.OK,
		"ROUTE_TABLE:blue|10.0.0.0/24": codes.OK,
	}, acks)

	assert.True(t, f.programmed(t, "blue|10.0.0.0/24"))
	assert.Equal(t, 2, f.hal.Count(hal.ObjectTypeNextHopGroupMember))
}

func TestDeleteWaitsForReferrers(t *testing.T) {
	f := newFixture(t)

	f.daemon.Submit(
		nextHop("nh1", "10.1.0.1", "Ethernet0"),
		record(wcmp.Table, "G1", consumer.OpSet, "members", "nh1:1"),
		record(route.Table, "default|10.0.0.0/24", consumer.OpSet, "action", "set_wcmp_group_id", "wcmp_group_id", "G1"),
	)
	f.daemon.Drain()
	require.Zero(t, f.daemon.Pending())
	f.acks.Acks()

	f.daemon.Submit(record(wcmp.Table, "G1", consumer.OpDel))
	f.daemon.Drain()

	// The group is still referenced by the route, nothing is acknowledged.
	require.Equal(t, 1, f.daemon.Pending())
	assert.Empty(t, f.acks.Acks())
	assert.Equal(t, []string{"WCMP_GROUP_TABLE:G1|DEL"}, f.daemon.DumpPending())

	f.daemon.Submit(record(route.Table, "default|10.0.0.0/24", consumer.OpDel))
	f.daemon.Drain()

	require.Zero(t, f.daemon.Pending())
	assert.Equal(t, map[string]codes.Code{
		"WCMP_GROUP_TABLE:G1":             codes.OK,
		"ROUTE_TABLE:default|10.0.0.0/24": codes.OK,
	}, codesOf(f.acks.Acks()))
	assert.Zero(t, f.hal.Count(hal.ObjectTypeNextHopGroup))
	assert.Zero(t, f.hal.Count(hal.ObjectTypeNextHopGroupMember))
}

func TestSubmitCoalesces(t *testing.T) {
	f := newFixture(t)

	f.daemon.Submit(
		nextHop("nh1", "10.1.0.1", "Ethernet0"),
		record(nexthop.Table, "nh1", consumer.OpDel),
		nextHop("nh2", "10.1.0.2", "Ethernet0"),
	)
	require.Equal(t, 2, f.daemon.Pending())

	f.daemon.Drain()

	// DEL of a next hop that never existed is dropped.
	acks := codesOf(f.acks.Acks())
	assert.Equal(t, codes.NotFound, acks["NEXTHOP_TABLE:nh1"])
	assert.Equal(t, codes.OK, acks["NEXTHOP_TABLE:nh2"])
}

func TestUnknownTable(t *testing.T) {
	f := newFixture(t)

	f.daemon.Submit(record("ACL_TABLE", "rule1", consumer.OpSet, "action", "drop"))
	require.Zero(t, f.daemon.Pending())

	acks := f.acks.Acks()
	require.Len(t, acks, 1)
	assert.Equal(t, codes.NotFound, acks[0].Code)
	assert.Equal(t, "ACL_TABLE", acks[0].Table)
}

func TestMalformedDocumentDoesNotStopFeed(t *testing.T) {
	stream := "table: VRF_TABLE\nop: SET\n---\ntable: VRF_TABLE\nkey: blue\n"
	f := newFixture(t, WithFeed(strings.NewReader(stream)))

	records := make(chan feed.Record, 8)
	require.NoError(t, f.daemon.runFeed(context.Background(), records))
	close(records)
	for r := range records {
		f.daemon.Submit(r)
	}
	f.daemon.Drain()

	acks := f.acks.Acks()
	require.Len(t, acks, 2)
	assert.Equal(t, codes.InvalidArgument, acks[0].Code)
	assert.Equal(t, vrf.Table, acks[0].Table)
	assert.Equal(t, codes.OK, acks[1].Code)
	assert.Equal(t, "blue", acks[1].Key)
}

func TestPortEventsPruneAndRestore(t *testing.T) {
	f := newFixture(t)

	f.daemon.Submit(
		nextHop("nh1", "10.1.0.1", "Ethernet0"),
		record(wcmp.Table, "G1", consumer.OpSet, "members", "nh1:1@Ethernet0"),
		record(route.Table, "default|10.0.0.0/24", consumer.OpSet, "action", "set_wcmp_group_id", "wcmp_group_id", "G1"),
	)
	f.daemon.Drain()
	require.Zero(t, f.daemon.Pending())
	require.True(t, f.programmed(t, "default|10.0.0.0/24"))

	f.daemon.HandlePortEvent(ports.Event{Port: "Ethernet0", Up: false})
	assert.Equal(t, []string{"nh1:1@Ethernet0"}, f.daemon.groups.Pruned("G1"))
	assert.Zero(t, f.hal.Count(hal.ObjectTypeNextHopGroupMember))
	assert.False(t, f.programmed(t, "default|10.0.0.0/24"))

	// Repeated state is not a change.
	f.hal.ResetCalls()
	f.daemon.HandlePortEvent(ports.Event{Port: "Ethernet0", Up: false})
	assert.Empty(t, f.hal.Calls())

	f.daemon.HandlePortEvent(ports.Event{Port: "Ethernet0", Up: true})
	assert.Empty(t, f.daemon.groups.Pruned("G1"))
	assert.Equal(t, 1, f.hal.Count(hal.ObjectTypeNextHopGroupMember))
	assert.True(t, f.programmed(t, "default|10.0.0.0/24"))
}

func TestPrunedMemberRestoredWhenNextHopReturns(t *testing.T) {
	f := newFixture(t)

	f.daemon.Submit(
		nextHop("nh1", "10.1.0.1", "Ethernet0"),
		nextHop("nh2", "10.1.0.2", "Ethernet4"),
		record(wcmp.Table, "G1", consumer.OpSet, "members", "nh1:1@Ethernet0,nh2:2"),
	)
	f.daemon.Drain()
	require.Zero(t, f.daemon.Pending())

	f.daemon.HandlePortEvent(ports.Event{Port: "Ethernet0", Up: false})
	f.daemon.Submit(record(nexthop.Table, "nh1", consumer.OpDel))
	f.daemon.Drain()
	require.Zero(t, f.daemon.Pending())

	f.daemon.HandlePortEvent(ports.Event{Port: "Ethernet0", Up: true})
	assert.Equal(t, []string{"nh1:1@Ethernet0"}, f.daemon.groups.Pruned("G1"))
	assert.Equal(t, 1, f.hal.Count(hal.ObjectTypeNextHopGroupMember))

	f.daemon.Submit(nextHop("nh1", "10.1.0.1", "Ethernet0"))
	f.daemon.Drain()

	assert.Empty(t, f.daemon.groups.Pruned("G1"))
	assert.Equal(t, 2, f.hal.Count(hal.ObjectTypeNextHopGroupMember))

	// Re-sending the same group is a no-op once everything is bound.
	f.daemon.Submit(record(wcmp.Table, "G1", consumer.OpSet, "members", "nh1:1@Ethernet0,nh2:2"))
	f.daemon.Drain()
	assert.Equal(t, 2, f.hal.Count(hal.ObjectTypeNextHopGroupMember))
	assert.Empty(t, f.daemon.groups.Pruned("G1"))
}

func TestDumpPendingLimit(t *testing.T) {
	f := newFixture(t)
	f.daemon.cfg.Loop.DumpLimit = 40 * datasize.B

	f.daemon.Submit(
		record(route.Table, "default|10.0.0.0/24", consumer.OpSet, "action", "set_nexthop_id", "nexthop_id", "nh1"),
		record(route.Table, "default|10.0.1.0/24", consumer.OpSet, "action", "set_nexthop_id", "nexthop_id", "nh1"),
	)
	f.daemon.Drain()
	require.Equal(t, 2, f.daemon.Pending())

	dump := f.daemon.DumpPending()
	require.Len(t, dump, 1)
	assert.Equal(t, "... 2 more", dump[0])

	f.daemon.cfg.Loop.DumpLimit = 0
	assert.Len(t, f.daemon.DumpPending(), 2)
}

func TestLoopConsumesChannels(t *testing.T) {
	f := newFixture(t)
	f.daemon.cfg.Loop.DumpInterval = 0

	records := make(chan feed.Record, 8)
	events := make(chan ports.Event, 8)
	wake := make(chan struct{}, 1)

	records <- record(wcmp.Table, "G1", consumer.OpSet, "members", "nh1:1@Ethernet0")
	records <- nextHop("nh1", "10.1.0.1", "Ethernet0")
	close(records)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.daemon.loop(ctx, records, events, wake)
	}()

	var acks []orch.Ack
	require.Eventually(t, func() bool {
		acks = append(acks, f.acks.Acks()...)
		return len(acks) == 2
	}, 5*time.Second, 10*time.Millisecond)

	events <- ports.Event{Port: "Ethernet0", Up: false}
	wake <- struct{}{}
	require.Eventually(t, func() bool {
		return len(events) == 0 && len(wake) == 0
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)

	assert.Equal(t, map[string]codes.Code{
		"WCMP_GROUP_TABLE:G1": codes.OK,
		"NEXTHOP_TABLE:nh1":   codes.OK,
	}, codesOf(acks))
	assert.Equal(t, []string{"nh1:1@Ethernet0"}, f.daemon.groups.Pruned("G1"))
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
logging:
  level: debug
feed: /run/orchagent/feed.yaml
ports:
  patterns: ["Ethernet*"]
loop:
  retry_interval: 250ms
  dump_limit: 1KB
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/run/orchagent/feed.yaml", cfg.Feed)
	assert.Equal(t, []string{"Ethernet*"}, cfg.Ports.Patterns)
	assert.Equal(t, 250*time.Millisecond, cfg.Loop.RetryInterval)
	assert.Equal(t, datasize.KB, cfg.Loop.DumpLimit)
	// Defaults survive partial documents.
	assert.Equal(t, time.Minute, cfg.Loop.DumpInterval)
	assert.True(t, cfg.Neighbours.Enabled)
}

func TestLoadConfigInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "orchagent.yaml")
	require.NoError(t, os.WriteFile(path, []byte("loop:\n  retry_interval: 0s\n"), 0o644))

	_, err := LoadConfig(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "retry interval")
}

func TestQueryPendingServedByLoop(t *testing.T) {
	f := newFixture(t)
	f.daemon.Submit(
		record(route.Table, "default|10.0.0.0/24", consumer.OpSet, "action", "set_nexthop_id", "nexthop_id", "nh1"),
	)

	// Nobody serves queries until the loop runs.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.daemon.QueryPending(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	ctx, cancel = context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.daemon.loop(ctx, nil, nil, nil)
	}()

	lines, err := f.daemon.QueryPending(context.Background())
	require.NoError(t, err)
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "default|10.0.0.0/24")

	cancel()
	require.ErrorIs(t, <-done, context.Canceled)
}
