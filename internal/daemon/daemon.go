// Package daemon wires object managers, monitors and the diff feed together
// and owns the single run loop that mutates manager state.
package daemon

import (
	"context"
	"fmt"
	"io"
	"net/netip"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc/codes"

	"github.com/yanet-platform/orchagent/internal/diag"
	"github.com/yanet-platform/orchagent/internal/feed"
	"github.com/yanet-platform/orchagent/internal/hal"
	"github.com/yanet-platform/orchagent/internal/hal/simhal"
	"github.com/yanet-platform/orchagent/internal/neigh"
	"github.com/yanet-platform/orchagent/internal/nexthop"
	"github.com/yanet-platform/orchagent/internal/orch"
	"github.com/yanet-platform/orchagent/internal/ports"
	"github.com/yanet-platform/orchagent/internal/registry"
	"github.com/yanet-platform/orchagent/internal/request"
	"github.com/yanet-platform/orchagent/internal/route"
	"github.com/yanet-platform/orchagent/internal/vrf"
	"github.com/yanet-platform/orchagent/internal/wcmp"
)

type options struct {
	Log       *zap.SugaredLogger
	HAL       hal.API
	Publisher orch.Publisher
	Querier   ports.Querier
	Resolver  nexthop.Resolver
	Feed      io.Reader
}

func newOptions() *options {
	return &options{
		Log:     zap.NewNop().Sugar(),
		Querier: ports.NetlinkQuerier{},
	}
}

// Option is a function that configures the daemon.
type Option func(*options)

// WithLog sets the logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithHAL replaces the simulated hardware.
func WithHAL(api hal.API) Option {
	return func(o *options) {
		o.HAL = api
	}
}

// WithPublisher sets where acknowledgements go.
func WithPublisher(publisher orch.Publisher) Option {
	return func(o *options) {
		o.Publisher = publisher
	}
}

// WithQuerier sets how unknown port states are queried.
func WithQuerier(querier ports.Querier) Option {
	return func(o *options) {
		o.Querier = querier
	}
}

// WithResolver sets the next-hop MAC resolver, disabling the neighbour
// monitor.
func WithResolver(resolver nexthop.Resolver) Option {
	return func(o *options) {
		o.Resolver = resolver
	}
}

// WithFeed sets the diff stream instead of the configured path.
func WithFeed(r io.Reader) Option {
	return func(o *options) {
		o.Feed = r
	}
}

// Daemon is the orchestration agent.
type Daemon struct {
	cfg      *Config
	hal      hal.API
	registry *registry.Registry
	critical *orch.CriticalLog

	vrfs     *vrf.Manager
	nextHops *nexthop.Manager
	groups   *wcmp.Manager
	routes   *route.Manager

	// Orchs in dependency order.
	orchs     []orch.Orch
	byTable   map[string]orch.Orch
	publisher orch.Publisher

	ports      *ports.Cache
	neighbours *neigh.Table
	feed       io.Reader
	// Functions run by the loop on behalf of other goroutines.
	queries chan func()
	log     *zap.SugaredLogger
}

// NewDaemon creates a new daemon using specified config.
func NewDaemon(cfg *Config, options ...Option) (*Daemon, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	log := opts.Log
	log.Debugw("parsed config", zap.Any("config", cfg))

	api := opts.HAL
	if api == nil {
		api = simhal.New(
			simhal.WithCapacity(cfg.HAL.Capacity),
			simhal.WithCallLogLimit(1024),
			simhal.WithLog(log.Named("hal")),
		)
	}
	publisher := opts.Publisher
	if publisher == nil {
		publisher = orch.NewLogPublisher(log.Named("ack"))
	}

	m := &Daemon{
		cfg:       cfg,
		hal:       api,
		registry:  registry.New(log),
		critical:  orch.NewCriticalLog(log),
		byTable:   map[string]orch.Orch{},
		publisher: publisher,
		ports:     ports.NewCache(opts.Querier, log.Named("ports")),
		feed:      opts.Feed,
		queries:   make(chan func()),
		log:       log,
	}

	resolver := opts.Resolver
	if resolver == nil && cfg.Neighbours.Enabled {
		m.neighbours = neigh.NewEmptyCache[netip.Addr, neigh.Neighbour]()
		resolver = neigh.NewResolver(m.neighbours)
	}

	vrfs, err := vrf.NewManager(api, m.registry, log.Named("vrf"))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize vrf manager: %w", err)
	}
	m.vrfs = vrfs

	nextHopOptions := []nexthop.Option{nexthop.WithLog(log.Named("nexthop"))}
	if resolver != nil {
		nextHopOptions = append(nextHopOptions, nexthop.WithResolver(resolver))
	}
	m.nextHops = nexthop.NewManager(api, m.registry, nextHopOptions...)

	m.groups = wcmp.NewManager(api, m.registry, m.ports,
		wcmp.WithLog(log.Named("wcmp")),
		wcmp.WithCriticalReporter(m.critical),
	)
	m.routes = route.NewManager(api, m.registry, m.groups, route.WithLog(log.Named("route")))
	m.groups.SetObserver(m.routes)

	m.register(vrf.Schema, m.vrfs)
	m.register(nexthop.Schema, m.nextHops)
	m.register(wcmp.Schema, m.groups)
	m.register(route.Schema, m.routes)

	return m, nil
}

func (m *Daemon) register(schema *request.Schema, handler orch.Handler) {
	executor := orch.NewExecutor(schema, handler,
		orch.WithLog(m.log.Named("orch")),
		orch.WithPublisher(m.publisher),
	)
	m.orchs = append(m.orchs, executor)
	m.byTable[executor.Table()] = executor
}

// Critical returns objects whose state can no longer be trusted.
func (m *Daemon) Critical() []string {
	return m.critical.Objects()
}

// Submit coalesces records into the pending entries of their tables.
//
// Malformed records and records of unknown tables are acknowledged with an
// error immediately.
func (m *Daemon) Submit(records ...feed.Record) {
	for _, record := range records {
		if record.Err != nil {
			m.log.Warnw("skipped malformed record", zap.String("table", record.Table), zap.Error(record.Err))
			m.publisher.Publish(orch.Ack{
				Table:   record.Table,
				Key:     record.Entry.Key,
				Op:      record.Entry.Op,
				Code:    codes.InvalidArgument,
				Status:  codes.InvalidArgument.String(),
				Message: record.Err.Error(),
			})
			continue
		}
		o, ok := m.byTable[record.Table]
		if !ok {
			m.log.Warnw("record of unknown table", zap.String("table", record.Table), zap.String("key", record.Entry.Key))
			m.publisher.Publish(orch.Ack{
				Table:   record.Table,
				Key:     record.Entry.Key,
				Op:      record.Entry.Op,
				Fields:  record.Entry.Fields,
				Code:    codes.NotFound,
				Status:  codes.NotFound.String(),
				Message: fmt.Sprintf("unknown table %q", record.Table),
			})
			continue
		}
		o.Enqueue(record.Entry)
	}
}

// Drain runs passes over every table in dependency order until a pass makes
// no progress. Every pass also retries group members left pruned while their
// watch port is up.
//
// Returns the number of passes that made progress.
func (m *Daemon) Drain() int {
	passes := 0
	for {
		progress := false
		for _, o := range m.orchs {
			if o.Drain() {
				progress = true
			}
		}
		if n := m.groups.RestorePending(); n > 0 {
			m.log.Infow("restored pending group members", zap.Int("count", n))
			progress = true
		}
		if !progress {
			return passes
		}
		passes++
	}
}

// Pending returns the total number of pending entries.
func (m *Daemon) Pending() int {
	pending := 0
	for _, o := range m.orchs {
		pending += o.Pending()
	}
	return pending
}

// DumpPending returns pending entries of every table, truncated to the
// configured size.
func (m *Daemon) DumpPending() []string {
	limit := int(m.cfg.Loop.DumpLimit.Bytes())

	out := []string{}
	size := 0
	total := 0
	for _, o := range m.orchs {
		for _, line := range o.Dump() {
			total++
			if limit > 0 && size+len(line) > limit {
				continue
			}
			size += len(line)
			out = append(out, line)
		}
	}
	if skipped := total - len(out); skipped > 0 {
		out = append(out, fmt.Sprintf("... %d more", skipped))
	}
	return out
}

// QueryPending returns the same as DumpPending but is safe to call from any
// goroutine while the daemon runs.
func (m *Daemon) QueryPending(ctx context.Context) ([]string, error) {
	done := make(chan []string, 1)
	query := func() {
		done <- m.DumpPending()
	}

	select {
	case m.queries <- query:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case lines := <-done:
		return lines, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// HandlePortEvent applies a watch port state change.
func (m *Daemon) HandlePortEvent(event ports.Event) {
	if !m.ports.Update(event.Port, event.Up) {
		return
	}
	m.log.Infow("port state changed", zap.String("port", event.Port), zap.Bool("up", event.Up))

	m.groups.HandlePortStatus(event.Port, event.Up)
	m.Drain()
}

// HandleNeighbours re-resolves next hops after a neighbour table change and
// retries deferred entries.
func (m *Daemon) HandleNeighbours() {
	if n := m.nextHops.Refresh(); n > 0 {
		m.log.Infow("refreshed next hops", zap.Int("count", n))
	}
	m.Drain()
}

// Run runs the daemon until the specified context is canceled.
func (m *Daemon) Run(ctx context.Context) error {
	m.log.Infof("starting orchestration agent")
	defer m.log.Infof("stopped orchestration agent")

	records := make(chan feed.Record, 64)
	events := make(chan ports.Event, 64)
	wake := make(chan struct{}, 1)

	linkMonitor, err := ports.NewLinkMonitor(events,
		ports.WithPatterns(m.cfg.Ports.Patterns...),
		ports.WithMaxBackoff(m.cfg.Ports.MaxBackoff),
		ports.WithLog(m.log.Named("link")),
	)
	if err != nil {
		return fmt.Errorf("failed to create link monitor: %w", err)
	}

	wg, ctx := errgroup.WithContext(ctx)
	wg.Go(func() error {
		defer close(records)
		return m.runFeed(ctx, records)
	})
	wg.Go(func() error {
		return linkMonitor.Run(ctx)
	})
	if m.neighbours != nil {
		monitor := neigh.NewMonitor(m.neighbours,
			neigh.WithUpdateInterval(m.cfg.Neighbours.UpdateInterval),
			neigh.WithOnUpdate(func() {
				select {
				case wake <- struct{}{}:
				default:
				}
			}),
			neigh.WithLog(m.log.Named("neigh")),
		)
		wg.Go(func() error {
			return monitor.Run(ctx)
		})
	}
	if m.cfg.Diag.Endpoint != "" {
		server := diag.NewServer(m.cfg.Diag.Endpoint, m, m.log.Named("diag"))
		wg.Go(func() error {
			return server.Run(ctx)
		})
	}
	wg.Go(func() error {
		return m.loop(ctx, records, events, wake)
	})

	return wg.Wait()
}

func (m *Daemon) runFeed(ctx context.Context, out chan<- feed.Record) error {
	r := m.feed
	if r == nil {
		switch m.cfg.Feed {
		case "", "-":
			r = os.Stdin
		default:
			f, err := os.Open(m.cfg.Feed)
			if err != nil {
				return fmt.Errorf("failed to open feed: %w", err)
			}
			defer f.Close()
			r = f
		}
	}

	if err := feed.Stream(ctx, r, out); err != nil {
		return fmt.Errorf("failed to read feed: %w", err)
	}
	m.log.Infof("feed is exhausted")
	return nil
}

func (m *Daemon) loop(
	ctx context.Context,
	records <-chan feed.Record,
	events <-chan ports.Event,
	wake <-chan struct{},
) error {
	retry := time.NewTicker(m.cfg.Loop.RetryInterval)
	defer retry.Stop()

	var dump <-chan time.Time
	if m.cfg.Loop.DumpInterval > 0 {
		ticker := time.NewTicker(m.cfg.Loop.DumpInterval)
		defer ticker.Stop()
		dump = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case record, ok := <-records:
			if !ok {
				records = nil
				continue
			}
			m.Submit(record)
			// Coalesce whatever else is already queued before draining.
			for drained := false; !drained; {
				select {
				case record, ok := <-records:
					if !ok {
						records = nil
						drained = true
						continue
					}
					m.Submit(record)
				default:
					drained = true
				}
			}
			m.Drain()
		case event := <-events:
			m.HandlePortEvent(event)
		case <-wake:
			m.HandleNeighbours()
		case query := <-m.queries:
			query()
		case <-retry.C:
			m.Drain()
		case <-dump:
			if m.Pending() == 0 {
				continue
			}
			for _, line := range m.DumpPending() {
				m.log.Infow("pending entry", zap.String("entry", line))
			}
		}
	}
}
