package ports

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/gobwas/glob"
	"github.com/vishvananda/netlink"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

var errSubscriptionClosed = errors.New("link subscription closed")

// Event reports the operational state of a port.
type Event struct {
	Port string
	Up   bool
}

// Option is a function that configures the link monitor.
type Option func(*options)

// WithLog configures the link monitor with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithPatterns limits reported ports to names matching any of the glob
// patterns.
func WithPatterns(patterns ...string) Option {
	return func(o *options) {
		o.Patterns = append(o.Patterns, patterns...)
	}
}

// WithMaxBackoff configures the upper bound of the re-subscription delay.
func WithMaxBackoff(interval time.Duration) Option {
	return func(o *options) {
		o.MaxBackoff = interval
	}
}

type options struct {
	Patterns   []string
	MaxBackoff time.Duration
	Log        *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		MaxBackoff: 30 * time.Second,
		Log:        zap.NewNop().Sugar(),
	}
}

// LinkMonitor watches netlink link updates and reports operational state
// changes of matching ports.
type LinkMonitor struct {
	filter     []glob.Glob
	maxBackoff time.Duration
	events     chan<- Event
	// Last reported state, owned by the subscription goroutine.
	reported map[string]bool
	log      *zap.SugaredLogger
}

// NewLinkMonitor creates a new link monitor sending events into the given
// channel.
func NewLinkMonitor(events chan<- Event, options ...Option) (*LinkMonitor, error) {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	filter := make([]glob.Glob, 0, len(opts.Patterns))
	for _, pattern := range opts.Patterns {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to compile port pattern %q: %w", pattern, err)
		}
		filter = append(filter, g)
	}

	return &LinkMonitor{
		filter:     filter,
		maxBackoff: opts.MaxBackoff,
		events:     events,
		reported:   map[string]bool{},
		log:        opts.Log,
	}, nil
}

// Match reports whether the port is watched by this monitor.
func (m *LinkMonitor) Match(port string) bool {
	if len(m.filter) == 0 {
		return true
	}
	for _, g := range m.filter {
		if g.Match(port) {
			return true
		}
	}
	return false
}

// Run runs the link monitor until the specified context is canceled.
//
// A broken subscription is re-established with exponential backoff; the
// existing links are re-listed on every subscription.
func (m *LinkMonitor) Run(ctx context.Context) error {
	m.log.Debugf("starting link monitor")
	defer m.log.Debugf("stopped link monitor")

	runBackoff := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         m.maxBackoff,
	}
	runBackoff.Reset()

	for {
		startedAt := time.Now()
		err := m.runSubscription(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Since(startedAt) > m.maxBackoff {
			runBackoff.Reset()
		}

		delay := runBackoff.NextBackOff()
		m.log.Warnw("link subscription failed, resubscribing",
			zap.Duration("delay", delay),
			zap.Error(err),
		)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (m *LinkMonitor) runSubscription(ctx context.Context) error {
	done := make(chan struct{})
	defer close(done)

	errCh := make(chan error, 1)
	txRx := make(chan netlink.LinkUpdate, 64)
	opts := netlink.LinkSubscribeOptions{
		ListExisting: true,
		ErrorCallback: func(err error) {
			select {
			case errCh <- err:
			default:
			}
		},
	}
	if err := netlink.LinkSubscribeWithOptions(txRx, done, opts); err != nil {
		return fmt.Errorf("failed to subscribe to links updates: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errCh:
			return fmt.Errorf("failed to receive links updates: %w", err)
		case update, ok := <-txRx:
			if !ok {
				return errSubscriptionClosed
			}
			if err := m.processUpdate(ctx, update); err != nil {
				return err
			}
		}
	}
}

func (m *LinkMonitor) processUpdate(ctx context.Context, update netlink.LinkUpdate) error {
	attrs := update.Attrs()
	if attrs == nil || !m.Match(attrs.Name) {
		return nil
	}

	up := linkUp(attrs)
	if update.Header.Type == unix.RTM_DELLINK {
		up = false
	}

	if prev, ok := m.reported[attrs.Name]; ok && prev == up {
		return nil
	}
	m.reported[attrs.Name] = up

	m.log.Infow("port state changed",
		zap.String("port", attrs.Name),
		zap.Stringer("oper_state", attrs.OperState),
		zap.Bool("up", up),
	)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case m.events <- Event{Port: attrs.Name, Up: up}:
		return nil
	}
}
