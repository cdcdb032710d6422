// Package consumer implements the per-table pending map that coalesces
// diffs before they are dispatched.
package consumer

import (
	"maps"
	"slices"

	"go.uber.org/zap"
)

// Consumer holds the latest pending operation for every key of one source
// table.
//
// It is owned by the run loop goroutine and performs no locking.
type Consumer struct {
	table   string
	pending map[string]*Entry
	log     *zap.SugaredLogger
}

// Option is a function that configures the consumer.
type Option func(*options)

// WithLog configures the consumer with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

type options struct {
	Log *zap.SugaredLogger
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// NewConsumer creates an empty consumer for the given table.
func NewConsumer(table string, options ...Option) *Consumer {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	return &Consumer{
		table:   table,
		pending: map[string]*Entry{},
		log:     opts.Log.With(zap.String("table", table)),
	}
}

// Table returns the name of the source table.
func (m *Consumer) Table() string {
	return m.table
}

// Len returns the number of pending keys.
func (m *Consumer) Len() int {
	return len(m.pending)
}

// Enqueue coalesces the given entries into the pending map.
//
// A SET over a pending SET merges fields, a DEL discards whatever is pending
// for the key and a SET over a pending DEL replaces it.
func (m *Consumer) Enqueue(entries ...Entry) {
	for _, entry := range entries {
		m.enqueue(entry.Clone())
	}
}

func (m *Consumer) enqueue(entry Entry) {
	prev, ok := m.pending[entry.Key]
	if !ok {
		m.pending[entry.Key] = &entry
		return
	}

	switch {
	case entry.Op == OpSet && prev.Op == OpSet:
		prev.merge(entry.Fields)
	default:
		if entry.Op == OpDel && prev.Op == OpSet {
			m.log.Debugw("pending SET discarded by DEL", zap.String("key", entry.Key))
		}
		m.pending[entry.Key] = &entry
	}
}

// Take hands out the coalesced entries in key order and clears the pending
// map.
func (m *Consumer) Take() []Entry {
	if len(m.pending) == 0 {
		return nil
	}

	keys := slices.Sorted(maps.Keys(m.pending))
	out := make([]Entry, 0, len(keys))
	for _, key := range keys {
		out = append(out, *m.pending[key])
	}
	clear(m.pending)

	return out
}

// Requeue returns an entry that could not be resolved yet to the pending
// map.
//
// If a newer entry for the same key was enqueued in the meantime, it is
// coalesced over the requeued one.
func (m *Consumer) Requeue(entry Entry) {
	entry = entry.Clone()
	newer, ok := m.pending[entry.Key]
	m.pending[entry.Key] = &entry
	if ok {
		m.enqueue(*newer)
	}
}

// Dump returns every pending entry formatted as "table:key|op|field:value|...".
func (m *Consumer) Dump() []string {
	keys := slices.Sorted(maps.Keys(m.pending))
	out := make([]string, 0, len(keys))
	for _, key := range keys {
		out = append(out, m.table+":"+m.pending[key].Format())
	}
	return out
}
