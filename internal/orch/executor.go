package orch

import (
	"errors"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"

	"github.com/yanet-platform/orchagent/internal/consumer"
	"github.com/yanet-platform/orchagent/internal/request"
)

// Option is a function that configures the executor.
type Option func(*options)

// WithLog configures the executor with a logger.
func WithLog(log *zap.SugaredLogger) Option {
	return func(o *options) {
		o.Log = log
	}
}

// WithPublisher configures where acknowledgements go.
func WithPublisher(publisher Publisher) Option {
	return func(o *options) {
		o.Publisher = publisher
	}
}

type options struct {
	Log       *zap.SugaredLogger
	Publisher Publisher
}

func newOptions() *options {
	return &options{
		Log: zap.NewNop().Sugar(),
	}
}

// Executor dispatches pending entries of one table to its handler.
type Executor struct {
	schema    *request.Schema
	consumer  *consumer.Consumer
	handler   Handler
	publisher Publisher
	log       *zap.SugaredLogger
}

var _ Orch = (*Executor)(nil)

// NewExecutor constructs a new executor for the schema's table.
func NewExecutor(schema *request.Schema, handler Handler, options ...Option) *Executor {
	opts := newOptions()
	for _, o := range options {
		o(opts)
	}

	log := opts.Log.With(zap.String("table", schema.Table))
	publisher := opts.Publisher
	if publisher == nil {
		publisher = NewLogPublisher(log)
	}

	return &Executor{
		schema:    schema,
		consumer:  consumer.NewConsumer(schema.Table, consumer.WithLog(opts.Log)),
		handler:   handler,
		publisher: publisher,
		log:       log,
	}
}

// Table implements Orch.
func (m *Executor) Table() string {
	return m.schema.Table
}

// Enqueue implements Orch.
func (m *Executor) Enqueue(entries ...consumer.Entry) {
	m.consumer.Enqueue(entries...)
}

// Dump implements Orch.
func (m *Executor) Dump() []string {
	return m.consumer.Dump()
}

// Pending implements Orch.
func (m *Executor) Pending() int {
	return m.consumer.Len()
}

// Drain implements Orch.
//
// Every entry taken from the consumer is either committed (applied or
// dropped, with an acknowledgement) or put back verbatim.
func (m *Executor) Drain() bool {
	progress := false
	for _, entry := range m.consumer.Take() {
		result := m.dispatch(entry)

		switch result.Outcome {
		case Deferred:
			m.log.Debugw("entry deferred",
				zap.String("key", entry.Key),
				zap.String("op", string(entry.Op)),
				zap.Error(result.Err),
			)
			m.consumer.Requeue(entry)
		case Applied:
			progress = true
			m.log.Debugw("entry applied", zap.String("key", entry.Key), zap.String("op", string(entry.Op)))
			m.publisher.Publish(m.ack(entry, nil))
		default:
			progress = true
			m.log.Warnw("entry dropped",
				zap.String("key", entry.Key),
				zap.String("op", string(entry.Op)),
				zap.Error(result.Err),
			)
			m.publisher.Publish(m.ack(entry, result.Err))
		}
	}

	return progress
}

func (m *Executor) dispatch(entry consumer.Entry) Result {
	req, err := request.Parse(m.schema, entry)
	if err != nil {
		var logicErr *request.LogicError
		if errors.As(err, &logicErr) {
			m.log.Errorw("schema misuse", zap.String("key", entry.Key), zap.Error(err))
		} else {
			m.log.Warnw("failed to parse entry", zap.String("key", entry.Key), zap.Error(err))
		}
		return Drop(err)
	}

	switch req.Op() {
	case consumer.OpSet:
		return m.handler.ProcessAdd(req)
	default:
		return m.handler.ProcessDelete(req)
	}
}

func (m *Executor) ack(entry consumer.Entry, err error) Ack {
	code := CodeOf(err)
	if err != nil && code == codes.OK {
		code = codes.Unknown
	}

	ack := Ack{
		Table:  m.schema.Table,
		Key:    entry.Key,
		Op:     entry.Op,
		Fields: entry.Fields,
		Code:   code,
		Status: code.String(),
	}
	if err != nil {
		ack.Message = err.Error()
		return ack
	}

	ack.Replace = true
	if entry.Op == consumer.OpSet {
		ack.State = entry.Fields
		if reporter, ok := m.handler.(StateReporter); ok {
			ack.State = reporter.State(entry.Key)
		}
	}
	return ack
}
