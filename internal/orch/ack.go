package orch

import (
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/orchagent/internal/consumer"
)

// Ack is the acknowledgement emitted for every entry that was applied or
// dropped, so an upstream writer can reflect the result back into the source
// of truth.
type Ack struct {
	Table  string                `yaml:"table"`
	Key    string                `yaml:"key"`
	Op     consumer.Op           `yaml:"op"`
	Fields []consumer.FieldValue `yaml:"fields,omitempty"`
	Code   codes.Code            `yaml:"-"`
	// Status is the textual form of Code.
	Status  string `yaml:"status"`
	Message string `yaml:"message,omitempty"`
	// Replace tells that State fully replaces previously published state for
	// the key instead of being merged into it.
	Replace bool                  `yaml:"replace"`
	State   []consumer.FieldValue `yaml:"state,omitempty"`
}

// OK reports whether the entry was applied.
func (m *Ack) OK() bool {
	return m.Code == codes.OK
}

// Publisher receives acknowledgements.
type Publisher interface {
	Publish(ack Ack)
}

// LogPublisher writes acknowledgements to the log.
type LogPublisher struct {
	log *zap.SugaredLogger
}

// NewLogPublisher constructs a new LogPublisher.
func NewLogPublisher(log *zap.SugaredLogger) *LogPublisher {
	return &LogPublisher{log: log}
}

// Publish implements Publisher.
func (m *LogPublisher) Publish(ack Ack) {
	fields := []any{
		zap.String("table", ack.Table),
		zap.String("key", ack.Key),
		zap.String("op", string(ack.Op)),
		zap.String("status", ack.Status),
	}
	if ack.OK() {
		m.log.Debugw("acknowledged", fields...)
		return
	}
	m.log.Warnw("acknowledged with error", append(fields, zap.String("message", ack.Message))...)
}

// YAMLPublisher streams acknowledgements as YAML documents.
type YAMLPublisher struct {
	mu  sync.Mutex
	enc *yaml.Encoder
	log *zap.SugaredLogger
}

// NewYAMLPublisher constructs a publisher writing into w.
func NewYAMLPublisher(w io.Writer, log *zap.SugaredLogger) *YAMLPublisher {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	return &YAMLPublisher{
		enc: yaml.NewEncoder(w),
		log: log,
	}
}

// Publish implements Publisher.
func (m *YAMLPublisher) Publish(ack Ack) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enc.Encode(&ack); err != nil {
		m.log.Warnw("failed to write acknowledgement", zap.String("key", ack.Key), zap.Error(err))
	}
}

// Close flushes the underlying encoder.
func (m *YAMLPublisher) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.enc.Close(); err != nil {
		return fmt.Errorf("failed to close acknowledgement stream: %w", err)
	}
	return nil
}

// Recorder keeps acknowledgements in memory.
type Recorder struct {
	mu   sync.Mutex
	acks []Ack
}

// Publish implements Publisher.
func (m *Recorder) Publish(ack Ack) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.acks = append(m.acks, ack)
}

// Acks returns recorded acknowledgements and forgets them.
func (m *Recorder) Acks() []Ack {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := m.acks
	m.acks = nil
	return out
}

// MultiPublisher fans acknowledgements out to several publishers.
type MultiPublisher []Publisher

// Publish implements Publisher.
func (m MultiPublisher) Publish(ack Ack) {
	for _, p := range m {
		p.Publish(ack)
	}
}
