// Package feed reads a stream of table diffs encoded as YAML documents.
//
// Every document describes one diff:
//
//	table: WCMP_GROUP_TABLE
//	key: G1
//	op: SET
//	fields:
//	  members: nh1:3@Ethernet0,nh2:4
//
// The fields mapping keeps its order. An omitted op means SET.
//
// A well-formed YAML document that is not a valid diff does not break the
// stream: it is reported as a *DocumentError and reading goes on. Only YAML
// syntax errors are fatal.
package feed

import (
	"context"
	"errors"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/orchagent/internal/consumer"
)

// Record is one diff of some table.
type Record struct {
	Table string
	Entry consumer.Entry
	// Err is set for documents that are not valid diffs. Table and Entry
	// then carry whatever could be decoded.
	Err error
}

// DocumentError reports a document that is valid YAML but not a valid diff.
type DocumentError struct {
	Index int
	Table string
	Key   string
	Op    consumer.Op
	Err   error
}

func (m *DocumentError) Error() string {
	return fmt.Sprintf("document %d: %v", m.Index, m.Err)
}

func (m *DocumentError) Unwrap() error {
	return m.Err
}

type document struct {
	Table  string      `yaml:"table"`
	Key    string      `yaml:"key"`
	Op     consumer.Op `yaml:"op"`
	Fields yaml.Node   `yaml:"fields"`
}

// Reader decodes records one by one.
type Reader struct {
	dec *yaml.Decoder
	idx int
}

// NewReader constructs a reader over the stream.
func NewReader(r io.Reader) *Reader {
	return &Reader{dec: yaml.NewDecoder(r)}
}

// Next returns the next record or io.EOF at the end of the stream.
//
// A *DocumentError leaves the reader usable; any other error does not.
func (m *Reader) Next() (Record, error) {
	var doc document
	err := m.dec.Decode(&doc)
	if errors.Is(err, io.EOF) {
		return Record{}, io.EOF
	}
	var typeErr *yaml.TypeError
	if err != nil && !errors.As(err, &typeErr) {
		return Record{}, fmt.Errorf("failed to decode document %d: %w", m.idx, err)
	}
	idx := m.idx
	m.idx++

	if doc.Op == "" {
		doc.Op = consumer.OpSet
	}
	invalid := func(err error) (Record, error) {
		return Record{}, &DocumentError{Index: idx, Table: doc.Table, Key: doc.Key, Op: doc.Op, Err: err}
	}

	switch {
	case err != nil:
		return invalid(err)
	case doc.Table == "":
		return invalid(errors.New("table is required"))
	case doc.Key == "":
		return invalid(errors.New("key is required"))
	}

	fields, err := decodeFields(&doc.Fields)
	if err != nil {
		return invalid(err)
	}

	return Record{
		Table: doc.Table,
		Entry: consumer.Entry{Key: doc.Key, Op: doc.Op, Fields: fields},
	}, nil
}

func decodeFields(node *yaml.Node) ([]consumer.FieldValue, error) {
	switch node.Kind {
	case 0:
		return nil, nil
	case yaml.ScalarNode:
		if node.Tag == "!!null" {
			return nil, nil
		}
	case yaml.MappingNode:
		fields := make([]consumer.FieldValue, 0, len(node.Content)/2)
		for idx := 0; idx+1 < len(node.Content); idx += 2 {
			name, value := node.Content[idx], node.Content[idx+1]
			if value.Kind != yaml.ScalarNode {
				return nil, fmt.Errorf("field %q at line %d: value must be a scalar", name.Value, value.Line)
			}
			fields = append(fields, consumer.FieldValue{Field: name.Value, Value: value.Value})
		}
		return fields, nil
	}
	return nil, fmt.Errorf("fields at line %d: expected a mapping", node.Line)
}

// Stream reads records until the end of the stream and sends them into the
// channel.
//
// Documents that are not valid diffs are sent too, with Err set. YAML syntax
// errors stop the stream.
func Stream(ctx context.Context, r io.Reader, out chan<- Record) error {
	reader := NewReader(r)
	for {
		record, err := reader.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		var docErr *DocumentError
		switch {
		case errors.As(err, &docErr):
			record = Record{
				Table: docErr.Table,
				Entry: consumer.Entry{Key: docErr.Key, Op: docErr.Op},
				Err:   docErr,
			}
		case err != nil:
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case out <- record:
		}
	}
}
