package orch

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"gopkg.in/yaml.v3"

	"github.com/yanet-platform/orchagent/internal/consumer"
	"github.com/yanet-platform/orchagent/internal/hal"
	"github.com/yanet-platform/orchagent/internal/request"
)

var testSchema = &request.Schema{
	Table:    "TEST_TABLE",
	KeyTypes: []request.ValueType{request.TypeString},
	Attrs: map[string]request.ValueType{
		"value": request.TypeUint,
		"dep":   request.TypeString,
	},
}

// testHandler applies an entry once its "dep" key has been applied.
type testHandler struct {
	applied map[string]uint64
	calls   int
}

func newTestHandler() *testHandler {
	return &testHandler{applied: map[string]uint64{}}
}

func (m *testHandler) ProcessAdd(req *request.Request) Result {
	m.calls++
	if req.Has("dep") {
		dep, err := req.String("dep")
		if err != nil {
			return Drop(err)
		}
		if _, ok := m.applied[dep]; !ok {
			return NotFound("dependency %q is not applied", dep)
		}
	}

	value, err := req.Uint("value")
	if err != nil {
		return Drop(err)
	}
	if value == 0 {
		return InvalidArgument("zero value")
	}
	if value == 13 {
		return Drop(hal.NewStatusError("create", hal.ObjectTypeNextHop, hal.NullOID, hal.StatusResourceExhausted))
	}
	m.applied[req.Key()] = value
	return Apply()
}

func (m *testHandler) ProcessDelete(req *request.Request) Result {
	m.calls++
	if _, ok := m.applied[req.Key()]; !ok {
		return Drop(Errorf(codes.NotFound, "%q does not exist", req.Key()))
	}
	delete(m.applied, req.Key())
	return Apply()
}

func set(key string, fields ...string) consumer.Entry {
	entry := consumer.Entry{Key: key, Op: consumer.OpSet}
	for idx := 0; idx+1 < len(fields); idx += 2 {
		entry.Fields = append(entry.Fields, consumer.FieldValue{Field: fields[idx], Value: fields[idx+1]})
	}
	return entry
}

func del(key string) consumer.Entry {
	return consumer.Entry{Key: key, Op: consumer.OpDel}
}

func TestExecutorApply(t *testing.T) {
	handler := newTestHandler()
	recorder := &Recorder{}
	executor := NewExecutor(testSchema, handler, WithPublisher(recorder))

	executor.Enqueue(set("a", "value", "1"), set("a", "value", "2"))
	require.True(t, executor.Drain())
	require.Zero(t, executor.Pending())
	require.Equal(t, uint64(2), handler.applied["a"])
	require.Equal(t, 1, handler.calls, "coalesced entries must be dispatched once")

	acks := recorder.Acks()
	require.Len(t, acks, 1)
	assert.True(t, acks[0].OK())
	assert.Equal(t, "OK", acks[0].Status)
	assert.True(t, acks[0].Replace)
	assert.Equal(t, []consumer.FieldValue{{Field: "value", Value: "2"}}, acks[0].State)

	executor.Enqueue(del("a"))
	require.True(t, executor.Drain())
	require.NotContains(t, handler.applied, "a")

	acks = recorder.Acks()
	require.Len(t, acks, 1)
	assert.True(t, acks[0].OK())
	assert.True(t, acks[0].Replace)
	assert.Empty(t, acks[0].State)
}

func TestExecutorDeferred(t *testing.T) {
	handler := newTestHandler()
	recorder := &Recorder{}
	executor := NewExecutor(testSchema, handler, WithPublisher(recorder))

	executor.Enqueue(set("b", "value", "1", "dep", "z"))
	require.False(t, executor.Drain())
	require.Equal(t, 1, executor.Pending())
	require.Empty(t, recorder.Acks(), "deferred entries are not acknowledged")
	require.Equal(t, []string{"TEST_TABLE:b|SET|value:1|dep:z"}, executor.Dump())

	// A newer SET arriving while the entry waits is merged over it.
	executor.Enqueue(set("b", "value", "5"))
	require.False(t, executor.Drain())
	require.Equal(t, []string{"TEST_TABLE:b|SET|value:5|dep:z"}, executor.Dump())

	executor.Enqueue(set("z", "value", "1"))
	require.True(t, executor.Drain())
	// "b" sorts before "z", so the first pass still defers it.
	require.Equal(t, 1, executor.Pending())
	require.True(t, executor.Drain())
	require.Zero(t, executor.Pending())
	require.Equal(t, uint64(5), handler.applied["b"])
}

func TestExecutorDeferredThenDeleted(t *testing.T) {
	handler := newTestHandler()
	executor := NewExecutor(testSchema, handler, WithPublisher(&Recorder{}))

	executor.Enqueue(set("b", "value", "1", "dep", "z"))
	require.False(t, executor.Drain())

	// The DEL replaces the pending SET; it is dropped as the key never existed.
	executor.Enqueue(del("b"))
	require.True(t, executor.Drain())
	require.Zero(t, executor.Pending())
	require.Empty(t, handler.applied)
}

func TestExecutorDropped(t *testing.T) {
	tests := []struct {
		name  string
		entry consumer.Entry
		code  codes.Code
	}{
		{
			name:  "malformed value",
			entry: set("a", "value", "xyz"),
			code:  codes.InvalidArgument,
		},
		{
			name:  "unknown attribute",
			entry: set("a", "color", "red"),
			code:  codes.InvalidArgument,
		},
		{
			name:  "unsupported operation",
			entry: consumer.Entry{Key: "a", Op: "PATCH"},
			code:  codes.InvalidArgument,
		},
		{
			name:  "semantic rejection",
			entry: set("a", "value", "0"),
			code:  codes.InvalidArgument,
		},
		{
			name:  "hardware failure",
			entry: set("a", "value", "13"),
			code:  codes.ResourceExhausted,
		},
		{
			name:  "unknown delete",
			entry: del("a"),
			code:  codes.NotFound,
		},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			recorder := &Recorder{}
			executor := NewExecutor(testSchema, newTestHandler(), WithPublisher(recorder))

			executor.Enqueue(test.entry)
			require.True(t, executor.Drain())
			require.Zero(t, executor.Pending())

			acks := recorder.Acks()
			require.Len(t, acks, 1)
			assert.Equal(t, test.code, acks[0].Code)
			assert.Equal(t, test.code.String(), acks[0].Status)
			assert.NotEmpty(t, acks[0].Message)
			assert.False(t, acks[0].Replace)
		})
	}
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, codes.OK, CodeOf(nil))
	assert.Equal(t, codes.Internal, CodeOf(ErrInconsistentState))
	assert.Equal(t, codes.FailedPrecondition, CodeOf(InUse("busy").Err))
	assert.Equal(t, codes.NotFound, CodeOf(NotFound("missing").Err))
	assert.Equal(t, codes.Unknown, CodeOf(assert.AnError))
}

func TestYAMLPublisher(t *testing.T) {
	buf := &bytes.Buffer{}
	publisher := NewYAMLPublisher(buf, nil)

	executor := NewExecutor(testSchema, newTestHandler(), WithPublisher(publisher))
	executor.Enqueue(set("a", "value", "3"), set("c", "value", "0"))
	require.True(t, executor.Drain())
	require.NoError(t, publisher.Close())

	dec := yaml.NewDecoder(buf)
	var acks []Ack
	for {
		var ack Ack
		if err := dec.Decode(&ack); err != nil {
			break
		}
		acks = append(acks, ack)
	}

	require.Len(t, acks, 2)
	assert.Equal(t, "a", acks[0].Key)
	assert.Equal(t, "OK", acks[0].Status)
	assert.Equal(t, "c", acks[1].Key)
	assert.Equal(t, "InvalidArgument", acks[1].Status)
}
