// Package orch implements the dispatcher shared by every object manager:
// it takes coalesced entries from a consumer, parses them against the table
// schema, routes them to the manager's add or delete handler and commits or
// requeues them depending on the outcome.
package orch

import (
	"github.com/yanet-platform/orchagent/internal/consumer"
	"github.com/yanet-platform/orchagent/internal/request"
)

// Handler is implemented by every object manager.
//
// Handlers must not retain the request after returning.
type Handler interface {
	ProcessAdd(req *request.Request) Result
	ProcessDelete(req *request.Request) Result
}

// StateReporter is optionally implemented by handlers that keep the full
// applied state of their objects.
//
// The returned fields are published with the acknowledgement of a SET.
type StateReporter interface {
	State(key string) []consumer.FieldValue
}

// Orch is the uniform view of a table manager used by the run loop.
type Orch interface {
	// Table returns the source table name.
	Table() string
	// Enqueue coalesces entries into the pending map.
	Enqueue(entries ...consumer.Entry)
	// Drain runs one pass over pending entries and reports whether any of
	// them was applied or dropped.
	Drain() bool
	// Dump returns pending entries for diagnostics.
	Dump() []string
	// Pending returns the number of pending entries.
	Pending() int
}
