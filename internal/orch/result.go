package orch

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/yanet-platform/orchagent/internal/hal"
	"github.com/yanet-platform/orchagent/internal/request"
)

// ErrInconsistentState marks failures after which the state of an object can
// no longer be trusted, such as a failed rollback.
var ErrInconsistentState = errors.New("inconsistent state")

// Outcome is the verdict of a handler about one pending entry.
type Outcome uint8

const (
	// Applied means the entry is fully resolved and is erased.
	Applied Outcome = iota
	// Dropped means the entry can never be applied and is erased.
	Dropped
	// Deferred means the entry cannot be resolved yet and stays pending.
	Deferred
)

func (m Outcome) String() string {
	switch m {
	case Applied:
		return "applied"
	case Dropped:
		return "dropped"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(m))
	}
}

// Result is returned by every handler.
type Result struct {
	Outcome Outcome
	// Err explains Dropped and Deferred outcomes. Its gRPC status code is
	// reported in acknowledgements.
	Err error
}

// Apply reports success.
func Apply() Result {
	return Result{Outcome: Applied}
}

// Drop reports an entry that can never be applied.
func Drop(err error) Result {
	return Result{Outcome: Dropped, Err: err}
}

// Defer reports an entry that must be retried later.
func Defer(err error) Result {
	return Result{Outcome: Deferred, Err: err}
}

// Errorf constructs an error carrying a gRPC status code.
func Errorf(code codes.Code, format string, args ...any) error {
	return status.Errorf(code, format, args...)
}

// InvalidArgument reports malformed or semantically invalid input.
func InvalidArgument(format string, args ...any) Result {
	return Drop(Errorf(codes.InvalidArgument, format, args...))
}

// NotFound reports a missing dependency; the entry is retried.
func NotFound(format string, args ...any) Result {
	return Defer(Errorf(codes.NotFound, format, args...))
}

// InUse reports a delete blocked by outstanding references; the entry is
// retried.
func InUse(format string, args ...any) Result {
	return Defer(Errorf(codes.FailedPrecondition, format, args...))
}

// CodeOf classifies an error chain by gRPC status code.
//
// Nil maps to codes.OK. Inconsistent state always maps to codes.Internal.
// Parse failures map to codes.InvalidArgument, HAL failures to the code of
// their HAL status.
func CodeOf(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if errors.Is(err, ErrInconsistentState) {
		return codes.Internal
	}

	var parseErr *request.ParseError
	if errors.As(err, &parseErr) {
		return codes.InvalidArgument
	}
	var logicErr *request.LogicError
	if errors.As(err, &logicErr) {
		return codes.Internal
	}
	var statusErr *hal.StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status.Code()
	}
	if st, ok := status.FromError(err); ok {
		return st.Code()
	}
	return codes.Unknown
}
