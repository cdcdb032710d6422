package hal

import (
	"errors"
	"fmt"

	"google.golang.org/grpc/codes"
)

// Status is the closed set of HAL call results.
type Status int

const (
	StatusSuccess Status = iota
	StatusNotFound
	StatusAlreadyExists
	StatusResourceExhausted
	StatusInvalidParameter
	StatusFailure
)

func (m Status) String() string {
	switch m {
	case StatusSuccess:
		return "SUCCESS"
	case StatusNotFound:
		return "NOT_FOUND"
	case StatusAlreadyExists:
		return "ALREADY_EXISTS"
	case StatusResourceExhausted:
		return "RESOURCE_EXHAUSTED"
	case StatusInvalidParameter:
		return "INVALID_PARAMETER"
	case StatusFailure:
		return "FAILURE"
	default:
		return fmt.Sprintf("STATUS(%d)", int(m))
	}
}

// Code maps the HAL status onto the status vocabulary used in
// acknowledgements.
func (m Status) Code() codes.Code {
	switch m {
	case StatusSuccess:
		return codes.OK
	case StatusNotFound:
		return codes.NotFound
	case StatusAlreadyExists:
		return codes.AlreadyExists
	case StatusResourceExhausted:
		return codes.ResourceExhausted
	case StatusInvalidParameter:
		return codes.InvalidArgument
	default:
		return codes.Internal
	}
}

// StatusError is returned by every failed HAL call.
type StatusError struct {
	Op         string
	ObjectType ObjectType
	OID        OID
	Status     Status
}

// NewStatusError constructs a new HAL call error.
func NewStatusError(op string, objectType ObjectType, oid OID, status Status) *StatusError {
	return &StatusError{
		Op:         op,
		ObjectType: objectType,
		OID:        oid,
		Status:     status,
	}
}

func (m *StatusError) Error() string {
	if m.OID == NullOID {
		return fmt.Sprintf("HAL %s %s: %s", m.Op, m.ObjectType, m.Status)
	}
	return fmt.Sprintf("HAL %s %s %s: %s", m.Op, m.ObjectType, m.OID, m.Status)
}

// StatusOf extracts the HAL status from the error chain.
//
// Nil maps to StatusSuccess and foreign errors to StatusFailure.
func StatusOf(err error) Status {
	if err == nil {
		return StatusSuccess
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.Status
	}
	return StatusFailure
}
