package request

import (
	"fmt"
)

// ParseError reports malformed input: a bad key shape, an unknown or missing
// attribute or a value that cannot be decoded.
type ParseError struct {
	Table string
	Key   string
	msg   string
}

func newParseError(table string, key string, format string, args ...any) *ParseError {
	return &ParseError{
		Table: table,
		Key:   key,
		msg:   fmt.Sprintf(format, args...),
	}
}

func (m *ParseError) Error() string {
	return fmt.Sprintf("malformed %s entry %q: %s", m.Table, m.Key, m.msg)
}

// LogicError reports a programming error in the caller of a parsed request,
// such as reading a key token with the wrong type.
type LogicError struct {
	Table string
	msg   string
}

func newLogicError(table string, format string, args ...any) *LogicError {
	return &LogicError{
		Table: table,
		msg:   fmt.Sprintf(format, args...),
	}
}

func (m *LogicError) Error() string {
	return fmt.Sprintf("%s request misuse: %s", m.Table, m.msg)
}
