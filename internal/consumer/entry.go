package consumer

import (
	"strings"
)

// Op is the operation carried by a diff record.
type Op string

const (
	// OpSet creates or updates the object.
	OpSet Op = "SET"
	// OpDel deletes the object.
	OpDel Op = "DEL"
)

// FieldValue is a single (name, value) pair of a diff record.
type FieldValue struct {
	Field string `yaml:"field"`
	Value string `yaml:"value"`
}

// Entry is a raw diff record: a key, an operation and an ordered list of
// field values.
type Entry struct {
	Key    string
	Op     Op
	Fields []FieldValue
}

// Clone returns a deep copy of the entry.
func (m Entry) Clone() Entry {
	out := Entry{Key: m.Key, Op: m.Op}
	if m.Fields != nil {
		out.Fields = make([]FieldValue, len(m.Fields))
		copy(out.Fields, m.Fields)
	}
	return out
}

// Field returns the value of the named field.
func (m Entry) Field(name string) (string, bool) {
	for _, fv := range m.Fields {
		if fv.Field == name {
			return fv.Value, true
		}
	}
	return "", false
}

// Format renders the entry as "key|op|field:value|...".
func (m Entry) Format() string {
	b := strings.Builder{}
	b.WriteString(m.Key)
	b.WriteByte('|')
	b.WriteString(string(m.Op))
	for _, fv := range m.Fields {
		b.WriteByte('|')
		b.WriteString(fv.Field)
		b.WriteByte(':')
		b.WriteString(fv.Value)
	}
	return b.String()
}

// merge overlays fields onto the entry: re-specified fields are replaced in
// place, new ones are appended.
func (m *Entry) merge(fields []FieldValue) {
	for _, fv := range fields {
		replaced := false
		for idx := range m.Fields {
			if m.Fields[idx].Field == fv.Field {
				m.Fields[idx].Value = fv.Value
				replaced = true
				break
			}
		}
		if !replaced {
			m.Fields = append(m.Fields, fv)
		}
	}
}
