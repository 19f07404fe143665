package coerce

import "fmt"

// RecordCoercionError reports a raw record whose required fields could not be
// coerced into a canonical transaction.
type RecordCoercionError struct {
	Line   int
	Field  string
	Value  any
	Reason string
}

func (e *RecordCoercionError) Error() string {
	if e.Value == nil {
		return fmt.Sprintf("line %d: %s: %s", e.Line, e.Field, e.Reason)
	}
	return fmt.Sprintf("line %d: %s: %s (value %q)", e.Line, e.Field, e.Reason, fmt.Sprint(e.Value))
}

// NewRecordCoercionError builds a RecordCoercionError.
func NewRecordCoercionError(line int, field string, value any, reason string) *RecordCoercionError {
	return &RecordCoercionError{Line: line, Field: field, Value: value, Reason: reason}
}
