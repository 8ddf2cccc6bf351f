package graph

type fieldOp uint8

const (
	opKeep fieldOp = iota
	opSet
	opClear
)

// Field is a tri-state update to a single state field: keep the current value,
// set a new one, or clear it back to its zero value. The zero Field keeps.
type Field[T any] struct {
	op  fieldOp
	val T
}

// Keep leaves the field unchanged.
func Keep[T any]() Field[T] { return Field[T]{} }

// Set replaces the field with v.
func Set[T any](v T) Field[T] { return Field[T]{op: opSet, val: v} }

// Clear resets the field to its zero value.
func Clear[T any]() Field[T] { return Field[T]{op: opClear} }

// Apply returns the field's value after the update is applied to cur.
func (f Field[T]) Apply(cur T) T {
	switch f.op {
	case opSet:
		return f.val
	case opClear:
		var zero T
		return zero
	default:
		return cur
	}
}

// String is used in debug logs.
func (f Field[T]) String() string {
	switch f.op {
	case opSet:
		return "set"
	case opClear:
		return "clear"
	default:
		return "keep"
	}
}
