package types

// Attributes is a mutable bag of execution-scoped values shared between
// pipeline stages. Keys are typed tokens, so readers and writers agree
// on the value type at compile time. One execution owns its bag; no
// synchronization is performed.
type Attributes struct {
	values map[string]any
}

// NewAttributes creates an empty attribute bag.
func NewAttributes() *Attributes {
	return &Attributes{values: make(map[string]any)}
}

// AttributeKey is a typed token identifying one attribute in the bag.
type AttributeKey[T any] struct {
	name string
}

// NewAttributeKey creates an attribute key. Keys with the same name
// address the same slot; by convention each key is a package-level
// variable created exactly once.
func NewAttributeKey[T any](name string) AttributeKey[T] {
	return AttributeKey[T]{name: name}
}

// Name returns the key's diagnostic name.
func (k AttributeKey[T]) Name() string {
	return k.name
}

// PutAttribute stores value under key, replacing any previous value.
func PutAttribute[T any](attrs *Attributes, key AttributeKey[T], value T) {
	attrs.values[key.name] = value
}

// GetAttribute returns the value stored under key and whether it was set.
func GetAttribute[T any](attrs *Attributes, key AttributeKey[T]) (T, bool) {
	if v, ok := attrs.values[key.name]; ok {
		if typed, ok := v.(T); ok {
			return typed, true
		}
	}
	var zero T
	return zero, false
}
