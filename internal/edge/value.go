package edge

// Value is a field of the edge context that may or may not have been supplied.
type Value[T comparable] struct {
	v  T
	ok bool
}

// Some wraps a supplied value.
func Some[T comparable](v T) Value[T] {
	return Value[T]{v: v, ok: true}
}

// None returns an absent value.
func None[T comparable]() Value[T] {
	return Value[T]{}
}

// Get returns the value and whether it was supplied.
func (v Value[T]) Get() (T, bool) {
	return v.v, v.ok
}

// Present reports whether the value was supplied at all, zero or not.
func (v Value[T]) Present() bool {
	return v.ok
}

// Truthy reports whether the value was supplied and is not the zero value of T.
func (v Value[T]) Truthy() bool {
	var zero T
	return v.ok && v.v != zero
}

// Or returns the value when it is truthy and def otherwise. A supplied zero
// (ASN 0, a coordinate of exactly 0.0, an empty string) yields def as well.
func (v Value[T]) Or(def T) T {
	if v.Truthy() {
		return v.v
	}
	return def
}

// orElse returns v if it was supplied, otherwise other.
func (v Value[T]) orElse(other Value[T]) Value[T] {
	if v.ok {
		return v
	}
	return other
}
