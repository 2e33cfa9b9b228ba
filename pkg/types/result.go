package types

// Result carries a value that is either usable as-is or degraded.
// A degraded value is the safe default a component fell back to; Reason says why.
type Result[T any] struct {
	Value  T
	Reason string
	ok     bool
}

// Ok wraps a fully computed value.
func Ok[T any](v T) Result[T] {
	return Result[T]{Value: v, ok: true}
}

// Degraded wraps a fallback value together with the reason it was used.
func Degraded[T any](fallback T, reason string) Result[T] {
	return Result[T]{Value: fallback, Reason: reason}
}

// IsOk reports whether the value was computed normally.
func (r Result[T]) IsOk() bool { return r.ok }

// IsDegraded reports whether the value is a fallback.
func (r Result[T]) IsDegraded() bool { return !r.ok }

// Get returns the value and whether it is usable.
func (r Result[T]) Get() (T, bool) {
	return r.Value, r.ok
}
