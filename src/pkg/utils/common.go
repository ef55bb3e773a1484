package utils

// Pair bundles two values of independent types, used where a channel
// and its companion token travel together.
type Pair[T, K any] struct {
	First  T
	Second K
}

func (p Pair[T, K]) Destruct() (T, K) {
	return p.First, p.Second
}
