package ptr

// To returns a pointer to v. Handy for taking the address of a temporary
// when building protocol bodies.
func To[T any](v T) *T {
	return &v
}
