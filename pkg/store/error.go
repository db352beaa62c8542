package store

// NotFoundError is returned when a fragment is absent under the caller's
// scope.
type NotFoundError struct {
	ID string
}

func (e NotFoundError) Error() string {
	if e.ID == "" {
		return "fragment not found"
	}
	return "fragment not found: " + e.ID
}
