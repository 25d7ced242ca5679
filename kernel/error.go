package kernel

// Error describes a kernel error. All kernel errors are defined as global
// variables that are pointers to the Error structure so that callers can
// compare them by identity and so that reporting an error never needs to
// allocate.
type Error struct {
	// The module where the error occurred.
	Module string

	// The error message
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}

// String returns the error message prefixed with the module name.
func (e *Error) String() string {
	return "[" + e.Module + "] " + e.Message
}

var (
	// ErrMemoryAlloc is returned by allocators when no frames or objects
	// are available to satisfy a request. It is never retried internally.
	ErrMemoryAlloc = &Error{Module: "mm", Message: "out of memory"}

	// ErrInvalidParam is returned when a caller passes an argument that
	// can never be satisfied (e.g. a zero-sized or oversized request).
	ErrInvalidParam = &Error{Module: "mm", Message: "invalid parameter value"}
)
