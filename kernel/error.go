package kernel

// Error describes a kernel error. All kernel errors are defined as global
// variables that are pointers to the Error structure so callers can compare
// them by identity. The memory subsystem runs before any allocator is
// available so it cannot rely on errors.New.
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

// String returns the error message prefixed by the module that reported it.
func (e *Error) String() string {
	return "[" + e.Module + "] " + e.Message
}
