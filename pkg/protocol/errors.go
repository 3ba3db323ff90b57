package protocol

// Typed error codes returned in res.error.code.
const (
	ErrUnauthorized    = "UNAUTHORIZED"
	ErrUnknownMethod   = "UNKNOWN_METHOD"
	ErrInvalidRequest  = "INVALID_REQUEST"
	ErrVersionMismatch = "VERSION_MISMATCH"
	ErrNotFound        = "NOT_FOUND"
	ErrConflict        = "CONFLICT"
	ErrAlreadyResolved = "ALREADY_RESOLVED"
	ErrExecDenied      = "EXEC_DENIED"
	ErrTimeout         = "TIMEOUT"
	ErrInternal        = "INTERNAL"
)
