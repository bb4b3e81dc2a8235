package protocol

// Error codes carried in ErrorShape.Code.
const (
	ErrInvalidRequest     = "INVALID_REQUEST"
	ErrUnavailable        = "UNAVAILABLE"
	ErrNotPaired          = "NOT_PAIRED"
	ErrUnauthorized       = "UNAUTHORIZED"
	ErrNotFound           = "NOT_FOUND"
	ErrAlreadyExists      = "ALREADY_EXISTS"
	ErrResourceExhausted  = "RESOURCE_EXHAUSTED"
	ErrFailedPrecondition = "FAILED_PRECONDITION"
	ErrTimeout            = "TIMEOUT"
	ErrInternal           = "INTERNAL"
)
