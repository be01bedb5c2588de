package errorx

type ErrorType string

// Error types mirror the gRPC status codes used by the NuageMQ service:
// https://chromium.googlesource.com/external/github.com/grpc/grpc/+/refs/tags/v1.21.4-pre1/doc/statuscodes.md
const (
	// ErrorTypeUnspecified should not be used, only useful to assert whether or not an error is an Error during cast
	ErrorTypeUnspecified        = ErrorType("")
	ErrorTypeAlreadyExists      = ErrorType("ALREADY_EXISTS")
	ErrorTypeDeadlineExceeded   = ErrorType("DEADLINE_EXCEEDED")
	ErrorTypeFailedPrecondition = ErrorType("FAILED_PRECONDITION")
	ErrorTypeInternal           = ErrorType("INTERNAL")
	ErrorTypeInvalidArgument    = ErrorType("INVALID_ARGUMENT")
	ErrorTypeNotFound           = ErrorType("NOT_FOUND")
	ErrorTypePermissionDenied   = ErrorType("PERMISSION_DENIED")
	ErrorTypeResourceExhausted  = ErrorType("RESOURCE_EXHAUSTED")
	ErrorTypeUnauthenticated    = ErrorType("UNAUTHENTICATED")
	ErrorTypeUnavailable        = ErrorType("UNAVAILABLE")
	ErrorTypeUnimplemented      = ErrorType("UNIMPLEMENTED")
)

func ParseErrorType(s string) (ErrorType, error) {
	e := ErrorType(s)
	if err := e.Validate(); err != nil {
		return ErrorTypeUnspecified, err
	}

	return e, nil
}

func (e ErrorType) String() string {
	return string(e)
}

func (e ErrorType) Validate() error {
	switch e {
	case ErrorTypeAlreadyExists,
		ErrorTypeDeadlineExceeded,
		ErrorTypeFailedPrecondition,
		ErrorTypeInternal,
		ErrorTypeInvalidArgument,
		ErrorTypeNotFound,
		ErrorTypePermissionDenied,
		ErrorTypeResourceExhausted,
		ErrorTypeUnauthenticated,
		ErrorTypeUnavailable,
		ErrorTypeUnimplemented:
		return nil
	default:
		return InvalidArgumentErrorf("invalid error type: %s", e)
	}
}
