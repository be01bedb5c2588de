package errorx

import (
	"fmt"
	"regexp"

	"github.com/pkg/errors"
)

type Error struct {
	Type    ErrorType `json:"type"`
	Message string    `json:"message"`

	OriginalError error // Not returned to clients
}

var _ error = (*Error)(nil)

func (e Error) Error() string {
	return fmt.Sprintf("[%s] %s", e.Type.String(), e.Message)
}

func (e Error) Unwrap() error {
	return e.OriginalError
}

func NewErrorFromMessage(msg string) (*Error, error) {
	r, _ := regexp.Compile(`\[(.*?)\] (.*)`)
	m := r.FindStringSubmatch(msg)
	if m == nil || len(m) < 2 {
		return nil, fmt.Errorf("%q is not a valid error type", msg)
	}

	eT, err := ParseErrorType(m[1])
	if err != nil {
		return nil, err
	}

	if len(m) >= 3 {
		msg = m[2]
	}

	return &Error{
		Type:    eT,
		Message: msg,
	}, nil
}

func IsError(e error) (*Error, bool) {
	e = errors.Cause(e)
	mE, ok := e.(Error)
	if !ok {
		return nil, false
	}

	if mE.Type == ErrorTypeUnspecified {
		return nil, false
	}

	return &mE, true
}

func isType(e error, t ErrorType) bool {
	mE, ok := IsError(e)
	if !ok {
		return false
	}

	return mE.Type == t
}

func IsAlreadyExistsError(e error) bool {
	return isType(e, ErrorTypeAlreadyExists)
}

func IsDeadlineExceededError(e error) bool {
	return isType(e, ErrorTypeDeadlineExceeded)
}

func IsFailedPreconditionError(e error) bool {
	return isType(e, ErrorTypeFailedPrecondition)
}

func IsInternalError(e error) bool {
	return isType(e, ErrorTypeInternal)
}

func IsInvalidArgumentError(e error) bool {
	return isType(e, ErrorTypeInvalidArgument)
}

func IsNotFoundError(e error) bool {
	return isType(e, ErrorTypeNotFound)
}

func IsPermissionDeniedError(e error) bool {
	return isType(e, ErrorTypePermissionDenied)
}

func IsResourceExhaustedError(e error) bool {
	return isType(e, ErrorTypeResourceExhausted)
}

func IsUnauthenticatedError(e error) bool {
	return isType(e, ErrorTypeUnauthenticated)
}

func IsUnavailableError(e error) bool {
	return isType(e, ErrorTypeUnavailable)
}

func IsUnimplementedError(e error) bool {
	return isType(e, ErrorTypeUnimplemented)
}

// AlreadyExistsErrorf creates an Error with type ErrorTypeAlreadyExists and a formatted message
func AlreadyExistsErrorf(format string, args ...interface{}) Error {
	return Error{
		Type:    ErrorTypeAlreadyExists,
		Message: fmt.Sprintf(format, args...),
	}
}

// DeadlineExceededErrorf creates an Error with type ErrorTypeDeadlineExceeded and a formatted message
func DeadlineExceededErrorf(format string, args ...interface{}) Error {
	return Error{
		Type:    ErrorTypeDeadlineExceeded,
		Message: fmt.Sprintf(format, args...),
	}
}

// FailedPreconditionErrorf creates an Error with type ErrorTypeFailedPrecondition and a formatted message
func FailedPreconditionErrorf(format string, args ...interface{}) Error {
	return Error{
		Type:    ErrorTypeFailedPrecondition,
		Message: fmt.Sprintf(format, args...),
	}
}

// InternalErrorf creates an Error with type ErrorTypeInternal and a formatted message
func InternalErrorf(format string, args ...interface{}) Error {
	return Error{
		Type:    ErrorTypeInternal,
		Message: fmt.Sprintf(format, args...),
	}
}

// InvalidArgumentErrorf creates an Error with type ErrorTypeInvalidArgument and a formatted message
func InvalidArgumentErrorf(format string, args ...interface{}) Error {
	return Error{
		Type:    ErrorTypeInvalidArgument,
		Message: fmt.Sprintf(format, args...),
	}
}

// NotFoundErrorf creates an Error with type ErrorTypeNotFound and a formatted message
func NotFoundErrorf(format string, args ...interface{}) Error {
	return Error{
		Type:    ErrorTypeNotFound,
		Message: fmt.Sprintf(format, args...),
	}
}

// PermissionDeniedErrorf creates an Error with type ErrorTypePermissionDenied and a formatted message
func PermissionDeniedErrorf(format string, args ...interface{}) Error {
	return Error{
		Type:    ErrorTypePermissionDenied,
		Message: fmt.Sprintf(format, args...),
	}
}

// ResourceExhaustedErrorf creates an Error with type ErrorTypeResourceExhausted and a formatted message
func ResourceExhaustedErrorf(format string, args ...interface{}) Error {
	return Error{
		Type:    ErrorTypeResourceExhausted,
		Message: fmt.Sprintf(format, args...),
	}
}

// UnauthenticatedErrorf creates an Error with type ErrorTypeUnauthenticated and a formatted message
func UnauthenticatedErrorf(format string, args ...interface{}) Error {
	return Error{
		Type:    ErrorTypeUnauthenticated,
		Message: fmt.Sprintf(format, args...),
	}
}

// UnavailableErrorf creates an Error with type ErrorTypeUnavailable and a formatted message
func UnavailableErrorf(format string, args ...interface{}) Error {
	return Error{
		Type:    ErrorTypeUnavailable,
		Message: fmt.Sprintf(format, args...),
	}
}

// UnimplementedErrorf creates an Error with type ErrorTypeUnimplemented and a formatted message
func UnimplementedErrorf(format string, args ...interface{}) Error {
	return Error{
		Type:    ErrorTypeUnimplemented,
		Message: fmt.Sprintf(format, args...),
	}
}
