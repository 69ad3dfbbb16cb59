package push

import (
	"fmt"
)

// Error is a categorized push error. Two errors match under errors.Is when
// their codes are equal, so callers compare against the sentinels below.
type Error struct {
	Code    string
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches on code only.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// Error codes.
const (
	ErrCodeValidation          = "VALIDATION_ERROR"
	ErrCodeNotFound            = "NOT_FOUND"
	ErrCodeDuplicate           = "DUPLICATE"
	ErrCodeUnsupportedPlatform = "UNSUPPORTED_PLATFORM"
	ErrCodeQueueFull           = "QUEUE_FULL"
	ErrCodeConfiguration       = "CONFIGURATION_ERROR"
	ErrCodePayloadTooBig       = "PAYLOAD_TOO_BIG"
	ErrCodeDatabase            = "DATABASE_ERROR"
)

var (
	ErrValidation          = &Error{Code: ErrCodeValidation, Message: "validation failed"}
	ErrNotFound            = &Error{Code: ErrCodeNotFound, Message: "not found"}
	ErrDuplicate           = &Error{Code: ErrCodeDuplicate, Message: "duplicate message id"}
	ErrUnsupportedPlatform = &Error{Code: ErrCodeUnsupportedPlatform, Message: "unsupported platform"}
	ErrQueueFull           = &Error{Code: ErrCodeQueueFull, Message: "message queue is full"}
	ErrConfiguration       = &Error{Code: ErrCodeConfiguration, Message: "credential missing or invalid"}
	ErrPayloadTooBig       = &Error{Code: ErrCodePayloadTooBig, Message: "payload too big"}
	ErrDatabase            = &Error{Code: ErrCodeDatabase, Message: "database error"}
)

// NewError creates an Error with the given code and message.
func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// NewErrorWithCause creates an Error wrapping cause.
func NewErrorWithCause(code, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Err: cause}
}
