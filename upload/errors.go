package upload

import (
	"errors"
	"fmt"
)

// Validation codes returned by manager operations and mirrored as Error
// events.
const (
	CodeDuplicateFile    = 110
	CodeUnacceptableType = 111
	CodeFileLocked       = 112
)

// Error is the coded error the engine raises and emits. Data carries
// whatever context the failure site has, typically the file's metadata.
type Error struct {
	Code    int
	Message string
	Data    any
}

func (e *Error) Error() string {
	return fmt.Sprintf("polyv upload: [%d] %s", e.Code, e.Message)
}

func newError(code int, message string, data any) *Error {
	return &Error{Code: code, Message: message, Data: data}
}

// asError coerces an arbitrary task failure into the event error shape,
// keeping an engine error's own code when there is one.
func asError(err error, data any) *Error {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr
	}
	return &Error{Message: err.Error(), Data: data}
}

// ErrCode extracts the engine code from err; 0 means err carries none.
func ErrCode(err error) int {
	var uerr *Error
	if errors.As(err, &uerr) {
		return uerr.Code
	}
	return 0
}

// IsDuplicateFile reports whether err rejects a file already tracked.
func IsDuplicateFile(err error) bool {
	return ErrCode(err) == CodeDuplicateFile
}

// IsUnacceptableType reports whether err rejects a file the configured type
// predicate refused.
func IsUnacceptableType(err error) bool {
	return ErrCode(err) == CodeUnacceptableType
}

// IsFileLocked reports whether err rejects a metadata edit on a file that
// already left the editable state.
func IsFileLocked(err error) bool {
	return ErrCode(err) == CodeFileLocked
}
