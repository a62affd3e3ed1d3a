package core

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code is the negative exit code reported for a failed launch. The values
// are part of the launcher's external contract and never change.
type Code int32

const (
	CodeSuccess            Code = 0
	CodeUnknown            Code = -10000
	CodeMachineUnsupported Code = -10001
	CodeMultipleInstances  Code = -10002
	CodeFileNotFound       Code = -10003
	CodeInvalidImage       Code = -10004
	CodeProcessCreate      Code = -10005
	CodeModuleNotFound     Code = -10006
	CodeMemoryAlloc        Code = -10007
	CodeConnectionLost     Code = -10008
	CodeQueryProcess       Code = -10009
	CodeTimeout            Code = -10010
)

var messages = map[Code]string{
	CodeUnknown:            "an unknown error occurred",
	CodeMachineUnsupported: "the target image was built for an unsupported machine type",
	CodeMultipleInstances:  "another launcher instance is already running",
	CodeFileNotFound:       "could not find or open the specified file",
	CodeInvalidImage:       "the specified file is not a valid executable image",
	CodeProcessCreate:      "could not create the target process",
	CodeModuleNotFound:     "could not find the locale agent module",
	CodeMemoryAlloc:        "could not allocate memory in the target process",
	CodeConnectionLost:     "lost the connection to the target process",
	CodeQueryProcess:       "could not query the target process",
	CodeTimeout:            "the target process did not respond in time",
}

// Message is the user facing text for a code.
func (c Code) Message() string {
	if m, ok := messages[c]; ok {
		return m
	}
	return messages[CodeUnknown]
}

func (c Code) String() string {
	return fmt.Sprintf("%d (%s)", int32(c), c.Message())
}

// Error carries a Code together with the underlying cause.
type Error struct {
	Code  Code
	cause error
}

func (self *Error) Error() string {
	if self.cause == nil {
		return self.Code.Message()
	}
	return fmt.Sprintf("%s: %v", self.Code.Message(), self.cause)
}

func (self *Error) Cause() error { return self.cause }

func (self *Error) Unwrap() error { return self.cause }

// Is matches any *Error carrying the same code, so the sentinels below work
// with errors.Is regardless of the wrapped cause.
func (self *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == self.Code
}

var (
	ErrUnknown            = &Error{Code: CodeUnknown}
	ErrMachineUnsupported = &Error{Code: CodeMachineUnsupported}
	ErrMultipleInstances  = &Error{Code: CodeMultipleInstances}
	ErrFileNotFound       = &Error{Code: CodeFileNotFound}
	ErrInvalidImage       = &Error{Code: CodeInvalidImage}
	ErrProcessCreate      = &Error{Code: CodeProcessCreate}
	ErrModuleNotFound     = &Error{Code: CodeModuleNotFound}
	ErrMemoryAlloc        = &Error{Code: CodeMemoryAlloc}
	ErrConnectionLost     = &Error{Code: CodeConnectionLost}
	ErrQueryProcess       = &Error{Code: CodeQueryProcess}
	ErrTimeout            = &Error{Code: CodeTimeout}
)

// Fail attaches code to cause. A nil cause yields a bare coded error.
func Fail(code Code, cause error) error {
	return &Error{Code: code, cause: cause}
}

// Failf is Fail with a formatted cause.
func Failf(code Code, format string, args ...interface{}) error {
	return &Error{Code: code, cause: errors.Errorf(format, args...)}
}

// CodeOf maps err to its exit code. Errors that never passed through Fail
// report CodeUnknown.
func CodeOf(err error) Code {
	if err == nil {
		return CodeSuccess
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeUnknown
}
