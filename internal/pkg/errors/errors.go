// Package errors provides the coded error type shared by the worker stages.
// Every failure that reaches a caller carries a Code so it can be mapped
// to an invocation response or an HTTP status without string matching.
package errors

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
)

// Code categorizes a failure.
type Code string

const (
	CodeInternal               Code = "INTERNAL_ERROR"
	CodeValidation             Code = "VALIDATION_ERROR"
	CodeConfig                 Code = "CONFIG_ERROR"
	CodeNotFound               Code = "NOT_FOUND"
	CodeTimeout                Code = "TIMEOUT"
	CodeUnavailable            Code = "UNAVAILABLE"
	CodeTransport              Code = "TRANSPORT_ERROR"
	CodeExecution              Code = "EXECUTION_ERROR"
	CodeUnclassified           Code = "UNCLASSIFIED_FAILURE"
	CodeCredentialsUnavailable Code = "STORAGE_CREDENTIALS_UNAVAILABLE"
	CodeTransferFailed         Code = "STORAGE_TRANSFER_FAILED"
)

// Error is a failure with a code, the failing operation and optional fields.
type Error struct {
	Code    Code
	Message string
	// Op names the failing operation, e.g. "orchestrator.submit".
	Op     string
	Err    error
	Fields map[string]any
	Stack  []Frame
}

// Frame is one captured stack frame.
type Frame struct {
	File     string `json:"file"`
	Line     int    `json:"line"`
	Function string `json:"function"`
}

func (e *Error) Error() string {
	var b strings.Builder

	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	if e.Code != "" {
		b.WriteString("[")
		b.WriteString(string(e.Code))
		b.WriteString("] ")
	}
	b.WriteString(e.Message)
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same code.
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return e.Code == t.Code
	}
	return false
}

// WithField attaches a single context field.
func (e *Error) WithField(key string, value any) *Error {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// HTTPStatus maps the code to a response status for the HTTP surface.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeValidation:
		return 400
	case CodeNotFound:
		return 404
	case CodeTimeout:
		return 504
	case CodeUnavailable:
		return 503
	case CodeTransport, CodeTransferFailed:
		return 502
	case CodeExecution, CodeUnclassified:
		return 422
	default:
		return 500
	}
}

// Retriable reports whether a failure with code c may succeed when tried
// again. Credential and validation failures never do.
func (c Code) Retriable() bool {
	switch c {
	case CodeTransport, CodeTransferFailed, CodeTimeout, CodeUnavailable:
		return true
	default:
		return false
	}
}

// Retriable reports whether a caller may reasonably try again.
func (e *Error) Retriable() bool {
	return e.Code.Retriable()
}

// StackTrace formats the captured frames, one per line.
func (e *Error) StackTrace() string {
	if len(e.Stack) == 0 {
		return ""
	}
	var b strings.Builder
	for _, f := range e.Stack {
		fmt.Fprintf(&b, "  %s:%d %s\n", f.File, f.Line, f.Function)
	}
	return b.String()
}

func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message, Stack: captureStack(2)}
}

func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Stack: captureStack(2)}
}

// Wrap adds an operation and message to err. The code of an existing
// *Error is preserved; anything else becomes CodeInternal.
func Wrap(err error, op string, message string) *Error {
	if err == nil {
		return nil
	}
	code := CodeInternal
	var fields map[string]any
	var e *Error
	if errors.As(err, &e) {
		code = e.Code
		fields = e.Fields
	}
	return &Error{
		Code:    code,
		Message: message,
		Op:      op,
		Err:     err,
		Fields:  fields,
		Stack:   captureStack(2),
	}
}

// WrapWithCode wraps err and forces code.
func WrapWithCode(err error, code Code, op string, message string) *Error {
	if err == nil {
		return nil
	}
	return &Error{
		Code:    code,
		Message: message,
		Op:      op,
		Err:     err,
		Stack:   captureStack(2),
	}
}

func Validation(message string) *Error {
	return New(CodeValidation, message)
}

func ValidationField(field string, message string) *Error {
	return New(CodeValidation, message).WithField("field", field)
}

func Configf(format string, args ...any) *Error {
	return Newf(CodeConfig, format, args...)
}

func NotFound(resource string, id string) *Error {
	return New(CodeNotFound, fmt.Sprintf("%s not found: %s", resource, id)).
		WithField("resource", resource).
		WithField("id", id)
}

func Unavailable(service string) *Error {
	return New(CodeUnavailable, fmt.Sprintf("service unavailable: %s", service)).
		WithField("service", service)
}

// GetCode returns the code of the first *Error in the chain, or CodeInternal.
func GetCode(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

func GetHTTPStatus(err error) int {
	var e *Error
	if errors.As(err, &e) {
		return e.HTTPStatus()
	}
	return 500
}

func GetFields(err error) map[string]any {
	var e *Error
	if errors.As(err, &e) && e.Fields != nil {
		return e.Fields
	}
	return nil
}

func IsCode(err error, code Code) bool {
	return GetCode(err) == code
}

func IsValidation(err error) bool {
	return IsCode(err, CodeValidation)
}

func captureStack(skip int) []Frame {
	const maxDepth = 32
	var pcs [maxDepth]uintptr
	n := runtime.Callers(skip+1, pcs[:])

	frames := make([]Frame, 0, n)
	callersFrames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := callersFrames.Next()
		if strings.Contains(frame.File, "runtime/") {
			if !more {
				break
			}
			continue
		}
		frames = append(frames, Frame{
			File:     frame.File,
			Line:     frame.Line,
			Function: frame.Function,
		})
		if !more || len(frames) >= 10 {
			break
		}
	}
	return frames
}

// As is errors.As, re-exported so callers need a single import.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// Is is errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}
