package loganalyzer

import (
	"errors"
	"fmt"
)

// Code is the stable identifier of an analyzer failure, surfaced to API clients
type Code string

const (
	CodeFileRead    Code = "FILE_READ_ERROR"
	CodeNoResult    Code = "NO_RESULT_FOUND"
	CodeNoAssistant Code = "NO_ASSISTANT_FOUND"
)

var (
	ErrFileRead    = errors.New("log file could not be read")
	ErrNoResult    = errors.New("no result line in log")
	ErrNoAssistant = errors.New("no assistant message in log")
)

var sentinels = map[Code]error{
	CodeFileRead:    ErrFileRead,
	CodeNoResult:    ErrNoResult,
	CodeNoAssistant: ErrNoAssistant,
}

// Error is returned by every analyzer operation. It matches the sentinel for
// its code with errors.Is and unwraps to the underlying cause, if any.
type Error struct {
	Code Code
	Path string
	Err  error
}

func (e *Error) Error() string {
	msg := sentinels[e.Code].Error()
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", msg, e.Path, e.Err)
	}
	return fmt.Sprintf("%s: %s", msg, e.Path)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	return sentinels[e.Code] == target
}

// CodeOf returns the analyzer code carried by err, or "" if there is none
func CodeOf(err error) Code {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return ""
}
