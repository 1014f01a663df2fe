package taskerr

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os/exec"
	"strings"
	"syscall"
)

// Kind classifies a task failure into the fixed taxonomy used across
// executors, the runner and the HTTP surface.
type Kind string

const (
	KindInputValidation Kind = "input_validation"
	KindResourceLimit   Kind = "resource_limit"
	KindProcessing      Kind = "processing"
	KindFFmpeg          Kind = "ffmpeg_error"
	KindTimeout         Kind = "timeout"
	KindFileSystem      Kind = "filesystem"
	KindNetwork         Kind = "network"
	KindCancelled       Kind = "cancelled"
	KindUnknown         Kind = "unknown"
)

// TaskError is the typed error carried by failed tasks.
type TaskError struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *TaskError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	if e.Err != nil {
		return e.Err.Error()
	}
	return string(e.Kind)
}

func (e *TaskError) Unwrap() error {
	return e.Err
}

// Recoverable reports whether a retry of the same request could succeed
// without operator intervention.
func (e *TaskError) Recoverable() bool {
	switch e.Kind {
	case KindResourceLimit, KindNetwork:
		return true
	case KindFileSystem:
		// Transient FS conditions (ENOSPC cleared by the janitor, busy
		// files) are worth retrying; permission problems are not.
		msg := strings.ToLower(e.Error())
		return !strings.Contains(msg, "permission denied")
	default:
		return false
	}
}

// New builds a TaskError of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an underlying error.
func Wrap(kind Kind, err error, format string, args ...any) *TaskError {
	return &TaskError{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Classify maps an arbitrary error onto the taxonomy. Errors already carrying
// a TaskError pass through unchanged.
func Classify(err error) *TaskError {
	if err == nil {
		return nil
	}

	var te *TaskError
	if errors.As(err, &te) {
		return te
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &TaskError{Kind: KindTimeout, Message: "operation timed out", Err: err}
	case errors.Is(err, context.Canceled):
		return &TaskError{Kind: KindCancelled, Message: "operation cancelled", Err: err}
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return &TaskError{Kind: KindFFmpeg, Message: err.Error(), Err: err}
	}

	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		return &TaskError{Kind: KindFileSystem, Message: err.Error(), Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &TaskError{Kind: KindNetwork, Message: err.Error(), Err: err}
	}

	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case syscall.ECONNREFUSED, syscall.ECONNRESET, syscall.ETIMEDOUT, syscall.EHOSTUNREACH:
			return &TaskError{Kind: KindNetwork, Message: err.Error(), Err: err}
		case syscall.ENOSPC, syscall.EACCES, syscall.ENOENT, syscall.EMFILE:
			return &TaskError{Kind: KindFileSystem, Message: err.Error(), Err: err}
		}
	}

	return &TaskError{Kind: KindUnknown, Message: err.Error(), Err: err}
}

// KindOf returns the classified kind of err, or KindUnknown.
func KindOf(err error) Kind {
	if te := Classify(err); te != nil {
		return te.Kind
	}
	return KindUnknown
}

// IsKind reports whether err classifies to the given kind.
func IsKind(err error, kind Kind) bool {
	return err != nil && Classify(err).Kind == kind
}
