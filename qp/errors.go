package qp

import (
	"context"
	"errors"
	"fmt"

	"github.com/rocketbitz/hcaqp-go/hw"
	"github.com/rocketbitz/hcaqp-go/internal/handle"
)

// Code classifies every failure returned by the Manager.
type Code int32

const (
	InvalidParam Code = iota + 1
	InvalidQpNumber
	InvalidQpState
	InvalidMigrationState
	Busy
	Interrupted
	Unsupported
	ResourceExhausted
	Fatal
)

var codeNames = map[Code]string{
	InvalidParam:          "invalid parameter",
	InvalidQpNumber:       "invalid QP number",
	InvalidQpState:        "invalid QP state",
	InvalidMigrationState: "invalid migration state",
	Busy:                  "busy",
	Interrupted:           "interrupted",
	Unsupported:           "unsupported",
	ResourceExhausted:     "resources exhausted",
	Fatal:                 "fatal device error",
}

// ErrClosed indicates the manager has already been closed.
var ErrClosed = errors.New("qp: manager closed")

// Error returns the code description.
func (c Code) Error() string {
	if name, ok := codeNames[c]; ok {
		return "qp: " + name
	}
	return fmt.Sprintf("qp: code %d", int32(c))
}

// WithOp adds operation context to the code.
func (c Code) WithOp(op string) error {
	if op == "" {
		return c
	}
	return fmt.Errorf("%s: %w", op, c)
}

// Wrap attaches the code to an underlying collaborator error so that both
// errors.Is(err, code) and errors.Is(err, cause) hold.
func (c Code) Wrap(op string, cause error) error {
	if cause == nil {
		return c.WithOp(op)
	}
	if op == "" {
		return fmt.Errorf("%w: %w", c, cause)
	}
	return fmt.Errorf("%s: %w: %w", op, c, cause)
}

// CodeOf extracts the Code carried by err, or 0 when err has none.
func CodeOf(err error) Code {
	var code Code
	if errors.As(err, &code) {
		return code
	}
	return 0
}

// Retryable reports whether the caller may retry the operation unchanged.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case Busy, Interrupted:
		return true
	default:
		return false
	}
}

// codeFromStatus maps a command interface status onto the manager taxonomy.
func codeFromStatus(status hw.Status) Code {
	switch status {
	case hw.StatusBadParam, hw.StatusBadSegParam, hw.StatusBadSize, hw.StatusBadIndex:
		return InvalidParam
	case hw.StatusBadQPState, hw.StatusBadResState:
		return InvalidQpState
	case hw.StatusBadMigState:
		return InvalidMigrationState
	case hw.StatusResourceBusy, hw.StatusRegBound:
		return Busy
	case hw.StatusInterrupted:
		return Interrupted
	case hw.StatusNotSupported, hw.StatusBadOp:
		return Unsupported
	case hw.StatusExceedLimit, hw.StatusNoMemory, hw.StatusBadResource:
		return ResourceExhausted
	default:
		return Fatal
	}
}

// classify converts a collaborator error into a coded error. Errors that
// already carry a Code are returned unchanged.
func classify(op string, err error, fallback Code) error {
	if err == nil {
		return nil
	}
	if CodeOf(err) != 0 {
		return err
	}
	var status hw.Status
	switch {
	case errors.As(err, &status):
		return codeFromStatus(status).Wrap(op, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return Interrupted.Wrap(op, err)
	case errors.Is(err, handle.ErrFull):
		return ResourceExhausted.Wrap(op, err)
	case errors.Is(err, handle.ErrBusy):
		return Busy.Wrap(op, err)
	case errors.Is(err, handle.ErrNotFound):
		return InvalidQpNumber.Wrap(op, err)
	}
	var stale handle.ErrStale
	if errors.As(err, &stale) {
		return InvalidQpNumber.Wrap(op, err)
	}
	return fallback.Wrap(op, err)
}
