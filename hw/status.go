package hw

import (
	"fmt"
	"strconv"
)

// Status is the completion status reported by the HCA command interface
// (positive integral value, 0 on success).
type Status int32

// Completion statuses surfaced by the command interface. The list covers the
// values the QP manager interprets; unknown values are treated as fatal.
const (
	StatusOK Status = iota
	StatusInternalErr
	StatusBadOp
	StatusBadParam
	StatusBadSysState
	StatusBadResource
	StatusResourceBusy
	StatusExceedLimit
	StatusBadResState
	StatusBadIndex
	StatusBadQPState
	StatusBadSegParam
	StatusRegBound
	StatusBadSize
	StatusBadMigState
	StatusNoMemory
	StatusInterrupted
	StatusNotSupported
	StatusFatal
)

var statusNames = map[Status]string{
	StatusOK:           "success",
	StatusInternalErr:  "internal error",
	StatusBadOp:        "bad opcode",
	StatusBadParam:     "bad parameter",
	StatusBadSysState:  "bad system state",
	StatusBadResource:  "bad resource",
	StatusResourceBusy: "resource busy",
	StatusExceedLimit:  "limit exceeded",
	StatusBadResState:  "bad resource state",
	StatusBadIndex:     "bad index",
	StatusBadQPState:   "bad QP state",
	StatusBadSegParam:  "bad segment parameter",
	StatusRegBound:     "memory region still bound",
	StatusBadSize:      "bad size",
	StatusBadMigState:  "bad migration state",
	StatusNoMemory:     "out of memory",
	StatusInterrupted:  "command interrupted",
	StatusNotSupported: "not supported",
	StatusFatal:        "fatal device error",
}

// Error returns the human-readable status text.
func (s Status) Error() string {
	return s.String()
}

// String returns the status description.
func (s Status) String() string {
	if name, ok := statusNames[s]; ok {
		return name
	}
	return "status " + strconv.Itoa(int(s))
}

// WithOp adds command context to the provided Status.
func (s Status) WithOp(op string) error {
	if op == "" {
		return s
	}
	return fmt.Errorf("%s: %w", op, s)
}

// ErrorFromStatus converts a raw command status into a Go error. Zero is
// success; any other value is returned wrapped with the command name.
func ErrorFromStatus(status int, op string) error {
	if status == int(StatusOK) {
		return nil
	}
	return Status(status).WithOp(op)
}
