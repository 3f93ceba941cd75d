// Package engineerr defines the engine's error taxonomy. Every fault surfaced
// by the runner or backtest driver is classified into one of these classes so
// callers can decide between aborting, retrying, or recording and moving on.
package engineerr

import (
	"errors"
	"fmt"

	"strategy-engine/pkg/exchanges/common"
)

// Class sentinels. Match with errors.Is.
var (
	ErrConfiguration          = errors.New("configuration error")
	ErrTransientGateway       = errors.New("transient gateway error")
	ErrTerminalGateway        = errors.New("terminal gateway error")
	ErrReconciliationConflict = errors.New("reconciliation conflict")
	ErrLeaseLost              = errors.New("lease lost")
)

// Error carries the class, the failing operation and the cause.
type Error struct {
	Class error
	Op    string
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %v", e.Op, e.Class)
	}
	return fmt.Sprintf("%s: %v: %v", e.Op, e.Class, e.Err)
}

// Unwrap exposes both the class and the cause to errors.Is/As.
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Class}
	}
	return []error{e.Class, e.Err}
}

// New wraps err with a class and operation name.
func New(class error, op string, err error) *Error {
	return &Error{Class: class, Op: op, Err: err}
}

// Configuration is shorthand for a ConfigurationError.
func Configuration(op string, err error) *Error { return New(ErrConfiguration, op, err) }

// Conflict is shorthand for a ReconciliationConflict.
func Conflict(op string, format string, args ...any) *Error {
	return New(ErrReconciliationConflict, op, fmt.Errorf(format, args...))
}

// ClassifyGateway maps gateway errors onto transient or terminal classes.
// Network and rate-limit failures are transient; anything else is terminal.
func ClassifyGateway(op string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if common.IsRetryable(err) {
		return New(ErrTransientGateway, op, err)
	}
	return New(ErrTerminalGateway, op, err)
}

// ClassName returns a short label for logs and metrics.
func ClassName(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConfiguration):
		return "configuration"
	case errors.Is(err, ErrTransientGateway):
		return "transient_gateway"
	case errors.Is(err, ErrTerminalGateway):
		return "terminal_gateway"
	case errors.Is(err, ErrReconciliationConflict):
		return "reconciliation_conflict"
	case errors.Is(err, ErrLeaseLost):
		return "lease_lost"
	default:
		return "internal"
	}
}
