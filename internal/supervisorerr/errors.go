// Package supervisorerr defines the tagged error taxonomy of the supervisor
// core (spec §7). The orchestrator's public operations and the FSM return
// these kinds, checkable with errors.Is/errors.As; lower-level packages
// (control, procmgr, proxy, reload, command) return plain wrapped errors.
package supervisorerr

import (
	"errors"
	"fmt"
)

// Kind tags the class of failure so callers (and the control protocol's
// {ok:false,error} response) can distinguish them without string matching.
type Kind string

const (
	KindConfigError             Kind = "config_error"
	KindNotFound                Kind = "not_found"
	KindAlreadyExists           Kind = "already_exists"
	KindInvalidTransition       Kind = "invalid_transition"
	KindReadyTimeout            Kind = "ready_timeout"
	KindRestartBudgetExhausted  Kind = "restart_budget_exhausted"
	KindReloadFailed            Kind = "reload_failed"
	KindIoError                 Kind = "io_error"
	KindUnavailable             Kind = "unavailable"
)

// Error is the concrete type wrapping every sentinel kind above.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is lets errors.Is(err, &Error{Kind: KindNotFound}) style checks match by
// kind.
func (e *Error) Is(target error) bool {
	var o *Error
	if errors.As(target, &o) {
		return o.Kind == e.Kind
	}
	return false
}

func newf(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func wrapf(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

func ConfigError(format string, args ...interface{}) error {
	return newf(KindConfigError, format, args...)
}

func NotFound(format string, args ...interface{}) error {
	return newf(KindNotFound, format, args...)
}

func AlreadyExists(format string, args ...interface{}) error {
	return newf(KindAlreadyExists, format, args...)
}

func InvalidTransition(format string, args ...interface{}) error {
	return newf(KindInvalidTransition, format, args...)
}

func ReadyTimeout(format string, args ...interface{}) error {
	return newf(KindReadyTimeout, format, args...)
}

func RestartBudgetExhausted(format string, args ...interface{}) error {
	return newf(KindRestartBudgetExhausted, format, args...)
}

func ReloadFailed(format string, args ...interface{}) error {
	return newf(KindReloadFailed, format, args...)
}

func IoError(cause error, format string, args ...interface{}) error {
	return wrapf(KindIoError, cause, format, args...)
}

func Unavailable(format string, args ...interface{}) error {
	return newf(KindUnavailable, format, args...)
}

// KindOf extracts the Kind from err, or "" if err isn't one of ours.
func KindOf(err error) Kind {
	var o *Error
	if errors.As(err, &o) {
		return o.Kind
	}
	return ""
}
