package errutil

import (
	"fmt"
	"log/slog"
)

// LogMsg logs the error as a warning with a custom message if it is not nil.
func LogMsg(err error, msg string, args ...any) {
	if err != nil {
		slog.Warn(msg, withError(err, args)...)
	}
}

// ReportError logs an unexpected error.
// Every unexpected failure in the CLI and the diagnostics server goes through here.
func ReportError(err error, msg string, args ...any) {
	if err != nil {
		slog.Error(msg, withError(err, args)...)
	}
}

// Recover contains a panic and reports it. It must be deferred directly:
//
//	defer errutil.Recover("Sweep failed", "key", key)
func Recover(msg string, args ...any) {
	if r := recover(); r != nil {
		ReportError(fmt.Errorf("panic: %v", r), msg, args...)
	}
}

func withError(err error, args []any) []any {
	return append([]any{"error", err}, args...)
}
