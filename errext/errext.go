// Package errext contains extensions for normal Go errors that are used
// to attach extra information to them, e.g. hints for the user and the
// process exit code they should produce.
package errext

import (
	"errors"

	"github.com/runstage/runstage/errext/exitcodes"
)

// HasHint is an error with an attached user hint. Hints can be used to give
// extra human-readable information about the error, including suggestions on
// how the error can be fixed.
type HasHint interface {
	error
	Hint() string
}

// WithHint can attach a hint to the given error. If there is no error (i.e.
// the given error is nil), it won't do anything. If the error already had a
// hint, this new hint will wrap it like so: "new hint (old hint)".
func WithHint(err error, hint string) error {
	if err == nil {
		// No error, do nothing
		return nil
	}
	return withHint{err, hint}
}

type withHint struct {
	error
	hint string
}

func (wh withHint) Unwrap() error {
	return wh.error
}

func (wh withHint) Hint() string {
	hint := wh.hint
	var oldhint HasHint
	if errors.As(wh.error, &oldhint) {
		// The given error already had a hint, wrap it
		hint = hint + " (" + oldhint.Hint() + ")"
	}

	return hint
}

var _ HasHint = withHint{}

// HasExitCode is an error that has an attached exit code, i.e. the exit code
// the whole process should finish with if this error is the reason it aborts.
type HasExitCode interface {
	error
	ExitCode() exitcodes.ExitCode
}

// WithExitCodeIfNone can attach an exit code to the given error, if it doesn't
// have one already. It won't do anything if the error was nil.
func WithExitCodeIfNone(err error, exitCode exitcodes.ExitCode) error {
	if err == nil {
		// No error, do nothing
		return nil
	}
	var ecerr HasExitCode
	if errors.As(err, &ecerr) {
		// The given error already has an exit code, do nothing
		return err
	}
	return withExitCode{err, exitCode}
}

type withExitCode struct {
	error
	exitCode exitcodes.ExitCode
}

func (wh withExitCode) Unwrap() error {
	return wh.error
}

func (wh withExitCode) ExitCode() exitcodes.ExitCode {
	return wh.exitCode
}

var _ HasExitCode = withExitCode{}
