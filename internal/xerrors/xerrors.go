// Package xerrors adds call-site information to errors so the logger can
// report where a failure started without every caller formatting stacks.
//
// New and Newf capture a full stack. Wrap and Wrapf capture only the single
// frame that wrapped, which is enough to rebuild the chain in error_links.
package xerrors

import (
	"errors"
	"fmt"
	"runtime"
)

const maxStackDepth = 64

// stacked carries the program counters captured when the error was created.
type stacked struct {
	cause error
	pcs   []uintptr
}

func (s *stacked) Error() string       { return s.cause.Error() }
func (s *stacked) Unwrap() error       { return s.cause }
func (s *stacked) StackPCs() []uintptr { return s.pcs }
func (s *stacked) IsXerrorsWrapper()   {}

// annotated prefixes an error with context and remembers the wrapping frame.
type annotated struct {
	cause error
	msg   string
	pc    uintptr
}

func (a *annotated) Error() string     { return a.msg + ": " + a.cause.Error() }
func (a *annotated) Unwrap() error     { return a.cause }
func (a *annotated) PC() uintptr       { return a.pc }
func (a *annotated) IsXerrorsWrapper() {}

// skip counts frames above the caller of the exported function
func stackAt(skip int) []uintptr {
	pcs := make([]uintptr, maxStackDepth)
	n := runtime.Callers(3+skip, pcs)
	return pcs[:n]
}

func pcAt(skip int) uintptr {
	var pcs [1]uintptr
	if runtime.Callers(3+skip, pcs[:]) == 0 {
		return 0
	}
	return pcs[0]
}

// New returns an error with msg and the caller's stack.
func New(msg string) error {
	return &stacked{cause: errors.New(msg), pcs: stackAt(0)}
}

// Newf is New with fmt formatting. %w is honoured.
func Newf(format string, args ...any) error {
	return &stacked{cause: fmt.Errorf(format, args...), pcs: stackAt(0)}
}

// WithStack attaches the caller's stack to err. nil stays nil.
func WithStack(err error) error {
	if err == nil {
		return nil
	}
	return &stacked{cause: err, pcs: stackAt(0)}
}

// EnsureTrace is WithStack unless something in the chain already carries a stack.
func EnsureTrace(err error) error {
	if err == nil {
		return nil
	}
	if HasStack(err) {
		return err
	}
	return &stacked{cause: err, pcs: stackAt(0)}
}

// HasStack reports whether any error in the chain carries a captured stack.
func HasStack(err error) bool {
	var hs interface{ StackPCs() []uintptr }
	return errors.As(err, &hs) && len(hs.StackPCs()) > 0
}

// Wrap prefixes err with msg. nil stays nil.
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	return &annotated{cause: err, msg: msg, pc: pcAt(0)}
}

// Wrapf is Wrap with fmt formatting of the prefix.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return &annotated{cause: err, msg: fmt.Sprintf(format, args...), pc: pcAt(0)}
}
