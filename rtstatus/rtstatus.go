// Package rtstatus classifies errors from the real-time interprocess
// primitives by kind, using gRPC status codes as the shared taxonomy.
//
// All packages in this module report errors through these constructors and
// propagate the kind of a dependency's error unchanged. Callers branch on
// the kind via Code or the Is* predicates, never on message text.
package rtstatus

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Error is a kind-classified error. It implements GRPCStatus so the kind
// survives a trip through gRPC transport boundaries elsewhere in the system.
type Error struct {
	code codes.Code
	msg  string
}

func (e *Error) Error() string { return e.msg }

// GRPCStatus makes status.FromError recognize the classification.
func (e *Error) GRPCStatus() *status.Status { return status.New(e.code, e.msg) }

// New returns an error of the given kind.
func New(code codes.Code, msg string) error {
	return &Error{code: code, msg: msg}
}

// Newf returns an error of the given kind with a formatted message.
func Newf(code codes.Code, format string, args ...any) error {
	return &Error{code: code, msg: fmt.Sprintf(format, args...)}
}

// Wrap annotates err with msg while keeping its kind discoverable by Code.
// Wrapping nil returns nil.
func Wrap(err error, msg string) error {
	return pkgerrors.Wrap(err, msg)
}

// Wrapf is like Wrap with a format string.
func Wrapf(err error, format string, args ...any) error {
	return pkgerrors.Wrapf(err, format, args...)
}

// Code returns the kind of err, unwrapping as needed. A nil error is OK;
// an unclassified error is Unknown.
func Code(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return codes.Unknown
}

func DeadlineExceededError(msg string) error {
	return New(codes.DeadlineExceeded, msg)
}

func DeadlineExceededErrorf(format string, args ...any) error {
	return Newf(codes.DeadlineExceeded, format, args...)
}

func AbortedError(msg string) error {
	return New(codes.Aborted, msg)
}

func FailedPreconditionError(msg string) error {
	return New(codes.FailedPrecondition, msg)
}

func FailedPreconditionErrorf(format string, args ...any) error {
	return Newf(codes.FailedPrecondition, format, args...)
}

func InternalError(msg string) error {
	return New(codes.Internal, msg)
}

func InternalErrorf(format string, args ...any) error {
	return Newf(codes.Internal, format, args...)
}

func NotFoundErrorf(format string, args ...any) error {
	return Newf(codes.NotFound, format, args...)
}

func InvalidArgumentErrorf(format string, args ...any) error {
	return Newf(codes.InvalidArgument, format, args...)
}

func AlreadyExistsErrorf(format string, args ...any) error {
	return Newf(codes.AlreadyExists, format, args...)
}

func IsDeadlineExceeded(err error) bool { return Code(err) == codes.DeadlineExceeded }

func IsAborted(err error) bool { return Code(err) == codes.Aborted }

func IsFailedPrecondition(err error) bool { return Code(err) == codes.FailedPrecondition }

func IsInternal(err error) bool { return Code(err) == codes.Internal }

func IsNotFound(err error) bool { return Code(err) == codes.NotFound }
