// internal/errors/mapper.go
package errors

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"gorm.io/gorm"
)

// Error kinds shared by every layer. Wrap them with fmt.Errorf("%w: ...") to add detail.
var (
	ErrUnauthenticated  = errors.New("unauthenticated")
	ErrForbidden        = errors.New("forbidden")
	ErrConflict         = errors.New("conflict")
	ErrStale            = errors.New("stale")
	ErrNotFound         = errors.New("not found")
	ErrRateLimited      = errors.New("rate limited")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrAlreadyHandled   = errors.New("already handled")
	ErrPhotoUnverified  = kind(ErrForbidden, "photo verification required")
	ErrNotParticipant   = kind(ErrForbidden, "not a participant")
	ErrActiveSession    = kind(ErrConflict, "active session exists")
	ErrDuplicatePending = kind(ErrConflict, "pending match exists")
)

// kindError is a named error that still matches its kind with errors.Is.
type kindError struct {
	kind error
	msg  string
}

func kind(k error, msg string) error { return &kindError{kind: k, msg: msg} }

func (e *kindError) Error() string { return e.msg }
func (e *kindError) Unwrap() error { return e.kind }

// Client-visible codes, used verbatim in signaling error frames.
const (
	CodeUnauthenticated = "UNAUTHENTICATED"
	CodeForbidden       = "FORBIDDEN"
	CodeConflict        = "CONFLICT"
	CodeAlreadyHandled  = "ALREADY_HANDLED"
	CodeNotFound        = "NOT_FOUND"
	CodeRateLimited     = "RATE_LIMITED"
	CodeInvalidArgument = "INVALID_ARGUMENT"
	CodeInternal        = "INTERNAL"
)

// Code classifies err into one of the client-visible codes.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, ErrForbidden):
		return CodeForbidden
	case errors.Is(err, ErrStale), errors.Is(err, ErrAlreadyHandled):
		return CodeAlreadyHandled
	case errors.Is(err, ErrConflict), errors.Is(err, gorm.ErrDuplicatedKey):
		return CodeConflict
	case errors.Is(err, ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return CodeNotFound
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case errors.Is(err, ErrInvalidArgument):
		return CodeInvalidArgument
	default:
		return CodeInternal
	}
}

// Map converts repo/infra errors into gRPC-friendly status errors.
// Keeps service layer clean by centralizing error mapping.
func Map(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := status.FromError(err); ok {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return status.Error(codes.DeadlineExceeded, "request timed out")
	case errors.Is(err, context.Canceled):
		return status.Error(codes.Canceled, "request was canceled")
	}

	switch Code(err) {
	case CodeUnauthenticated:
		return status.Error(codes.Unauthenticated, err.Error())
	case CodeForbidden:
		return status.Error(codes.PermissionDenied, err.Error())
	case CodeAlreadyHandled:
		return status.Error(codes.Aborted, CodeAlreadyHandled)
	case CodeConflict:
		return status.Error(codes.AlreadyExists, err.Error())
	case CodeNotFound:
		return status.Error(codes.NotFound, "record not found")
	case CodeRateLimited:
		return status.Error(codes.ResourceExhausted, "rate limited")
	case CodeInvalidArgument:
		return status.Error(codes.InvalidArgument, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// InvalidArgument creates a gRPC InvalidArgument error.
// Use this in service layer for bad input validation.
func InvalidArgument(msg string) error {
	return status.Error(codes.InvalidArgument, msg)
}

// Unauthenticated creates a gRPC Unauthenticated error.
func Unauthenticated(msg string) error {
	return status.Error(codes.Unauthenticated, msg)
}
