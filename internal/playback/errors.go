package playback

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

type ErrorKind int

const (
	KindUnknown ErrorKind = iota
	KindPermissionDenied
	KindNetwork
	KindFormatUnsupported
	KindStallTimeout
	KindResourceUnavailable
)

func (k ErrorKind) String() string {
	switch k {
	case KindPermissionDenied:
		return "permission_denied"
	case KindNetwork:
		return "network"
	case KindFormatUnsupported:
		return "format_unsupported"
	case KindStallTimeout:
		return "stall_timeout"
	case KindResourceUnavailable:
		return "resource_unavailable"
	default:
		return "unknown"
	}
}

// Retryable kinds feed the bounded reconnect policy.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindNetwork, KindStallTimeout, KindUnknown:
		return true
	default:
		return false
	}
}

var (
	ErrPermissionDenied    = errors.New("playback blocked until the user interacts")
	ErrNetwork             = errors.New("network error")
	ErrFormatUnsupported   = errors.New("stream format not supported")
	ErrStallTimeout        = errors.New("stream stalled")
	ErrResourceUnavailable = errors.New("platform resource unavailable")
	ErrClosed              = errors.New("player closed")
)

func sentinel(k ErrorKind) error {
	switch k {
	case KindPermissionDenied:
		return ErrPermissionDenied
	case KindNetwork:
		return ErrNetwork
	case KindFormatUnsupported:
		return ErrFormatUnsupported
	case KindStallTimeout:
		return ErrStallTimeout
	case KindResourceUnavailable:
		return ErrResourceUnavailable
	default:
		return nil
	}
}

// Error is what the player surfaces for every media or network failure.
type Error struct {
	Kind ErrorKind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool {
	s := sentinel(e.Kind)
	return s != nil && target == s
}

// Classify maps an arbitrary media or transport error onto the taxonomy.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindUnknown
	}
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrPermissionDenied):
		return KindPermissionDenied
	case errors.Is(err, ErrFormatUnsupported):
		return KindFormatUnsupported
	case errors.Is(err, ErrStallTimeout):
		return KindStallTimeout
	case errors.Is(err, ErrResourceUnavailable):
		return KindResourceUnavailable
	case errors.Is(err, ErrNetwork),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, io.ErrUnexpectedEOF),
		errors.Is(err, io.EOF),
		errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET):
		return KindNetwork
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindNetwork
	}
	return KindUnknown
}

func wrap(op string, err error) *Error {
	var pe *Error
	if errors.As(err, &pe) {
		return &Error{Kind: pe.Kind, Op: op, Err: pe.Err}
	}
	return &Error{Kind: Classify(err), Op: op, Err: err}
}
