package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	ErrNotConnected            = errors.New("not connected")
	ErrTransportFault          = errors.New("transport fault")
	ErrOptimisticLockConflict  = errors.New("modified by another user")
	ErrAuthentication          = errors.New("authentication failed")
	ErrQuotaExceeded           = errors.New("quota exceeded")
	ErrInvalidMessage          = errors.New("invalid message")
	ErrMessageTooLarge         = errors.New("message too large")
	ErrMessageNotFound         = errors.New("message not found")
	ErrUnknownConversationKind = errors.New("unknown conversation kind")
	ErrProviderClosed          = errors.New("provider closed")
)

// TransportFault is a mid-session link failure.
type TransportFault struct {
	Op  string
	Err error
}

func NewTransportFault(op string, err error) *TransportFault {
	return &TransportFault{Op: op, Err: err}
}

func (f *TransportFault) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("transport fault: %s", f.Op)
	}
	return fmt.Sprintf("transport fault: %s: %v", f.Op, f.Err)
}

func (f *TransportFault) Unwrap() error { return f.Err }

func (f *TransportFault) Is(target error) bool {
	return target == ErrTransportFault
}

// IsRetryable reports whether err is a transient transport failure.
// Conflicts, authentication, quota and validation errors never are.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrOptimisticLockConflict),
		errors.Is(err, ErrAuthentication),
		errors.Is(err, ErrQuotaExceeded),
		errors.Is(err, ErrNotConnected),
		errors.Is(err, ErrInvalidMessage),
		errors.Is(err, ErrMessageTooLarge),
		errors.Is(err, ErrMessageNotFound),
		errors.Is(err, context.Canceled):
		return false
	}
	return errors.Is(err, ErrTransportFault)
}
