package types

import (
	"errors"
	"fmt"
)

// Error taxonomy shared by every component
// ARCHITECTURAL DISCOVERY: Sentinels let callers branch with errors.Is while the
// typed wrappers below keep the failing peer or operation for logs
var (
	ErrAuth        = errors.New("authentication failed")
	ErrForbidden   = errors.New("required license missing")
	ErrNotFound    = errors.New("not found")
	ErrDelivery    = errors.New("delivery failed")
	ErrTransport   = errors.New("shared transport unavailable")
	ErrPersistence = errors.New("persistence failed")
)

// Validation errors
var (
	ErrInvalidID          = errors.New("id must be 1-64 characters, alphanumeric + underscore/hyphen/dot only")
	ErrInvalidURL         = errors.New("url exceeds 2048 characters")
	ErrInvalidTitle       = errors.New("title exceeds 512 characters")
	ErrInvalidFavicon     = errors.New("favicon exceeds 4096 characters")
	ErrTooManyTabs        = errors.New("report lists more than 100 open tabs")
	ErrInvalidEventType   = errors.New("event type must be 1-64 characters")
	ErrMetadataTooLarge   = errors.New("event metadata exceeds 16KB limit")
	ErrEmptyScreenshot    = errors.New("screenshot image is empty")
	ErrInvalidPolicyScope = errors.New("policy scope must be 'school' or 'teacher'")
)

// PersistenceError reports a failed write through the storage collaborator
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence failed during %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

func (e *PersistenceError) Is(target error) bool { return target == ErrPersistence }

// DeliveryError reports a failed send to one socket
type DeliveryError struct {
	PeerID string
	Err    error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed: %v", e.PeerID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

func (e *DeliveryError) Is(target error) bool { return target == ErrDelivery }

// TransportError reports an unreachable shared cache or pub/sub transport
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("shared transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrTransport }

// NoticeError rejects one inbound message; Code is the system notice the sender receives
type NoticeError struct {
	Code string
	Err  error
}

func (e *NoticeError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *NoticeError) Unwrap() error { return e.Err }
