package apperror

import (
	"errors"
	"fmt"
	"net/http"

	"gorm.io/gorm"
)

// Kind classifies failures so callers can react without string matching.
type Kind string

const (
	KindValidation       Kind = "validation"
	KindAuthorization    Kind = "authorization"
	KindNotFound         Kind = "not_found"
	KindModerationPolicy Kind = "moderation_policy"
	KindTransient        Kind = "transient"
)

// Sentinel errors matched by errors.Is against any *Error of the same kind.
var (
	ErrValidation       = errors.New("validation failed")
	ErrAuthorization    = errors.New("not authorised")
	ErrNotFound         = errors.New("not found")
	ErrModerationPolicy = errors.New("moderation policy violation")
	ErrTransient        = errors.New("temporarily unavailable")
)

// Error carries the failure kind, the operation that produced it and an optional cause.
type Error struct {
	Kind    Kind
	Op      string
	Message string
	Err     error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrNotFound) and friends match on kind.
func (e *Error) Is(target error) bool {
	return sentinelFor(e.Kind) == target
}

func sentinelFor(kind Kind) error {
	switch kind {
	case KindValidation:
		return ErrValidation
	case KindAuthorization:
		return ErrAuthorization
	case KindNotFound:
		return ErrNotFound
	case KindModerationPolicy:
		return ErrModerationPolicy
	case KindTransient:
		return ErrTransient
	default:
		return nil
	}
}

func Validation(op, message string) error {
	return &Error{Kind: KindValidation, Op: op, Message: message}
}

func Authorization(op, message string) error {
	return &Error{Kind: KindAuthorization, Op: op, Message: message}
}

func NotFound(op, message string) error {
	return &Error{Kind: KindNotFound, Op: op, Message: message}
}

func ModerationPolicy(op, message string) error {
	return &Error{Kind: KindModerationPolicy, Op: op, Message: message}
}

func Transient(op string, err error) error {
	return &Error{Kind: KindTransient, Op: op, Message: "store unavailable", Err: err}
}

// FromStore maps persistence errors onto the taxonomy. A missing record becomes
// NotFound; anything else is treated as retryable.
func FromStore(op, entity string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *Error
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return &Error{Kind: KindNotFound, Op: op, Message: entity + " not found", Err: err}
	}
	return Transient(op, err)
}

// SendFailureReason explains why a message could not be sent.
type SendFailureReason string

const (
	ReasonImageUploadFailed SendFailureReason = "imageUploadFailed"
	ReasonPersistFailed     SendFailureReason = "persistFailed"
)

// SendError is returned when a validated message could not be delivered to the store.
type SendError struct {
	Reason SendFailureReason
	Err    error
}

func (e *SendError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("send failed (%s): %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("send failed (%s)", e.Reason)
}

func (e *SendError) Unwrap() error {
	return e.Err
}

// KindOf reports the kind of err, or the empty string for foreign errors.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.Kind
	}
	return ""
}

// HTTPStatus maps an error to the status code the transport should return.
func HTTPStatus(err error) int {
	var sendErr *SendError
	if errors.As(err, &sendErr) {
		if sendErr.Reason == ReasonImageUploadFailed {
			return http.StatusBadGateway
		}
		return http.StatusServiceUnavailable
	}

	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindModerationPolicy:
		return http.StatusConflict
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
