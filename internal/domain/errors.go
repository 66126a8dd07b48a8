package domain

import (
	"errors"
	"fmt"
)

// ErrorKind groups failures by how callers are expected to react to them.
type ErrorKind string

const (
	KindValidation    ErrorKind = "validation"
	KindNotFound      ErrorKind = "not_found"
	KindConflict      ErrorKind = "conflict"
	KindAuthorization ErrorKind = "authorization"
	KindProvider      ErrorKind = "provider"
	KindSignature     ErrorKind = "signature"
	KindBusy          ErrorKind = "busy"
	KindRateLimited   ErrorKind = "rate_limited"
)

// Error is the typed failure returned across the service. Reason is the
// machine-readable code clients branch on; Message is safe to show to users.
type Error struct {
	Kind    ErrorKind
	Reason  string
	Message string
	Err     error
	// RetryAfter is a hint, in seconds, for busy and rate-limited failures.
	RetryAfter int
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Reason, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches any *Error carrying the same reason code, so copies produced by
// With* helpers still satisfy errors.Is against the package sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Reason == e.Reason
}

// WithMessage returns a copy of e with a more specific user-facing message.
func (e *Error) WithMessage(message string) *Error {
	clone := *e
	clone.Message = message
	return &clone
}

// WithRetryAfter returns a copy of e carrying a retry hint in seconds.
func (e *Error) WithRetryAfter(seconds int) *Error {
	clone := *e
	clone.RetryAfter = seconds
	return &clone
}

// Wrap returns a copy of e that records the underlying cause.
func (e *Error) Wrap(err error) *Error {
	clone := *e
	clone.Err = err
	return &clone
}

var (
	ErrInvalidRequest  = &Error{Kind: KindValidation, Reason: "invalid_request", Message: "request is invalid"}
	ErrInvalidCapacity = &Error{Kind: KindValidation, Reason: "invalid_capacity", Message: "capacity must be greater than zero"}
	ErrInvalidDuration = &Error{Kind: KindValidation, Reason: "invalid_duration", Message: "duration must be at least one month"}
	ErrInvalidPrice    = &Error{Kind: KindValidation, Reason: "invalid_price", Message: "price must not be negative"}
	ErrInvalidFee      = &Error{Kind: KindValidation, Reason: "invalid_fee", Message: "fee must not be negative"}
	ErrInvalidDiscount = &Error{Kind: KindValidation, Reason: "invalid_discount", Message: "discount must be between 0 and 100 percent"}
	ErrInvalidExpiry   = &Error{Kind: KindValidation, Reason: "invalid_expiry", Message: "expiry must be in the future"}

	ErrSlotNotFound    = &Error{Kind: KindNotFound, Reason: "slot_not_found", Message: "slot not found"}
	ErrServiceNotFound = &Error{Kind: KindNotFound, Reason: "service_not_found", Message: "service not found"}
	ErrServiceInactive = &Error{Kind: KindNotFound, Reason: "service_inactive", Message: "service is not available"}
	ErrPaymentNotFound = &Error{Kind: KindNotFound, Reason: "payment_not_found", Message: "payment not found"}
	ErrMemberNotFound  = &Error{Kind: KindNotFound, Reason: "member_not_found", Message: "member not found"}
	ErrUserNotFound    = &Error{Kind: KindNotFound, Reason: "user_not_found", Message: "user not found"}

	ErrSlotFull              = &Error{Kind: KindConflict, Reason: "slot_full", Message: "slot has no remaining spots"}
	ErrAlreadyJoined         = &Error{Kind: KindConflict, Reason: "already_joined", Message: "this email has already paid for the slot"}
	ErrSlotLocked            = &Error{Kind: KindConflict, Reason: "slot_locked", Message: "slot can no longer be modified"}
	ErrSlotHasMembers        = &Error{Kind: KindConflict, Reason: "slot_has_members", Message: "slot already has paid members"}
	ErrSlotNotOpen           = &Error{Kind: KindConflict, Reason: "slot_not_open", Message: "slot is not accepting members"}
	ErrSlotInactive          = &Error{Kind: KindConflict, Reason: "slot_inactive", Message: "slot is waiting for the creator's payment"}
	ErrPaymentTargetMismatch = &Error{Kind: KindConflict, Reason: "payment_target_mismatch", Message: "payment does not belong to this slot"}

	ErrCreatorNotVerified = &Error{Kind: KindAuthorization, Reason: "creator_not_verified", Message: "your account must be verified before creating slots"}
	ErrNotSlotOwner       = &Error{Kind: KindAuthorization, Reason: "not_slot_owner", Message: "only the slot owner can do this"}
	ErrPaymentNotOwned    = &Error{Kind: KindAuthorization, Reason: "payment_not_owned", Message: "payment belongs to another user"}

	ErrProviderUnavailable = &Error{Kind: KindProvider, Reason: "provider_unavailable", Message: "payment provider is unavailable"}
	ErrProviderRejected    = &Error{Kind: KindProvider, Reason: "provider_rejected", Message: "payment provider rejected the request"}
	ErrProviderMalformed   = &Error{Kind: KindProvider, Reason: "provider_malformed", Message: "payment provider returned an unexpected response"}

	ErrInvalidSignature  = &Error{Kind: KindSignature, Reason: "invalid_signature", Message: "signature verification failed"}
	ErrUnverifiedOutcome = &Error{Kind: KindSignature, Reason: "unverified_outcome", Message: "payment outcome has not been authenticated"}

	ErrBusy        = &Error{Kind: KindBusy, Reason: "slot_busy", Message: "slot is busy, please retry", RetryAfter: 1}
	ErrRateLimited = &Error{Kind: KindRateLimited, Reason: "rate_limited", Message: "too many requests, please retry later", RetryAfter: 60}
)

// AsError extracts the typed error from err, if there is one.
func AsError(err error) (*Error, bool) {
	var typed *Error
	if errors.As(err, &typed) {
		return typed, true
	}
	return nil, false
}

// KindOf reports the kind of err, or "" for untyped errors.
func KindOf(err error) ErrorKind {
	if typed, ok := AsError(err); ok {
		return typed.Kind
	}
	return ""
}

// Validation builds a validation error with a field-specific message.
func Validation(message string) *Error {
	return ErrInvalidRequest.WithMessage(message)
}
