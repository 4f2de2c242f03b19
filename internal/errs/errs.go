// Package errs defines the closed error taxonomy shared by the upload and
// payment services. Handlers translate a Kind to an HTTP status; workers use
// it to decide between requeue and dead-letter.
package errs

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind tags an error with its caller-visible category.
type Kind string

const (
	KindBadRequest         Kind = "bad_request"
	KindDuplicate          Kind = "duplicate"
	KindInProgress         Kind = "in_progress"
	KindTooLarge           Kind = "too_large"
	KindInsufficientCredit Kind = "insufficient_credit"
	KindPaymentRequired    Kind = "payment_required"
	KindNonceReplayed      Kind = "nonce_replayed"
	KindSettlementFailed   Kind = "settlement_failed"
	KindSignatureInvalid   Kind = "signature_invalid"
	KindUserBanned         Kind = "user_banned"
	KindRateLimited        Kind = "rate_limited"
	KindUnavailable        Kind = "unavailable"
	KindContentMismatch    Kind = "content_mismatch"
	KindFraudPenalty       Kind = "fraud_penalty"
	KindTimeout            Kind = "timeout"
	KindInternal           Kind = "internal"
)

// Error carries a Kind alongside a message and an optional cause.
type Error struct {
	Kind       Kind
	Message    string
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// New creates a tagged error.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a tagged error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap tags an underlying error. A nil cause yields nil.
func Wrap(kind Kind, message string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf extracts the Kind from an error chain. Untagged errors are Internal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// RetryAfterOf returns the retry hint from the chain, or zero.
func RetryAfterOf(err error) time.Duration {
	var e *Error
	if errors.As(err, &e) {
		return e.RetryAfter
	}
	return 0
}

// Transient reports whether a worker should requeue the job with backoff
// rather than dead-letter it.
func Transient(err error) bool {
	switch KindOf(err) {
	case KindUnavailable, KindTimeout, KindSettlementFailed, KindRateLimited, KindInternal:
		return true
	}
	return false
}

// HTTPStatus maps a Kind to the status code the public surface returns.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindBadRequest:
		return http.StatusBadRequest
	case KindDuplicate, KindInProgress:
		return http.StatusConflict
	case KindTooLarge:
		return http.StatusRequestEntityTooLarge
	case KindInsufficientCredit, KindPaymentRequired, KindNonceReplayed, KindSignatureInvalid:
		return http.StatusPaymentRequired
	case KindUserBanned:
		return http.StatusForbidden
	case KindRateLimited:
		return http.StatusTooManyRequests
	case KindUnavailable, KindSettlementFailed:
		return http.StatusServiceUnavailable
	case KindContentMismatch:
		return http.StatusBadRequest
	case KindFraudPenalty:
		return http.StatusOK // finalize verdict, not a request failure
	case KindTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

// FromStatus converts an HTTP status from a peer service back to a Kind,
// used by the upload→payment client to preserve the taxonomy over the wire.
func FromStatus(status int, kind Kind) Kind {
	if kind != "" {
		return kind
	}
	switch status {
	case http.StatusBadRequest:
		return KindBadRequest
	case http.StatusPaymentRequired:
		return KindPaymentRequired
	case http.StatusForbidden:
		return KindUserBanned
	case http.StatusConflict:
		return KindDuplicate
	case http.StatusRequestEntityTooLarge:
		return KindTooLarge
	case http.StatusTooManyRequests:
		return KindRateLimited
	case http.StatusServiceUnavailable:
		return KindUnavailable
	case http.StatusGatewayTimeout:
		return KindTimeout
	default:
		return KindInternal
	}
}
