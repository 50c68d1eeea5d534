package errs

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies engine failures and idempotent outcomes
type Kind string

const (
	KindTransientLedgerFailure Kind = "transient_ledger_failure"
	KindUserDeclined           Kind = "user_declined"
	KindInsufficientFunds      Kind = "insufficient_funds"
	KindNotFound               Kind = "not_found"
	KindAmountMismatch         Kind = "amount_mismatch"
	KindDuplicateRequest       Kind = "duplicate_request"
	KindUnauthorized           Kind = "unauthorized"
	KindAlreadyTerminal        Kind = "already_terminal"
	KindAlreadyVerified        Kind = "already_verified"
	KindNotReached             Kind = "not_reached"
	KindInvalidInput           Kind = "invalid_input"
	// KindUnconfirmed means a transaction was sent but its receipt was not
	// observed before the caller stopped waiting. It is never retried.
	KindUnconfirmed            Kind = "unconfirmed"
	KindInternal               Kind = "internal"
)

// Idempotent reports whether the kind is an expected "no further action"
// outcome rather than a failure of the system.
func (k Kind) Idempotent() bool {
	switch k {
	case KindDuplicateRequest, KindAlreadyTerminal, KindAlreadyVerified:
		return true
	default:
		return false
	}
}

// Retryable reports whether a retry of the same call can succeed.
func (k Kind) Retryable() bool {
	return k == KindTransientLedgerFailure
}

// Error is the typed error returned across engine boundaries
type Error struct {
	Kind    Kind                   `json:"kind"`
	Message string                 `json:"message"`
	Details map[string]interface{} `json:"details,omitempty"`
	Err     error                  `json:"-"`
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

// Is matches any *Error of the same kind, so errors.Is(err, errs.New(KindNotFound, ""))
// works alongside KindOf.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates an error of the given kind
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to an underlying error
func Wrap(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// WithDetail returns the error with an extra detail field set
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// KindOf extracts the kind of err, or KindInternal when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// HTTPStatus maps a kind onto the status code the API answers with
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindInvalidInput, KindAmountMismatch:
		return http.StatusBadRequest
	case KindUnauthorized:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicateRequest, KindAlreadyTerminal, KindAlreadyVerified:
		return http.StatusConflict
	case KindNotReached:
		return http.StatusUnprocessableEntity
	case KindUserDeclined, KindInsufficientFunds:
		return http.StatusPaymentRequired
	case KindTransientLedgerFailure:
		return http.StatusServiceUnavailable
	case KindUnconfirmed:
		return http.StatusAccepted
	default:
		return http.StatusInternalServerError
	}
}

// Response returns the status code and JSON body the API answers err with.
// Idempotent outcomes are flagged so clients can tell them from failures.
func Response(err error) (int, map[string]interface{}) {
	kind := KindOf(err)
	body := map[string]interface{}{"kind": kind}

	var e *Error
	if errors.As(err, &e) && kind != KindInternal {
		body["error"] = e.Message
		if len(e.Details) > 0 {
			body["details"] = e.Details
		}
	} else {
		body["error"] = "internal error"
	}
	if kind.Idempotent() {
		body["idempotent"] = true
	}
	return HTTPStatus(kind), body
}
