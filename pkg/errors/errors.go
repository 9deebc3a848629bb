package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

// Code is the stable, client-visible error identifier.
type Code string

const (
	CodeValidation    Code = "VALIDATION_ERROR"
	CodeUnauthorized  Code = "UNAUTHORIZED"
	CodeForbidden     Code = "FORBIDDEN"
	CodeNotFound      Code = "NOT_FOUND"
	CodeConflict      Code = "CONFLICT"
	CodeStateConflict Code = "STATE_CONFLICT"
	CodeIdempotency   Code = "IDEMPOTENCY_KEY_REUSED"
	CodeRateLimit     Code = "RATE_LIMIT_EXCEEDED"
	CodeInternal      Code = "INTERNAL_ERROR"
	CodeDependency    Code = "DEPENDENCY_ERROR"

	CodeUnsupportedModel    Code = "UNSUPPORTED_MODEL"
	CodeInsufficientCredits Code = "INSUFFICIENT_CREDITS"
	CodeUpstream            Code = "UPSTREAM_ERROR"
	CodeUpstreamOverloaded  Code = "UPSTREAM_OVERLOADED"
	CodePersistence         Code = "PERSISTENCE_ERROR"
	CodePayment             Code = "PAYMENT_ERROR"
)

// Metadata says how a code is rendered over HTTP. ExposeMessage lets the
// error's own message replace PublicMessage in the response body.
type Metadata struct {
	HTTPStatus     int
	Retryable      bool
	PublicMessage  string
	DetailsAllowed bool
	ExposeMessage  bool
}

type trait uint8

const (
	retryable trait = 1 << iota
	details
	expose
)

func describe(status int, public string, t trait) Metadata {
	return Metadata{
		HTTPStatus:     status,
		PublicMessage:  public,
		Retryable:      t&retryable != 0,
		DetailsAllowed: t&details != 0,
		ExposeMessage:  t&expose != 0,
	}
}

var metadataByCode = map[Code]Metadata{
	CodeValidation:    describe(http.StatusBadRequest, "validation failed", details|expose),
	CodeUnauthorized:  describe(http.StatusUnauthorized, "authentication required", expose),
	CodeForbidden:     describe(http.StatusForbidden, "access denied", expose),
	CodeNotFound:      describe(http.StatusNotFound, "resource not found", expose),
	CodeConflict:      describe(http.StatusConflict, "conflict detected", expose),
	CodeStateConflict: describe(http.StatusUnprocessableEntity, "state transition disallowed", details|expose),
	CodeIdempotency:   describe(http.StatusConflict, "idempotency key reused", details|expose),
	CodeRateLimit:     describe(http.StatusTooManyRequests, "rate limit exceeded", expose),
	CodeInternal:      describe(http.StatusInternalServerError, "internal server error", retryable),
	CodeDependency:    describe(http.StatusServiceUnavailable, "dependency unavailable", retryable|details),

	CodeUnsupportedModel:    describe(http.StatusBadRequest, "unsupported model", details|expose),
	CodeInsufficientCredits: describe(http.StatusBadRequest, "insufficient credits", details|expose),
	CodeUpstream:            describe(http.StatusInternalServerError, "prediction service error", retryable),
	CodeUpstreamOverloaded:  describe(http.StatusTooManyRequests, "prediction service is busy, try again shortly", retryable),
	CodePersistence:         describe(http.StatusInternalServerError, "failed to record job", details),
	CodePayment:             describe(http.StatusBadGateway, "payment could not be completed", 0),
}

// MetadataFor falls back to CodeInternal for unknown codes.
func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

// Error is a coded error. Methods are nil-safe.
type Error struct {
	code    Code
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

// Wrap attaches code and message to err. A nil err yields a plain New.
func Wrap(code Code, err error, message string) *Error {
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

func (e *Error) Message() string {
	if e == nil {
		return ""
	}
	return e.message
}

func (e *Error) Details() any {
	if e == nil {
		return nil
	}
	return e.details
}

func (e *Error) WithDetails(details any) *Error {
	if e != nil {
		e.details = details
	}
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

// IsCode reports whether the first typed error in err's chain carries code.
func IsCode(err error, code Code) bool {
	typed := As(err)
	return typed != nil && typed.Code() == code
}

// As returns the first *Error in err's chain, or nil.
func As(err error) *Error {
	var typed *Error
	if err != nil && stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}
