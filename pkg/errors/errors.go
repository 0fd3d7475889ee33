package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
)

type Code string

const (
	CodeStructural          Code = "STRUCTURAL_ERROR"
	CodeDataIntegrity       Code = "DATA_INTEGRITY_ERROR"
	CodeTransientDependency Code = "TRANSIENT_DEPENDENCY_ERROR"
	CodeAlreadyResolved     Code = "ALREADY_RESOLVED"
	CodeCapabilityDegraded  Code = "CAPABILITY_DEGRADED"
	CodeInternal            Code = "INTERNAL_ERROR"
)

// Metadata tells a delivery handler how to treat an error of a given code.
type Metadata struct {
	Retryable     bool
	PersistsError bool
	HTTPStatus    int
	PublicMessage string
}

var metadataByCode = map[Code]Metadata{
	CodeStructural: {
		Retryable:     false,
		HTTPStatus:    http.StatusBadRequest,
		PublicMessage: "malformed delivery",
	},
	CodeDataIntegrity: {
		Retryable:     false,
		PersistsError: true,
		HTTPStatus:    http.StatusUnprocessableEntity,
		PublicMessage: "record cannot be processed",
	},
	CodeTransientDependency: {
		Retryable:     true,
		HTTPStatus:    http.StatusServiceUnavailable,
		PublicMessage: "dependency unavailable",
	},
	CodeAlreadyResolved: {
		Retryable:     false,
		HTTPStatus:    http.StatusOK,
		PublicMessage: "already resolved",
	},
	CodeCapabilityDegraded: {
		Retryable:     false,
		HTTPStatus:    http.StatusOK,
		PublicMessage: "optional capability failed",
	},
	CodeInternal: {
		Retryable:     true,
		HTTPStatus:    http.StatusInternalServerError,
		PublicMessage: "unexpected failure",
	},
}

func MetadataFor(code Code) Metadata {
	if meta, ok := metadataByCode[code]; ok {
		return meta
	}
	return metadataByCode[CodeInternal]
}

type Error struct {
	code    Code
	reason  string
	message string
	details any
	cause   error
}

func New(code Code, message string) *Error {
	return &Error{code: code, message: message}
}

func Wrap(code Code, err error, message string) *Error {
	if err == nil {
		return New(code, message)
	}
	return &Error{code: code, message: message, cause: err}
}

func (e *Error) Code() Code {
	if e == nil {
		return CodeInternal
	}
	return e.code
}

// Reason is the short machine-readable classification persisted with failed records.
func (e *Error) Reason() string {
	if e == nil {
		return ""
	}
	return e.reason
}

// WithReason tags the error with a classification such as "gcs_object_missing".
func (e *Error) WithReason(reason string) *Error {
	if e == nil {
		return nil
	}
	e.reason = reason
	return e
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
	if e == nil {
		return nil
	}
	e.details = details
	return e
}

func (e *Error) Error() string {
	if e == nil {
		return ""
	}
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.message, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.message)
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.cause
}

func As(err error) *Error {
	if err == nil {
		return nil
	}
	var typed *Error
	if stdErrors.As(err, &typed) {
		return typed
	}
	return nil
}

// IsRetryable reports whether a redelivery could succeed. Untyped errors count as
// unexpected failures and are retryable.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if typed := As(err); typed != nil {
		return MetadataFor(typed.Code()).Retryable
	}
	return true
}

// ReasonOf returns the classification carried by err, or fallback when none is set.
func ReasonOf(err error, fallback string) string {
	if typed := As(err); typed != nil && typed.Reason() != "" {
		return typed.Reason()
	}
	return fallback
}
