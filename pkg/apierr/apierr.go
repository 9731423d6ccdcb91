// Package apierr holds the machine-readable error codes shared by the HTTP
// layer and the settlement records.
package apierr

import (
	"errors"
	"fmt"
	"net/http"
)

type Code string

const (
	Unauthorized            Code = "unauthorized"
	InsufficientParams      Code = "insufficient-params"
	WrongParamValues        Code = "wrong-param-values"
	ServiceUnavailable      Code = "service-unavailable"
	NotFound                Code = "not-found"
	EventNonexistent        Code = "event-nonexistent"
	InvalidFee              Code = "invalid-fee"
	InvalidCurrency         Code = "invalid-currency"
	PaymentNonexistent      Code = "payment-nonexistent"
	InvalidPayment          Code = "invalid-payment"
	PaymentNotApproved      Code = "payment-not-approved"
	PaymentAlreadyProcessed Code = "payment-already-processed"
	AlreadyRegistered       Code = "already-registered"
)

// HTTPError is a client-facing failure: it carries the status the HTTP layer
// answers with and an optional object for the logs.
type HTTPError struct {
	Status int
	Code   Code
	Object any
}

func (e *HTTPError) Error() string {
	if e.Object != nil {
		return fmt.Sprintf("%d %s: %v", e.Status, e.Code, e.Object)
	}
	return fmt.Sprintf("%d %s", e.Status, e.Code)
}

func New(status int, code Code, object any) *HTTPError {
	return &HTTPError{Status: status, Code: code, Object: object}
}

func BadRequest(code Code, object any) *HTTPError {
	return New(http.StatusBadRequest, code, object)
}

func Unavailable(object any) *HTTPError {
	return New(http.StatusServiceUnavailable, ServiceUnavailable, object)
}

// As extracts an *HTTPError from err. Anything else is reported as a 500.
func As(err error) (*HTTPError, bool) {
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		return httpErr, true
	}
	return nil, false
}
