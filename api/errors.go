package api

import (
	"errors"
	"fmt"

	"github.com/cloudx-io/timedauction/authn"
	"github.com/cloudx-io/timedauction/core"
	"github.com/cloudx-io/timedauction/storage"
)

// Code is the machine-readable failure reason carried by error responses.
// Transition failures reuse the core codes.
type Code string

const (
	CodeAuctionExists     Code = "AuctionExists"
	CodeAuctionNotFound   Code = "AuctionNotFound"
	CodeInsufficientFunds Code = "InsufficientFunds"
	CodeRequestReplayed   Code = "RequestReplayed"
	CodeUnauthenticated   Code = "Unauthenticated"
	CodeBadRequest        Code = "BadRequest"
	CodeUnavailable       Code = "Unavailable"
	CodeInternal          Code = "Internal"
)

// ResponseError is a failed response surfaced as an error on the client side.
type ResponseError struct {
	Code    Code
	Message string
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// BadRequestError marks malformed input: undecodable JSON, wrong op, name mismatch.
type BadRequestError struct {
	Reason string
}

func (e *BadRequestError) Error() string {
	return e.Reason
}

// BadRequest builds a BadRequestError from a format string.
func BadRequest(format string, args ...any) error {
	return &BadRequestError{Reason: fmt.Sprintf(format, args...)}
}

// CodeOf maps an error from any layer to its wire code.
func CodeOf(err error) Code {
	if code, ok := core.CodeOf(err); ok {
		return Code(code)
	}

	var badRequest *BadRequestError
	switch {
	case errors.As(err, &badRequest):
		return CodeBadRequest
	case errors.Is(err, authn.ErrUnauthenticated):
		return CodeUnauthenticated
	case errors.Is(err, storage.ErrAuctionExists):
		return CodeAuctionExists
	case errors.Is(err, storage.ErrAuctionNotFound):
		return CodeAuctionNotFound
	case errors.Is(err, storage.ErrInsufficientFunds):
		return CodeInsufficientFunds
	case errors.Is(err, storage.ErrRequestReplayed):
		return CodeRequestReplayed
	default:
		return CodeInternal
	}
}

// ErrorResponseFor builds the error response for err. Internal failures are not
// described to the caller.
func ErrorResponseFor(err error) Response {
	code := CodeOf(err)
	if code == CodeInternal {
		return ErrorResponse(code, "internal error")
	}
	return ErrorResponse(code, err.Error())
}
