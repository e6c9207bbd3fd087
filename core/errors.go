package core

import "errors"

// Code identifies a transition failure on the wire and in logs.
type Code string

const (
	CodeMaxStrLenExceeded Code = "MaxStrLenExceeded"
	CodeInsufficientBid   Code = "InsufficientBid"
	CodeHasClosed         Code = "HasClosed"
	CodeHasNotClosed      Code = "HasNotClosed"
	CodeNotCreator        Code = "NotCreator"
	CodeNotWinner         Code = "NotWinner"
	CodeSignerRequired    Code = "SignerRequired"
	CodeStaleRequest      Code = "StaleRequest"
)

// Error is a rejected transition. Rejections never mutate the record.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	return e.Message
}

var (
	ErrMaxStrLenExceeded = &Error{Code: CodeMaxStrLenExceeded, Message: "string is too long"}
	ErrInsufficientBid   = &Error{Code: CodeInsufficientBid, Message: "the current bid must exceed the previous bid"}
	ErrHasClosed         = &Error{Code: CodeHasClosed, Message: "auction has closed"}
	ErrHasNotClosed      = &Error{Code: CodeHasNotClosed, Message: "auction has not closed"}
	ErrNotCreator        = &Error{Code: CodeNotCreator, Message: "operation requires the auction creator's signature"}
	ErrNotWinner         = &Error{Code: CodeNotWinner, Message: "operation requires the winning bidder's signature"}
	ErrSignerRequired    = &Error{Code: CodeSignerRequired, Message: "operation requires exactly one signer"}
	ErrStaleRequest      = &Error{Code: CodeStaleRequest, Message: "request was signed for a different instance of this auction"}
)

// CodeOf extracts the transition error code from err, if any.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}
