package ledger

import (
	"errors"
	"fmt"
)

// Code identifies a payment failure class. Codes cross the wire in gating
// responses, so callers can branch on them programmatically.
type Code string

const (
	CodeInvalidAmount       Code = "InvalidAmount"
	CodeTransactionNotFound Code = "TransactionNotFound"
	CodeAmountMismatch      Code = "AmountMismatch"
	CodeRecipientMismatch   Code = "RecipientMismatch"
	CodeLedgerUnavailable   Code = "LedgerUnavailable"
	CodeFundsUnavailable    Code = "FundsUnavailable"
	CodeSubmissionRejected  Code = "SubmissionRejected"
	CodeAllEndpointsFailed  Code = "AllEndpointsFailed"
	CodeConfirmationTimeout Code = "ConfirmationTimeout"
)

// Error carries a Code alongside a wrapped cause.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// Errf builds a coded error wrapping cause (cause may be nil).
func Errf(code Code, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...), Err: cause}
}

// CodeOf extracts the Code from an error chain, or "" if none is present.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
