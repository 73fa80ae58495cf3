package rows

import (
	"errors"
	"fmt"
)

// Error codes returned by the service. PGRST* codes follow PostgREST, numeric
// codes follow SQLSTATE.
const (
	CodeNoRows          = "PGRST116"
	CodeInvalidQuery    = "PGRST100"
	CodeInvalidBody     = "PGRST102"
	CodeUnknownEmbed    = "PGRST200"
	CodeUnknownColumn   = "PGRST204"
	CodeUnknownTable    = "PGRST205"
	CodeUnauthorized    = "PGRST301"
	CodeRateLimited     = "PGRST429"
	CodeNotNull         = "23502"
	CodeForeignKey      = "23503"
	CodeUniqueViolation = "23505"
)

// Error is the wire shape of a service-side request failure.
type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func (e *Error) Error() string {
	if e.Details == "" {
		return fmt.Sprintf("rows: %s: %s", e.Code, e.Message)
	}
	return fmt.Sprintf("rows: %s: %s (%s)", e.Code, e.Message, e.Details)
}

// NewError constructs an Error with a formatted message.
func NewError(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ErrorCode extracts the service error code, or "" when err is not an *Error.
func ErrorCode(err error) string {
	var rowsErr *Error
	if errors.As(err, &rowsErr) {
		return rowsErr.Code
	}
	return ""
}

// IsNoRows reports whether a single-row request matched a row count other than one.
func IsNoRows(err error) bool {
	return ErrorCode(err) == CodeNoRows
}
