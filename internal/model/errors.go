package model

import "fmt"

// Code identifies an error class. Codes surface to clients verbatim in the
// response envelope; the HTTP layer maps them to status codes.
type Code string

const (
	CodeMissingAuth        Code = "MISSING_AUTH"
	CodeInvalidAuth        Code = "INVALID_AUTH"
	CodeForbidden          Code = "FORBIDDEN"
	CodeNotFound           Code = "NOT_FOUND"
	CodeInvalidInput       Code = "INVALID_INPUT"
	CodeConflict           Code = "CONFLICT"
	CodeRateLimited        Code = "RATE_LIMITED"
	CodeEnrollmentRequired Code = "ENROLLMENT_REQUIRED"
	CodeApprovalRequired   Code = "APPROVAL_REQUIRED"
	CodeInternal           Code = "INTERNAL"
)

// Error is the typed error carried across component boundaries. Message is
// safe to show to the caller; anything sensitive stays in wrapped causes.
type Error struct {
	Code    Code
	Message string
	// Field names the offending input field for INVALID_INPUT errors.
	Field string
}

func (e *Error) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("%s: %s (field %q)", e.Code, e.Message, e.Field)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Is makes errors.Is match any *Error with the same code, so callers can
// compare against a code-only sentinel.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	return ok && t.Code == e.Code
}

// ErrNotFound reports a missing (or invisible) record. Messages name the
// record kind only — never whether a hidden record exists.
func ErrNotFound(kind string) *Error {
	return &Error{Code: CodeNotFound, Message: kind + " not found"}
}

// ErrForbidden reports a scope mediator denial.
func ErrForbidden(msg string) *Error {
	return &Error{Code: CodeForbidden, Message: msg}
}

// ErrInvalid reports a validation failure on a named field.
func ErrInvalid(field, msg string) *Error {
	return &Error{Code: CodeInvalidInput, Message: msg, Field: field}
}

// ErrConflict reports a uniqueness or built-in-name violation.
func ErrConflict(msg string) *Error {
	return &Error{Code: CodeConflict, Message: msg}
}

// ErrRateLimited reports the rate limiter or the pending-approval cap.
func ErrRateLimited(msg string) *Error {
	return &Error{Code: CodeRateLimited, Message: msg}
}

// ErrUnauthorized reports an unusable credential. The message is generic on
// purpose: prefix misses, hash mismatches, and revocations are
// indistinguishable to the caller.
func ErrUnauthorized() *Error {
	return &Error{Code: CodeInvalidAuth, Message: "invalid or expired credential"}
}

// ErrMissingAuth reports an absent or malformed bearer credential.
func ErrMissingAuth() *Error {
	return &Error{Code: CodeMissingAuth, Message: "authorization required"}
}

// ErrEnrollmentRequired is returned to bootstrap callers invoking anything
// other than the enrollment tools.
func ErrEnrollmentRequired() *Error {
	return &Error{
		Code:    CodeEnrollmentRequired,
		Message: "agent is not enrolled; complete the enrollment flow first",
	}
}

// EnrollmentNextSteps is the tool sequence hinted alongside
// ENROLLMENT_REQUIRED errors.
var EnrollmentNextSteps = []string{"agent_enroll_start", "agent_enroll_wait", "agent_enroll_redeem"}

// ErrInternal wraps an unexpected failure without leaking detail to clients.
func ErrInternal() *Error {
	return &Error{Code: CodeInternal, Message: "internal error"}
}
