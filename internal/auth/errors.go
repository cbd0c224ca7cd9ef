package auth

import "fmt"

// ErrorCode classifies how an authentication attempt failed. Every code is
// terminal for the current attempt; nothing is retried inside this package.
type ErrorCode string

const (
	// CodeAlreadyInProgress is returned when a second attempt is requested
	// while one is active. Attempts are rejected, not queued.
	CodeAlreadyInProgress ErrorCode = "already_in_progress"

	// CodePortUnavailable means every candidate callback port failed to
	// bind within its timeout.
	CodePortUnavailable ErrorCode = "port_unavailable"

	// CodeInvalidState means a callback could not be matched to a live
	// pending attempt. Treated as a potential CSRF, never accepted.
	CodeInvalidState ErrorCode = "invalid_state"

	// CodeIssuerError carries an error string the issuer sent on redirect.
	CodeIssuerError ErrorCode = "issuer_error"

	// CodeHTTPError is a non-200 from the token endpoint; Status and Body
	// hold the raw response for diagnostics.
	CodeHTTPError ErrorCode = "http_error"

	// CodeInvalidToken means the exchange succeeded but no usable identity
	// (account id + email) could be decoded from the access token.
	CodeInvalidToken ErrorCode = "invalid_token"

	// CodeTimeout means the overall callback wait was exceeded.
	CodeTimeout ErrorCode = "timeout"

	// CodeNetworkError is a transport failure reaching the issuer.
	CodeNetworkError ErrorCode = "network_error"

	// CodeCancelled means the caller aborted the pending attempt.
	CodeCancelled ErrorCode = "cancelled"
)

// FlowError is the typed result surfaced for every failure mode of the flow.
type FlowError struct {
	Code    ErrorCode
	Message string

	// Status and Body are set for http_error results.
	Status int
	Body   string

	err error
}

func (e *FlowError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return string(e.Code)
}

func (e *FlowError) Unwrap() error { return e.err }

// Is matches any FlowError with the same code, so callers can test against
// the sentinel values below with errors.Is.
func (e *FlowError) Is(target error) bool {
	t, ok := target.(*FlowError)
	return ok && t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrAlreadyInProgress = &FlowError{Code: CodeAlreadyInProgress}
	ErrPortUnavailable   = &FlowError{Code: CodePortUnavailable}
	ErrInvalidState      = &FlowError{Code: CodeInvalidState}
	ErrIssuerError       = &FlowError{Code: CodeIssuerError}
	ErrHTTPError         = &FlowError{Code: CodeHTTPError}
	ErrInvalidToken      = &FlowError{Code: CodeInvalidToken}
	ErrTimeout           = &FlowError{Code: CodeTimeout}
	ErrNetworkError      = &FlowError{Code: CodeNetworkError}
	ErrCancelled         = &FlowError{Code: CodeCancelled}
)

func flowErr(code ErrorCode, format string, args ...interface{}) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapErr(code ErrorCode, err error, format string, args ...interface{}) *FlowError {
	return &FlowError{Code: code, Message: fmt.Sprintf(format, args...), err: err}
}
