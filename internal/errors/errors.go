// Package errors provides standardized error codes for the gateway.
//
// Error codes follow the format {domain}.{error} where:
//   - domain: The subsystem that generated the error (session, message, auth, transport)
//   - error: The specific error type within that domain
//
// These codes are stable and can be used by API callers for programmatic
// error handling. Human-readable messages are provided alongside codes.
package errors

import (
	"errors"
	"fmt"
)

// Error codes by domain.
// These are stable identifiers that API callers can rely on for error handling.
const (
	// Session domain - connection lifecycle errors
	CodeSessionNotConnected      = "session.not_connected"      // Session is not open
	CodeSessionInitFailed        = "session.init_failed"        // Connection establishment failed
	CodeSessionPairingTerminated = "session.pairing_terminated" // Logout or corruption ended the pairing

	// Message domain - outbound delivery errors
	CodeMessageSendFailed  = "message.send_failed"  // Transport rejected or errored during delivery
	CodeMessageRateLimited = "message.rate_limited" // Too many send requests

	// Auth domain - API boundary authentication
	CodeAuthRequired = "auth.required" // Authentication required
	CodeAuthInvalid  = "auth.invalid"  // Invalid token

	// QR domain - pairing challenge availability
	CodeQRNotAvailable = "qr.not_available" // No pairing challenge pending

	// Transport domain - connection to the messaging network
	CodeTransportDialFailed = "transport.dial_failed" // Could not create a transport handle
	CodeTransportClosed     = "transport.closed"      // Handle closed underneath an operation

	// Credentials domain - durable pairing state
	CodeCredsPurgeFailed = "creds.purge_failed" // Failed to remove the credential directory

	// Server domain - request validation
	CodeServerInvalidRequest = "server.invalid_request" // Malformed or incomplete request body

	// General domain - catch-all errors
	CodeUnknown  = "error.unknown"  // Unknown error
	CodeInternal = "error.internal" // Internal server error
)

// CodedError wraps an error with a stable error code.
// This allows errors to carry both a code for programmatic handling
// and a message for human consumption.
type CodedError struct {
	Code    string // Stable error code (e.g., "session.not_connected")
	Message string // Human-readable error message
	Cause   error  // Underlying error (may be nil)
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CodedError) Unwrap() error {
	return e.Cause
}

// New creates a new CodedError with the given code and message.
func New(code, message string) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
	}
}

// Wrap creates a new CodedError wrapping an existing error.
func Wrap(code, message string, cause error) *CodedError {
	return &CodedError{
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// GetCode extracts the error code from an error.
// If the error is a CodedError, returns its code.
// Falls back to CodeUnknown for unrecognized errors.
func GetCode(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code
	}

	return CodeUnknown
}

// GetMessage extracts a human-readable message from an error.
// If the error is a CodedError, returns its message.
// Otherwise, returns the error's Error() string.
func GetMessage(err error) string {
	if err == nil {
		return ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Message
	}

	return err.Error()
}

// ToCodeAndMessage extracts both code and message from an error.
// This is the primary function for converting errors to client responses.
func ToCodeAndMessage(err error) (code, message string) {
	if err == nil {
		return "", ""
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Code, coded.Message
	}

	return CodeUnknown, err.Error()
}

// IsCode checks if an error has a specific error code.
func IsCode(err error, code string) bool {
	return GetCode(err) == code
}

// Common error constructors for frequently used error types.

// NotConnected creates a "session.not_connected" error.
func NotConnected() *CodedError {
	return New(CodeSessionNotConnected, "whatsapp session is not connected")
}

// SendFailed creates a "message.send_failed" error carrying the transport cause.
func SendFailed(cause error) *CodedError {
	return Wrap(CodeMessageSendFailed, "message delivery failed", cause)
}

// AuthRequired creates an "auth.required" error.
func AuthRequired() *CodedError {
	return New(CodeAuthRequired, "authentication token not provided")
}

// AuthInvalid creates an "auth.invalid" error.
func AuthInvalid() *CodedError {
	return New(CodeAuthInvalid, "authentication token is invalid")
}

// QRNotAvailable creates a "qr.not_available" error.
func QRNotAvailable() *CodedError {
	return New(CodeQRNotAvailable, "no pairing challenge pending (already connected?)")
}

// InvalidRequest creates a "server.invalid_request" error.
func InvalidRequest(reason string) *CodedError {
	return New(CodeServerInvalidRequest, reason)
}

// DialFailed creates a "transport.dial_failed" error.
func DialFailed(cause error) *CodedError {
	return Wrap(CodeTransportDialFailed, "failed to create transport handle", cause)
}

// Internal creates an "error.internal" error.
func Internal(message string, cause error) *CodedError {
	return Wrap(CodeInternal, message, cause)
}
