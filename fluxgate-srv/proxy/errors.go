package proxy

import (
	"errors"
	"fmt"
)

// Error represents a proxy-specific error with a code and description.
type Error struct {
	Code        string
	Description string
	Cause       error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Description, e.Cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// NewProxyError creates a new Error with the given code and description.
func NewProxyError(code, description string, cause error) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Cause:       cause,
	}
}

// Proxy Error Codes
const (
	// Connection and Network Errors (E2000-E2999)
	ErrCodeDNSFailure        = "E2001"
	ErrCodeConnectTimeout    = "E2002"
	ErrCodeConnectionRefused = "E2003"
	ErrCodeDialFailed        = "E2004"
	ErrCodeUpstreamClosed    = "E2005"

	// Request Parsing Errors (E4000-E4999)
	ErrCodeMalformedRequest  = "E4001"
	ErrCodeIncompleteRequest = "E4002"
	ErrCodeHeaderTimeout     = "E4003"
	ErrCodeHeaderTooLarge    = "E4004"

	// Access Control Errors (E7000-E7999)
	ErrCodeBlocklistMatch = "E7001"
	ErrCodeRateLimited    = "E7002"
)

// ErrorDescriptions maps error codes to human-readable descriptions.
var ErrorDescriptions = map[string]string{
	ErrCodeDNSFailure:        "Failed to resolve target hostname",
	ErrCodeConnectTimeout:    "Connection attempt timed out",
	ErrCodeConnectionRefused: "Connection refused by target server",
	ErrCodeDialFailed:        "Failed to dial target address",
	ErrCodeUpstreamClosed:    "Upstream closed connection before responding",

	ErrCodeMalformedRequest:  "Malformed HTTP request",
	ErrCodeIncompleteRequest: "Client closed connection before sending a full request",
	ErrCodeHeaderTimeout:     "Timed out waiting for request headers",
	ErrCodeHeaderTooLarge:    "Request headers exceed size limit",

	ErrCodeBlocklistMatch: "Host matches blocklist entry",
	ErrCodeRateLimited:    "Client exceeded request rate limit",
}

// NewConnectionError creates a connection-related error.
func NewConnectionError(code string, cause error) *Error {
	return NewProxyError(code, ErrorDescriptions[code], cause)
}

// NewParseError creates a request-parsing error.
func NewParseError(code string, cause error) *Error {
	return NewProxyError(code, ErrorDescriptions[code], cause)
}

// ErrorCode extracts the proxy error code from err, or "" when err carries
// no *Error in its chain.
func ErrorCode(err error) string {
	var perr *Error
	if errors.As(err, &perr) {
		return perr.Code
	}
	return ""
}
