// Package errors provides standardized error handling for the marketplace service.
package errors

import (
	"fmt"
	"net/http"
)

// ErrorCode represents a standardized error code for the marketplace service.
type ErrorCode string

const (
	// Validation errors
	MKT_VALIDATION    ErrorCode = "MKT_VALIDATION"    // Field validation failed
	MKT_SCHEMA_REJECT ErrorCode = "MKT_SCHEMA_REJECT" // Payload schema validation failed
	MKT_BAD_REQUEST   ErrorCode = "MKT_BAD_REQUEST"   // Malformed request

	MKT_METHOD_NOT_ALLOWED ErrorCode = "MKT_METHOD_NOT_ALLOWED"

	// Authentication/Authorization errors
	MKT_AUTHN           ErrorCode = "MKT_AUTHN"           // Authentication failed
	MKT_AUTHZ           ErrorCode = "MKT_AUTHZ"           // Authorization failed
	MKT_JWT_INVALID     ErrorCode = "MKT_JWT_INVALID"     // Invalid JWT
	MKT_JWT_EXPIRED     ErrorCode = "MKT_JWT_EXPIRED"     // Expired JWT
	MKT_JWT_MALFORMED   ErrorCode = "MKT_JWT_MALFORMED"   // Malformed JWT
	MKT_WALLET_MISMATCH ErrorCode = "MKT_WALLET_MISMATCH" // Token subject does not own the address

	// Resource errors
	MKT_NOT_FOUND  ErrorCode = "MKT_NOT_FOUND"  // Resource not found
	MKT_CONFLICT   ErrorCode = "MKT_CONFLICT"   // Uniqueness conflict
	MKT_CAPACITY   ErrorCode = "MKT_CAPACITY"   // Per-owner capacity exceeded
	MKT_MEDIA_SIZE ErrorCode = "MKT_MEDIA_SIZE" // Media size limit exceeded
	MKT_MEDIA_TYPE ErrorCode = "MKT_MEDIA_TYPE" // Media type not allowed

	// Rate limiting
	MKT_RATE_LIMIT ErrorCode = "MKT_RATE_LIMIT" // Rate limit exceeded

	// Chain errors
	MKT_CHAIN_REJECTED           ErrorCode = "MKT_CHAIN_REJECTED"           // Signer refused the transaction
	MKT_CHAIN_INSUFFICIENT_FUNDS ErrorCode = "MKT_CHAIN_INSUFFICIENT_FUNDS" // Sender cannot cover value plus gas
	MKT_CHAIN_REVERTED           ErrorCode = "MKT_CHAIN_REVERTED"           // Contract reverted
	MKT_CHAIN_TIMEOUT            ErrorCode = "MKT_CHAIN_TIMEOUT"            // Confirmation wait timed out
	MKT_CHAIN_FAILED             ErrorCode = "MKT_CHAIN_FAILED"             // Any other RPC failure

	// Server errors
	MKT_INTERNAL    ErrorCode = "MKT_INTERNAL"    // Internal server error
	MKT_UNAVAILABLE ErrorCode = "MKT_UNAVAILABLE" // Service or dependency unavailable
)

// Error represents a standardized error response.
type Error struct {
	Code          ErrorCode   `json:"code"`
	Message       string      `json:"message"`
	CorrelationID string      `json:"correlationId"`
	Details       interface{} `json:"details,omitempty"`
	HTTPStatus    int         `json:"-"`
}

// New creates a new Error with the specified code and message.
func New(code ErrorCode, message string, correlationID string) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// NewWithDetails creates a new Error with the specified code, message, and details.
func NewWithDetails(code ErrorCode, message string, correlationID string, details interface{}) *Error {
	return &Error{
		Code:          code,
		Message:       message,
		CorrelationID: correlationID,
		Details:       details,
		HTTPStatus:    httpStatusCodeForCode(code),
	}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("%s: %s (details: %v)", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// FromChainKind maps a chain error kind ("rejected", "insufficient_funds",
// "reverted", "timeout") to the matching error code.
func FromChainKind(kind string) ErrorCode {
	switch kind {
	case "rejected":
		return MKT_CHAIN_REJECTED
	case "insufficient_funds":
		return MKT_CHAIN_INSUFFICIENT_FUNDS
	case "reverted":
		return MKT_CHAIN_REVERTED
	case "timeout":
		return MKT_CHAIN_TIMEOUT
	default:
		return MKT_CHAIN_FAILED
	}
}

// httpStatusCodeForCode maps error codes to HTTP status codes.
func httpStatusCodeForCode(code ErrorCode) int {
	switch code {
	case MKT_VALIDATION, MKT_SCHEMA_REJECT, MKT_BAD_REQUEST, MKT_MEDIA_SIZE, MKT_MEDIA_TYPE:
		return http.StatusBadRequest
	case MKT_AUTHZ, MKT_WALLET_MISMATCH:
		return http.StatusForbidden
	case MKT_AUTHN, MKT_JWT_INVALID, MKT_JWT_EXPIRED, MKT_JWT_MALFORMED:
		return http.StatusUnauthorized
	case MKT_NOT_FOUND:
		return http.StatusNotFound
	case MKT_METHOD_NOT_ALLOWED:
		return http.StatusMethodNotAllowed
	case MKT_CONFLICT, MKT_CAPACITY:
		return http.StatusConflict
	case MKT_RATE_LIMIT:
		return http.StatusTooManyRequests
	case MKT_CHAIN_REJECTED:
		return http.StatusBadRequest
	case MKT_CHAIN_INSUFFICIENT_FUNDS:
		return http.StatusPaymentRequired
	case MKT_CHAIN_REVERTED:
		return http.StatusUnprocessableEntity
	case MKT_CHAIN_TIMEOUT:
		return http.StatusGatewayTimeout
	case MKT_CHAIN_FAILED:
		return http.StatusBadGateway
	case MKT_UNAVAILABLE:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
