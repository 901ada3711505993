// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package oauth holds the wire-level OAuth 2.0 types shared by the issuer,
// the providers, and the client verifier: error codes, token responses, and
// authorization-server metadata.
package oauth

import (
	"errors"
	"fmt"
)

// Standard OAuth 2.0 error codes (RFC 6749 Section 5.2) plus the extended
// codes the issuer uses internally.
const (
	ErrorCodeInvalidRequest      = "invalid_request"
	ErrorCodeInvalidGrant        = "invalid_grant"
	ErrorCodeInvalidClient       = "invalid_client"
	ErrorCodeUnauthorizedClient  = "unauthorized_client"
	ErrorCodeUnsupportedGrant    = "unsupported_grant_type"
	ErrorCodeAccessDenied        = "access_denied"
	ErrorCodeServerError         = "server_error"
	ErrorCodeInvalidRedirectURI  = "invalid_redirect_uri"
	ErrorCodeValidationError     = "validation_error"
	ErrorCodeInvalidCode         = "invalid_code"
	ErrorCodeInvalidAccessToken  = "invalid_access_token"
	ErrorCodeInvalidRefreshToken = "invalid_refresh_token"
	ErrorCodeInvalidAuthCode     = "invalid_authorization_code"
	ErrorCodeInvalidSubject      = "invalid_subject"
)

// Error is a protocol-level OAuth error. It serializes to the standard
// {"error": ..., "error_description": ...} JSON shape and is safe to show
// to clients; anything sensitive must be wrapped as a server_error before
// reaching one.
type Error struct {
	Code        string `json:"error"`
	Description string `json:"error_description,omitempty"`
}

// NewError creates an Error with the given code and description.
func NewError(code, description string) *Error {
	return &Error{Code: code, Description: description}
}

// Errorf creates an Error with a formatted description.
func Errorf(code, format string, args ...any) *Error {
	return &Error{Code: code, Description: fmt.Sprintf(format, args...)}
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Description == "" {
		return e.Code
	}
	return e.Code + ": " + e.Description
}

// Is makes errors.Is match on the error code.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Code == other.Code
}

// AsError extracts an *Error from err, wrapping unknown errors as a
// server_error whose description carries only the error message.
func AsError(err error) *Error {
	var oe *Error
	if errors.As(err, &oe) {
		return oe
	}
	return &Error{Code: ErrorCodeServerError, Description: err.Error()}
}

// MissingParameterError reports a required request parameter that was absent.
type MissingParameterError struct {
	Parameter string
}

// Error implements the error interface.
func (e *MissingParameterError) Error() string {
	return fmt.Sprintf("missing required parameter %q", e.Parameter)
}

// OAuth converts the parameter error to its wire representation.
func (e *MissingParameterError) OAuth() *Error {
	return Errorf(ErrorCodeInvalidRequest, "missing required parameter %q", e.Parameter)
}

// UnknownStateError indicates the authorization-state cookie was missing or
// expired mid-flow; the issuer hands these to the host's error renderer.
type UnknownStateError struct{}

// Error implements the error interface.
func (*UnknownStateError) Error() string {
	return "authorization state not found; the flow may have expired or cookies are unavailable"
}
