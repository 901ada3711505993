// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"fmt"

	"github.com/stacklok/authkit/pkg/oauth"
)

// InvalidAuthorizationCodeError reports a failed code exchange.
type InvalidAuthorizationCodeError struct {
	Err error
}

// Error implements the error interface.
func (e *InvalidAuthorizationCodeError) Error() string {
	return fmt.Sprintf("invalid authorization code: %v", e.Err)
}

// Unwrap exposes the cause.
func (e *InvalidAuthorizationCodeError) Unwrap() error { return e.Err }

// OAuth converts the error to its wire representation.
func (e *InvalidAuthorizationCodeError) OAuth() *oauth.Error {
	return oauth.Errorf(oauth.ErrorCodeInvalidAuthCode, "%v", e.Err)
}

// InvalidRefreshTokenError reports a failed refresh rotation.
type InvalidRefreshTokenError struct {
	Err error
}

// Error implements the error interface.
func (e *InvalidRefreshTokenError) Error() string {
	return fmt.Sprintf("invalid refresh token: %v", e.Err)
}

// Unwrap exposes the cause.
func (e *InvalidRefreshTokenError) Unwrap() error { return e.Err }

// OAuth converts the error to its wire representation.
func (e *InvalidRefreshTokenError) OAuth() *oauth.Error {
	return oauth.Errorf(oauth.ErrorCodeInvalidRefreshToken, "%v", e.Err)
}

// InvalidAccessTokenError reports an access token that failed verification.
type InvalidAccessTokenError struct {
	Err error
}

// Error implements the error interface.
func (e *InvalidAccessTokenError) Error() string {
	return fmt.Sprintf("invalid access token: %v", e.Err)
}

// Unwrap exposes the cause.
func (e *InvalidAccessTokenError) Unwrap() error { return e.Err }

// OAuth converts the error to its wire representation.
func (e *InvalidAccessTokenError) OAuth() *oauth.Error {
	return oauth.Errorf(oauth.ErrorCodeInvalidAccessToken, "%v", e.Err)
}

// InvalidSubjectError reports token claims that do not satisfy any
// configured subject schema.
type InvalidSubjectError struct {
	Err error
}

// Error implements the error interface.
func (e *InvalidSubjectError) Error() string {
	return fmt.Sprintf("invalid subject: %v", e.Err)
}

// Unwrap exposes the cause.
func (e *InvalidSubjectError) Unwrap() error { return e.Err }

// OAuth converts the error to its wire representation.
func (e *InvalidSubjectError) OAuth() *oauth.Error {
	return oauth.Errorf(oauth.ErrorCodeInvalidSubject, "%v", e.Err)
}
