// Package auth brokers per-user OAuth access tokens for remote tool servers.
//
// Tokens come from AWS Bedrock AgentCore Identity: a workload access token is
// issued for the chat user, then exchanged for the resource provider's access
// token. Sessions are cached per (user, server) until they expire.
package auth

import (
	"errors"
	"fmt"
)

var (
	// ErrAuthorizationRequired means the user has not yet granted access to
	// the resource provider.
	ErrAuthorizationRequired = errors.New("authorization required")

	// ErrExchangeFailed wraps broker failures other than missing
	// authorization.
	ErrExchangeFailed = errors.New("token exchange failed")
)

// OAuthError reports a failed token acquisition for a server.
type OAuthError struct {
	Server string

	// AuthorizationURL is set when the user must open it to grant access.
	AuthorizationURL string

	Cause error
}

func (e *OAuthError) Error() string {
	if e.AuthorizationURL != "" {
		return fmt.Sprintf("oauth %s: authorization required", e.Server)
	}
	if e.Cause != nil {
		return fmt.Sprintf("oauth %s: %v", e.Server, e.Cause)
	}
	return fmt.Sprintf("oauth %s: failed", e.Server)
}

func (e *OAuthError) Unwrap() error {
	return e.Cause
}

// ReasonCode classifies the error for tool results.
func (e *OAuthError) ReasonCode() string {
	return "oauth"
}

// NeedsAuthorization reports whether the user has to follow
// AuthorizationURL before the server can be used.
func (e *OAuthError) NeedsAuthorization() bool {
	return e.AuthorizationURL != ""
}

// GetOAuthError extracts an OAuthError from an error chain.
func GetOAuthError(err error) (*OAuthError, bool) {
	var oe *OAuthError
	if errors.As(err, &oe) {
		return oe, true
	}
	return nil, false
}
