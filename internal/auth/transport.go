package auth

import (
	"context"
	"net/http"

	"golang.org/x/oauth2"
)

// Token converts the session to an oauth2 bearer token.
func (s *Session) Token() *oauth2.Token {
	return &oauth2.Token{
		AccessToken: s.AccessToken,
		TokenType:   "Bearer",
		Expiry:      s.ExpiresAt,
	}
}

// HTTPClient returns a client that sends the session token as a bearer
// Authorization header. base supplies the underlying transport and timeout.
func HTTPClient(ctx context.Context, base *http.Client, sess *Session) *http.Client {
	if base == nil {
		base = http.DefaultClient
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(sess.Token()))
	client.Timeout = base.Timeout
	return client
}
