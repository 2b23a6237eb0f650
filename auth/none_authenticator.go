package auth

import (
	"context"
	"net/http"
)

const anonymous = "anonymous"

// NoneAuthenticator lets every request through as the anonymous user.
type NoneAuthenticator struct{}

func NewNoneAuthenticator() *NoneAuthenticator {
	return &NoneAuthenticator{}
}

func (n *NoneAuthenticator) Authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := NewUserContext(r.Context(), User{Username: anonymous})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (n *NoneAuthenticator) Login(context.Context, string, string) (*Token, error) {
	return &Token{AccessToken: anonymous, TokenType: "Bearer"}, nil
}
