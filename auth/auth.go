package auth

import (
	"context"
	"errors"
	"net/http"

	"docqueue/config"

	"github.com/go-chi/render"
	"go.uber.org/zap"
)

var ErrInvalidCredentials = errors.New("invalid credentials")

type Authenticator interface {
	Authenticator(next http.Handler) http.Handler
	Login(ctx context.Context, username, password string) (*Token, error)
}

type Token struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

func NewAuthenticator(authConfig config.Auth) (Authenticator, error) {
	zap.S().Named("auth").Infof("authentication: '%s'", authConfig.Type)

	switch authConfig.Type {
	case config.AuthNone:
		return NewNoneAuthenticator(), nil
	default:
		return NewLocalAuthenticator(authConfig.JWTSecret, authConfig.Users, authConfig.TokenTTL)
	}
}

type usernameKeyType struct{}

var usernameKey usernameKeyType

type User struct {
	Username string
}

func UserFromContext(ctx context.Context) (User, bool) {
	val := ctx.Value(usernameKey)
	if val == nil {
		return User{}, false
	}
	return val.(User), true
}

func NewUserContext(ctx context.Context, u User) context.Context {
	return context.WithValue(ctx, usernameKey, u)
}

func unauthorized(w http.ResponseWriter, r *http.Request, msg string) {
	w.Header().Set("WWW-Authenticate", `Bearer realm="docqueue"`)
	render.Status(r, http.StatusUnauthorized)
	render.JSON(w, r, map[string]any{
		"error": map[string]string{"code": "unauthorized", "message": msg},
	})
}
