package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const issuer = "docqueue"

// LocalAuthenticator checks passwords against configured bcrypt hashes and
// issues HS256 tokens signed with a shared secret.
type LocalAuthenticator struct {
	secret []byte
	users  map[string][]byte
	ttl    time.Duration
	now    func() time.Time

	// compared against when the user is unknown so both paths cost a bcrypt
	dummy []byte
}

func NewLocalAuthenticator(secret string, users map[string]string, ttl time.Duration) (*LocalAuthenticator, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is required")
	}
	if len(users) == 0 {
		return nil, errors.New("at least one user is required")
	}

	hashes := make(map[string][]byte, len(users))
	for name, hash := range users {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("user %s: invalid bcrypt hash: %w", name, err)
		}
		hashes[name] = []byte(hash)
	}

	dummy, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), bcrypt.DefaultCost)
	if err != nil {
		return nil, err
	}

	return &LocalAuthenticator{
		secret: []byte(secret),
		users:  hashes,
		ttl:    ttl,
		now:    time.Now,
		dummy:  dummy,
	}, nil
}

func (la *LocalAuthenticator) Login(_ context.Context, username, password string) (*Token, error) {
	hash, ok := la.users[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(la.dummy, []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(hash, []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	now := la.now()
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   username,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(la.ttl)),
		ID:        uuid.NewString(),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(la.secret)
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	return &Token{
		AccessToken: signed,
		TokenType:   "Bearer",
		ExpiresIn:   int64(la.ttl / time.Second),
	}, nil
}

func (la *LocalAuthenticator) Authenticate(token string) (User, error) {
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(la.now),
	)

	claims := &jwt.RegisteredClaims{}
	t, err := parser.ParseWithClaims(token, claims, func(*jwt.Token) (any, error) {
		return la.secret, nil
	})
	if err != nil {
		return User{}, fmt.Errorf("failed to authenticate token: %w", err)
	}
	if !t.Valid || claims.Subject == "" {
		return User{}, errors.New("failed to parse or validate token")
	}
	if _, ok := la.users[claims.Subject]; !ok {
		return User{}, fmt.Errorf("unknown user %s", claims.Subject)
	}

	return User{Username: claims.Subject}, nil
}

func (la *LocalAuthenticator) Authenticator(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accessToken, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || accessToken == "" {
			unauthorized(w, r, "no token provided")
			return
		}

		user, err := la.Authenticate(accessToken)
		if err != nil {
			zap.S().Named("auth").Debugw("rejected token", "error", err)
			unauthorized(w, r, "authentication failed")
			return
		}

		next.ServeHTTP(w, r.WithContext(NewUserContext(r.Context(), user)))
	})
}

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
