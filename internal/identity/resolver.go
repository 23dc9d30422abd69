// Package identity turns a bearer credential into a verified user.
package identity

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"livemarket/internal/liveerrors"
	"livemarket/internal/models"
)

// UserGetter loads the display record of a verified user id.
type UserGetter interface {
	GetUser(ctx context.Context, id string) (models.User, error)
}

// Claims carries the user id in "id", the field the account service signs.
// Tokens that only set "sub" are accepted too.
type Claims struct {
	UserID string `json:"id,omitempty"`
	jwt.RegisteredClaims
}

func (c Claims) subject() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

type Resolver struct {
	secret []byte
	users  UserGetter
	parser *jwt.Parser
}

func NewResolver(secret string, users UserGetter) *Resolver {
	return &Resolver{
		secret: []byte(secret),
		users:  users,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})),
	}
}

// Resolve verifies the token and loads its user. Every failure is reported
// as ErrUnauthenticated.
func (r *Resolver) Resolve(ctx context.Context, token string) (models.User, error) {
	if token == "" {
		return models.User{}, fmt.Errorf("missing token: %w", liveerrors.ErrUnauthenticated)
	}
	var claims Claims
	_, err := r.parser.ParseWithClaims(token, &claims, func(*jwt.Token) (any, error) {
		return r.secret, nil
	})
	if err != nil {
		return models.User{}, fmt.Errorf("invalid token: %w", liveerrors.ErrUnauthenticated)
	}
	id := claims.subject()
	if id == "" {
		return models.User{}, fmt.Errorf("token without user id: %w", liveerrors.ErrUnauthenticated)
	}

	u, err := r.users.GetUser(ctx, id)
	if errors.Is(err, liveerrors.ErrNotFound) {
		return models.User{}, fmt.Errorf("unknown user %s: %w", id, liveerrors.ErrUnauthenticated)
	}
	if err != nil {
		return models.User{}, err
	}
	return u, nil
}

// Issue signs a token for userID. Used by local tooling and tests; issuing
// production tokens belongs to the account service.
func (r *Resolver) Issue(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.secret)
}

// Credential extracts the token from the "token" query parameter or an
// "Authorization: Bearer" header.
func Credential(req *http.Request) string {
	if t := req.URL.Query().Get("token"); t != "" {
		return t
	}
	h := req.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}
