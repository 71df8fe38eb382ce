// Package auth issues and validates operator bearer tokens for the dashboard
// endpoints.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// Issuer and audience stamped on every operator token.
const (
	Issuer   = "anonreport"
	Audience = "anonreport-dashboard"
)

// Errors returned by Authenticator.
var (
	ErrBadCredentials = errors.New("invalid username or password")
	ErrInvalidToken   = errors.New("invalid token")
)

// Claims are the operator token claims.
type Claims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

// Authenticator checks operator credentials and signs HS256 tokens.
type Authenticator struct {
	secret       []byte
	username     string
	passwordHash []byte
	ttl          time.Duration
	now          func() time.Time
}

// New creates an Authenticator. Exactly one of password or passwordHash is
// used; a plain password is hashed once at construction.
func New(secret, username, password, passwordHash string, ttl time.Duration) (*Authenticator, error) {
	if secret == "" {
		return nil, errors.New("auth: empty signing secret")
	}
	if username == "" {
		return nil, errors.New("auth: empty operator username")
	}
	hash := []byte(passwordHash)
	if len(hash) == 0 {
		if password == "" {
			return nil, errors.New("auth: operator password or password hash required")
		}
		var err error
		hash, err = bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("auth: hash password: %w", err)
		}
	} else if _, err := bcrypt.Cost(hash); err != nil {
		return nil, fmt.Errorf("auth: invalid password hash: %w", err)
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Authenticator{
		secret:       []byte(secret),
		username:     username,
		passwordHash: hash,
		ttl:          ttl,
		now:          time.Now,
	}, nil
}

// Login checks the operator credentials and returns a signed token with its
// expiry.
func (a *Authenticator) Login(ctx context.Context, username, password string) (string, time.Time, error) {
	if username != a.username {
		// Burn the same time as a real comparison.
		_ = bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password))
		return "", time.Time{}, ErrBadCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", time.Time{}, ErrBadCredentials
	}
	return a.Issue(username)
}

// Issue signs a token for subject.
func (a *Authenticator) Issue(subject string) (string, time.Time, error) {
	now := a.now()
	exp := now.Add(a.ttl)
	claims := Claims{
		Role: "operator",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    Issuer,
			Subject:   subject,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("sign token: %w", err)
	}
	return signed, exp, nil
}

// Validate verifies a token's signature, issuer, audience and expiry.
func (a *Authenticator) Validate(tokenString string) (*Claims, error) {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}

	var claims Claims
	token, err := jwt.ParseWithClaims(tokenString, &claims, keyFunc,
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(a.now),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return nil, ErrInvalidToken
	}
	return &claims, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	const prefix = "bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	tok := strings.TrimSpace(header[len(prefix):])
	return tok, tok != ""
}

type claimsKey struct{}

// WithClaims returns a context carrying the operator claims.
func WithClaims(ctx context.Context, c *Claims) context.Context {
	return context.WithValue(ctx, claimsKey{}, c)
}

// ClaimsFrom returns the operator claims stored by WithClaims.
func ClaimsFrom(ctx context.Context) (*Claims, bool) {
	c, ok := ctx.Value(claimsKey{}).(*Claims)
	return c, ok
}
