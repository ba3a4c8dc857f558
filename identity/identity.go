// Package identity issues and resolves the signed tokens that carry a
// caller's identity to the auction daemon.
package identity

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/cloudx-io/escrowauction/core"
)

// DefaultIssuer is the iss claim used when none is configured.
const DefaultIssuer = "auctiond"

// Claims represents JWT claims
type Claims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Issuer mints HS256 identity tokens.
type Issuer struct {
	secret []byte
	issuer string
	ttl    time.Duration
	now    func() time.Time
}

// NewIssuer returns an issuer. A zero ttl issues tokens without expiry.
func NewIssuer(secret []byte, issuer string, ttl time.Duration) (*Issuer, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is empty")
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Issuer{secret: secret, issuer: issuer, ttl: ttl, now: time.Now}, nil
}

// Issue returns a signed token for subject.
func (i *Issuer) Issue(subject core.Identity, role string) (string, error) {
	if subject == "" {
		return "", core.ErrInvalidIdentity
	}
	now := i.now()
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  string(subject),
			Issuer:   i.issuer,
			IssuedAt: jwt.NewNumericDate(now),
		},
	}
	if i.ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(now.Add(i.ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Resolver validates identity tokens.
type Resolver struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewResolver returns a resolver accepting tokens minted with secret by issuer.
func NewResolver(secret []byte, issuer string) (*Resolver, error) {
	if len(secret) == 0 {
		return nil, errors.New("token secret is empty")
	}
	if issuer == "" {
		issuer = DefaultIssuer
	}
	return &Resolver{secret: secret, issuer: issuer, now: time.Now}, nil
}

// Resolve returns the identity carried by token. Every failure wraps
// core.ErrInvalidIdentity.
func (r *Resolver) Resolve(token string) (core.Identity, *Claims, error) {
	if token == "" {
		return "", nil, fmt.Errorf("%w: missing token", core.ErrInvalidIdentity)
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return r.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(r.issuer),
		jwt.WithTimeFunc(r.now),
	)
	if err != nil {
		return "", nil, fmt.Errorf("%w: %w", core.ErrInvalidIdentity, err)
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return "", nil, fmt.Errorf("%w: invalid claims", core.ErrInvalidIdentity)
	}
	if claims.Subject == "" {
		return "", nil, fmt.Errorf("%w: token has no subject", core.ErrInvalidIdentity)
	}
	return core.Identity(claims.Subject), claims, nil
}
