// Package auth verifies bearer tokens and carries the caller's identity.
package auth

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	// Wallet is the address the caller controls; empty for operators.
	Wallet string `json:"wallet,omitempty"`
	Role   string `json:"role"`

	jwt.RegisteredClaims
}

// Actor is the identity recorded on audit entries.
func (c Claims) Actor() string {
	if s := strings.TrimSpace(c.Subject); s != "" {
		return s
	}
	if c.Wallet != "" {
		return c.Wallet
	}
	return "unknown"
}

func (c Claims) IsAdmin() bool {
	return strings.EqualFold(c.Role, RoleAdmin)
}

type JWT struct {
	Secret   []byte
	Issuer   string
	TokenTTL time.Duration
}

func (j JWT) Sign(claims Claims) (token string, expiresAt time.Time, err error) {
	now := time.Now().UTC()
	if claims.IssuedAt == nil {
		claims.IssuedAt = jwt.NewNumericDate(now)
	}
	if claims.NotBefore == nil {
		claims.NotBefore = jwt.NewNumericDate(now.Add(-5 * time.Second))
	}
	if claims.ExpiresAt == nil {
		ttl := j.TokenTTL
		if ttl <= 0 {
			ttl = time.Hour
		}
		expiresAt = now.Add(ttl)
		claims.ExpiresAt = jwt.NewNumericDate(expiresAt)
	} else {
		expiresAt = claims.ExpiresAt.Time
	}
	if claims.Issuer == "" {
		claims.Issuer = j.issuer()
	}
	if claims.Role == "" {
		claims.Role = RoleUser
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	s, err := t.SignedString(j.Secret)
	if err != nil {
		return "", time.Time{}, err
	}
	return s, expiresAt, nil
}

func (j JWT) Verify(token string) (Claims, error) {
	if len(j.Secret) == 0 {
		return Claims{}, errors.New("jwt secret not configured")
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, errors.New("unexpected signing method")
		}
		return j.Secret, nil
	}, jwt.WithIssuer(j.issuer()), jwt.WithExpirationRequired())
	if err != nil {
		return Claims{}, err
	}
	c, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Claims{}, ErrInvalidToken
	}
	return *c, nil
}

func (j JWT) issuer() string {
	if strings.TrimSpace(j.Issuer) == "" {
		return "sherpa"
	}
	return j.Issuer
}
