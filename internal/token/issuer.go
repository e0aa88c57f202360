// Package token issues and verifies the access and refresh JWTs.
//
// Both kinds are HS256 tokens carrying sub, iat, exp, jti, iss and a typ
// claim. They are signed with different secrets and the typ claim is
// checked on verify, so a refresh token is never accepted where an access
// token is expected.
package token

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

const (
	TypeAccess  = "access"
	TypeRefresh = "refresh"
)

var (
	ErrTokenInvalid = errors.New("token invalid")
	ErrTokenExpired = errors.New("token expired")
)

// Token is a signed JWT with its expiry.
type Token struct {
	Raw       string
	ExpiresAt time.Time
}

// Claims is what a verified token tells us.
type Claims struct {
	UserID    uint64
	IssuedAt  time.Time
	ExpiresAt time.Time
	ID        string
}

type jwtClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies tokens.
type Issuer struct {
	accessSecret  []byte
	refreshSecret []byte
	accessTTL     time.Duration
	refreshTTL    time.Duration
	issuer        string
	now           func() time.Time
}

// Option customises an Issuer.
type Option func(*Issuer)

// WithClock overrides the time source used for iat/exp and validation.
func WithClock(now func() time.Time) Option {
	return func(i *Issuer) {
		if now != nil {
			i.now = now
		}
	}
}

// WithIssuer sets the iss claim.
func WithIssuer(iss string) Option {
	return func(i *Issuer) { i.issuer = iss }
}

func NewIssuer(accessSecret, refreshSecret string, accessTTL, refreshTTL time.Duration, opts ...Option) *Issuer {
	i := &Issuer{
		accessSecret:  []byte(accessSecret),
		refreshSecret: []byte(refreshSecret),
		accessTTL:     accessTTL,
		refreshTTL:    refreshTTL,
		issuer:        "storefront-auth",
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

func (i *Issuer) AccessTTL() time.Duration  { return i.accessTTL }
func (i *Issuer) RefreshTTL() time.Duration { return i.refreshTTL }

func (i *Issuer) IssueAccess(userID uint64) (Token, error) {
	return i.issue(userID, TypeAccess, i.accessSecret, i.accessTTL)
}

func (i *Issuer) IssueRefresh(userID uint64) (Token, error) {
	return i.issue(userID, TypeRefresh, i.refreshSecret, i.refreshTTL)
}

func (i *Issuer) issue(userID uint64, typ string, secret []byte, ttl time.Duration) (Token, error) {
	now := i.now().UTC().Truncate(time.Second)
	exp := now.Add(ttl)
	claims := jwtClaims{
		Type: typ,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(userID, 10),
			Issuer:    i.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
			ID:        uuid.NewString(),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign %s token: %w", typ, err)
	}
	return Token{Raw: signed, ExpiresAt: exp}, nil
}

func (i *Issuer) VerifyAccess(raw string) (Claims, error) {
	return i.verify(raw, TypeAccess, i.accessSecret)
}

func (i *Issuer) VerifyRefresh(raw string) (Claims, error) {
	return i.verify(raw, TypeRefresh, i.refreshSecret)
}

func (i *Issuer) verify(raw, typ string, secret []byte) (Claims, error) {
	var claims jwtClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		return secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return Claims{}, ErrTokenExpired
		}
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.Type != typ {
		return Claims{}, fmt.Errorf("%w: expected %s token, got %q", ErrTokenInvalid, typ, claims.Type)
	}
	return toClaims(claims)
}

// Inspect checks the signature of an access or refresh token but not its
// expiry, so a genuine token that already expired can still be put on the
// blacklist. Forged or malformed tokens fail with ErrTokenInvalid.
func (i *Issuer) Inspect(raw string) (Claims, error) {
	var claims jwtClaims
	_, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		c, ok := t.Claims.(*jwtClaims)
		if !ok {
			return nil, ErrTokenInvalid
		}
		switch c.Type {
		case TypeAccess:
			return i.accessSecret, nil
		case TypeRefresh:
			return i.refreshSecret, nil
		}
		return nil, fmt.Errorf("unknown token type %q", c.Type)
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithoutClaimsValidation(),
	)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrTokenInvalid, err)
	}
	if claims.ExpiresAt == nil {
		return Claims{}, fmt.Errorf("%w: no exp claim", ErrTokenInvalid)
	}
	return toClaims(claims)
}

func toClaims(c jwtClaims) (Claims, error) {
	id, err := strconv.ParseUint(c.Subject, 10, 64)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: bad subject", ErrTokenInvalid)
	}
	out := Claims{UserID: id, ID: c.ID}
	if c.IssuedAt != nil {
		out.IssuedAt = c.IssuedAt.Time
	}
	if c.ExpiresAt != nil {
		out.ExpiresAt = c.ExpiresAt.Time
	}
	return out, nil
}
