package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"vanish/pkg/domain"
)

const issuer = "vanish"

type Claims struct {
	jwt.RegisteredClaims
	Username string `json:"username"`
	Admin    bool   `json:"admin,omitempty"`
}

// Caller is the identity attached to a request. The zero value is an
// anonymous caller.
type Caller struct {
	Username string
	Admin    bool
}

func (c Caller) Privilege() domain.Privilege {
	switch {
	case c.Admin:
		return domain.Admin
	case c.Username != "":
		return domain.Authenticated
	}
	return domain.Anonymous
}

type Tokens struct {
	key []byte
	now func() time.Time
}

func NewTokens(secret []byte) (*Tokens, error) {
	if len(secret) < 32 {
		return nil, errors.New("token secret must be at least 32 bytes")
	}
	k := make([]byte, len(secret))
	copy(k, secret)
	return &Tokens{key: k, now: time.Now}, nil
}
func (t *Tokens) Issue(c Caller, validFor time.Duration) (string, error) {
	if c.Username == "" {
		return "", errors.New("username required")
	}
	now := t.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   c.Username,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validFor)),
		},
		Username: c.Username,
		Admin:    c.Admin,
	})
	return token.SignedString(t.key)
}

// Parse validates a bearer token. Any failure maps to domain.ErrInvalidToken.
func (t *Tokens) Parse(tokenString string) (Caller, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (interface{}, error) {
		return t.key, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	if err != nil || !token.Valid || claims.Username == "" {
		return Caller{}, domain.ErrInvalidToken
	}
	return Caller{Username: claims.Username, Admin: claims.Admin}, nil
}
