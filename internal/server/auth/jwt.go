// Package auth issues and validates the stateless access tokens handed out
// at register and login, and guards HTTP routes with them.
package auth

import (
	"errors"
	"time"

	"github.com/dmitrijs2005/gophauth/internal/common"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Claims is the token payload: the standard registered claims plus the
// account identity.
type Claims struct {
	jwt.RegisteredClaims
	UserID string `json:"uid"`
	Email  string `json:"email"`
}

// Identity is what a valid token proves.
type Identity struct {
	UserID    string
	Email     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Issuer signs tokens with a shared HS256 secret. There is no revocation:
// a token is valid until it expires.
type Issuer struct {
	secretKey []byte
	validity  time.Duration
	now       func() time.Time
}

// NewIssuer builds an Issuer. The secret is injected rather than read from
// global config so tests can pin it.
func NewIssuer(secretKey []byte, validity time.Duration) (*Issuer, error) {
	if len(secretKey) == 0 {
		return nil, errors.New("secret key is empty")
	}
	if validity <= 0 {
		return nil, errors.New("token validity must be positive")
	}
	return &Issuer{secretKey: secretKey, validity: validity, now: time.Now}, nil
}

// WithClock returns a copy of i reading time from now.
func (i *Issuer) WithClock(now func() time.Time) *Issuer {
	c := *i
	c.now = now
	return &c
}

// Issue returns a signed token for the account.
func (i *Issuer) Issue(userID, email string) (string, error) {
	issued := i.now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(i.validity)),
		},
		UserID: userID,
		Email:  email,
	})

	tokenString, err := token.SignedString(i.secretKey)
	if err != nil {
		return "", err
	}

	return tokenString, nil
}

// Validate checks signature and expiry and returns the bound identity.
// It fails with common.ErrTokenExpired past expiry and common.ErrInvalidToken
// for anything else. The signature is checked before any claim.
func (i *Issuer) Validate(tokenString string) (*Identity, error) {
	claims := &Claims{}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithIssuedAt(),
		jwt.WithTimeFunc(i.now),
	)

	token, err := parser.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return i.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, common.ErrTokenExpired
		}
		return nil, common.ErrInvalidToken
	}

	if !token.Valid || claims.IssuedAt == nil || claims.UserID == "" || claims.Subject != claims.UserID {
		return nil, common.ErrInvalidToken
	}

	return &Identity{
		UserID:    claims.UserID,
		Email:     claims.Email,
		IssuedAt:  claims.IssuedAt.Time,
		ExpiresAt: claims.ExpiresAt.Time,
	}, nil
}
