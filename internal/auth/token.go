package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const DefaultTokenTTL = 12 * time.Hour

// Token is a signed session token handed out by Login.
type Token struct {
	Type      string    `json:"type"`
	Value     string    `json:"value"`
	ExpiresAt time.Time `json:"expires_at"`
}

type claims struct {
	Role Role `json:"role"`
	jwt.RegisteredClaims
}

type issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func newIssuer(secret []byte, ttl time.Duration) *issuer {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	return &issuer{secret: secret, ttl: ttl, now: time.Now}
}

func (i *issuer) issue(p Principal) (Token, error) {
	now := i.now()
	exp := now.Add(i.ttl)
	c := claims{
		Role: p.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   p.Name,
			Issuer:    "botkeeper",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.secret)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{Type: "Bearer", Value: s, ExpiresAt: exp}, nil
}

func (i *issuer) verify(s string) (Principal, error) {
	var c claims
	_, err := jwt.ParseWithClaims(s, &c, func(t *jwt.Token) (any, error) {
		return i.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer("botkeeper"),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(i.now),
	)
	if err != nil {
		return Principal{}, err
	}
	return Principal{Name: c.Subject, Role: c.Role, Method: "jwt"}, nil
}
