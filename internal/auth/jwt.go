// Package auth выдаёт и проверяет access-токены (HS256); subject — id пользователя.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Spok95/adsum/internal/models"
)

var (
	ErrInvalidToken = errors.New("auth: invalid token")
	ErrNoSigningKey = errors.New("auth: signing key is empty")
)

type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

type Token struct {
	AccessToken string    `json:"access_token"`
	ExpiresAt   time.Time `json:"expires_at"`
}

type Issuer struct {
	Key    []byte
	Issuer string
	TTL    time.Duration
	Now    func() time.Time
}

func (i Issuer) now() time.Time {
	if i.Now != nil {
		return i.Now()
	}
	return time.Now()
}

// Issue подписывает access-токен пользователя с ролью.
func (i Issuer) Issue(subject string, role models.Role) (Token, error) {
	if len(i.Key) == 0 {
		return Token{}, ErrNoSigningKey
	}
	if subject == "" || !role.Valid() {
		return Token{}, fmt.Errorf("subject %q role %q: %w", subject, role, ErrInvalidToken)
	}
	now := i.now()
	exp := now.Add(i.TTL)
	claims := Claims{
		Role: role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    i.Issuer,
			Subject:   subject,
			ExpiresAt: jwt.NewNumericDate(exp),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(i.Key)
	if err != nil {
		return Token{}, fmt.Errorf("sign token: %w", err)
	}
	return Token{AccessToken: signed, ExpiresAt: exp}, nil
}

// Parse проверяет подпись, срок и издателя.
func (i Issuer) Parse(tokenStr string) (Claims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(i.now),
	}
	if i.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(i.Issuer))
	}
	var claims Claims
	parsed, err := jwt.ParseWithClaims(tokenStr, &claims, func(*jwt.Token) (interface{}, error) {
		return i.Key, nil
	}, opts...)
	if err != nil {
		return Claims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !parsed.Valid || claims.Subject == "" || !claims.Role.Valid() {
		return Claims{}, ErrInvalidToken
	}
	return claims, nil
}
