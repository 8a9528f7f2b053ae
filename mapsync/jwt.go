package mapsync

import (
	"errors"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
)

var ErrAuthJwtExpired = errors.New("Auth token expired.")

type AuthJwt struct {
	Subject   string
	ExpiresAt time.Time
}

// the server verifies the token. the client only reads the claims it needs to decide
// whether reconnecting can succeed
func ParseAuthJwtUnverified(jwt string) (*AuthJwt, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}

	authJwt := &AuthJwt{}
	if subject, err := token.Claims.GetSubject(); err == nil {
		authJwt.Subject = subject
	}
	if expiresAt, err := token.Claims.GetExpirationTime(); err == nil && expiresAt != nil {
		authJwt.ExpiresAt = expiresAt.Time
	}
	return authJwt, nil
}

func CheckAuthJwtExpiry(jwt string, now time.Time) error {
	authJwt, err := ParseAuthJwtUnverified(jwt)
	if err != nil {
		return err
	}
	if !authJwt.ExpiresAt.IsZero() && !now.Before(authJwt.ExpiresAt) {
		return ErrAuthJwtExpired
	}
	return nil
}
