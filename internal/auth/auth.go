// Package auth checks shared secrets: peer logon credentials on the
// acceptor side and the admin bearer token.
package auth

import (
	"crypto/subtle"
	"errors"
	"strings"
)

var ErrUnauthorized = errors.New("auth: unauthorized")

// Validator validates a presented secret.
type Validator interface {
	Validate(token string) error
}

// StaticToken accepts exactly one non-empty token.
type StaticToken struct {
	Token string
}

func (s StaticToken) Validate(token string) error {
	if s.Token == "" {
		return ErrUnauthorized
	}
	if subtle.ConstantTimeCompare([]byte(s.Token), []byte(token)) != 1 {
		return ErrUnauthorized
	}
	return nil
}

// FuncValidator adapts a function into a Validator.
type FuncValidator func(token string) error

func (f FuncValidator) Validate(token string) error {
	return f(token)
}

// Credentials is the username/password pair a peer must present. An empty
// Username matches any username; an empty Password disables the check.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) Enabled() bool {
	return c.Password != ""
}

func (c Credentials) Check(username, password string) error {
	if !c.Enabled() {
		return nil
	}
	if c.Username != "" && subtle.ConstantTimeCompare([]byte(c.Username), []byte(username)) != 1 {
		return ErrUnauthorized
	}
	return StaticToken{Token: c.Password}.Validate(password)
}

// BearerToken returns the token of an "Authorization: Bearer" header value,
// or "" when the scheme does not match.
func BearerToken(header string) string {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return ""
	}
	return strings.TrimSpace(token)
}
