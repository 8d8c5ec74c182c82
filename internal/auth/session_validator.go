// Package auth trusts session tokens minted by the external sign-in service
// and turns them into the reader identity used by the API.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DefaultIssuer is the issuer claim expected when none is configured.
const DefaultIssuer = "tauth"

const bearerPrefix = "bearer "

var (
	ErrMissingSigningSecret = errors.New("session validator: signing secret required")
	ErrMissingCookieName    = errors.New("session validator: cookie name required")
	ErrMissingToken         = errors.New("session validator: token required")
	ErrInvalidToken         = errors.New("session validator: invalid token")
	ErrExpiredToken         = errors.New("session validator: token expired")
	ErrMissingUser          = errors.New("session validator: user required")
)

// SessionClaims is the JWT payload of a reader session.
type SessionClaims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"user_display_name,omitempty"`
	jwt.RegisteredClaims
}

// Reader is the authenticated identity behind a request.
type Reader struct {
	UserID      string
	DisplayName string
}

// SessionValidatorConfig describes how sessions are verified.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator verifies HS256 session tokens from a cookie or bearer header.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

// NewSessionValidator validates cfg and constructs a SessionValidator.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = DefaultIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		clock:         clock,
	}, nil
}

// Validate parses token and returns the reader it identifies. The user_id
// claim wins over the subject.
func (v *SessionValidator) Validate(token string) (Reader, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Reader{}, ErrMissingToken
	}

	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(token, claims,
		func(*jwt.Token) (interface{}, error) { return v.signingSecret, nil },
		jwt.WithTimeFunc(v.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(v.issuer),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return Reader{}, ErrExpiredToken
	case err != nil:
		return Reader{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	userID := strings.TrimSpace(claims.UserID)
	if userID == "" {
		userID = strings.TrimSpace(claims.Subject)
	}
	if userID == "" {
		return Reader{}, ErrMissingUser
	}
	return Reader{UserID: userID, DisplayName: claims.DisplayName}, nil
}

// ValidateRequest authenticates r from the session cookie, falling back to
// an Authorization bearer token.
func (v *SessionValidator) ValidateRequest(r *http.Request) (Reader, error) {
	if r == nil {
		return Reader{}, ErrMissingToken
	}
	if cookie, err := r.Cookie(v.cookieName); err == nil && strings.TrimSpace(cookie.Value) != "" {
		return v.Validate(cookie.Value)
	}
	header := r.Header.Get("Authorization")
	if len(header) > len(bearerPrefix) && strings.EqualFold(header[:len(bearerPrefix)], bearerPrefix) {
		return v.Validate(header[len(bearerPrefix):])
	}
	return Reader{}, ErrMissingToken
}
