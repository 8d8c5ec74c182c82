package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testSecret     = "secret"
	testCookieName = "app_session"
)

var testNow = time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)

func newTestValidator(t *testing.T) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSecret),
		CookieName:    testCookieName,
		Clock:         func() time.Time { return testNow },
	})
	require.NoError(t, err)
	return validator
}

func signSession(t *testing.T, method jwt.SigningMethod, key interface{}, claims SessionClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return signed
}

func sessionClaims(userID, subject, issuer string, expiresAt time.Time) SessionClaims {
	return SessionClaims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(testNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}
}

func TestValidateAcceptsSessionAndPrefersUserIDClaim(t *testing.T) {
	validator := newTestValidator(t)
	token := signSession(t, jwt.SigningMethodHS256, []byte(testSecret),
		sessionClaims("reader-1", "google:abc", DefaultIssuer, testNow.Add(time.Hour)))

	reader, err := validator.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "reader-1", reader.UserID)
}

func TestValidateFallsBackToSubject(t *testing.T) {
	validator := newTestValidator(t)
	token := signSession(t, jwt.SigningMethodHS256, []byte(testSecret),
		sessionClaims("", "reader-2", DefaultIssuer, testNow.Add(time.Hour)))

	reader, err := validator.Validate(token)
	require.NoError(t, err)
	assert.Equal(t, "reader-2", reader.UserID)
}

func TestValidateRejections(t *testing.T) {
	validator := newTestValidator(t)
	testCases := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: "  ", want: ErrMissingToken},
		{name: "expired", token: signSession(t, jwt.SigningMethodHS256, []byte(testSecret),
			sessionClaims("reader-1", "reader-1", DefaultIssuer, testNow.Add(-time.Hour))), want: ErrExpiredToken},
		{name: "wrong-secret", token: signSession(t, jwt.SigningMethodHS256, []byte("other"),
			sessionClaims("reader-1", "reader-1", DefaultIssuer, testNow.Add(time.Hour))), want: ErrInvalidToken},
		{name: "wrong-issuer", token: signSession(t, jwt.SigningMethodHS256, []byte(testSecret),
			sessionClaims("reader-1", "reader-1", "someone-else", testNow.Add(time.Hour))), want: ErrInvalidToken},
		{name: "wrong-algorithm", token: signSession(t, jwt.SigningMethodHS512, []byte(testSecret),
			sessionClaims("reader-1", "reader-1", DefaultIssuer, testNow.Add(time.Hour))), want: ErrInvalidToken},
		{name: "no-user", token: signSession(t, jwt.SigningMethodHS256, []byte(testSecret),
			sessionClaims("", "", DefaultIssuer, testNow.Add(time.Hour))), want: ErrMissingUser},
		{name: "garbage", token: "not.a.jwt", want: ErrInvalidToken},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := validator.Validate(testCase.token)
			assert.ErrorIs(t, err, testCase.want)
		})
	}
}

func TestValidateRequestReadsCookieThenBearer(t *testing.T) {
	validator := newTestValidator(t)
	token := signSession(t, jwt.SigningMethodHS256, []byte(testSecret),
		sessionClaims("reader-1", "reader-1", DefaultIssuer, testNow.Add(time.Hour)))

	withCookie := httptest.NewRequest(http.MethodGet, "/books/ebook/1/highlights", http.NoBody)
	withCookie.AddCookie(&http.Cookie{Name: testCookieName, Value: token})
	reader, err := validator.ValidateRequest(withCookie)
	require.NoError(t, err)
	assert.Equal(t, "reader-1", reader.UserID)

	withBearer := httptest.NewRequest(http.MethodGet, "/books/ebook/1/highlights", http.NoBody)
	withBearer.Header.Set("Authorization", "Bearer "+token)
	reader, err = validator.ValidateRequest(withBearer)
	require.NoError(t, err)
	assert.Equal(t, "reader-1", reader.UserID)

	anonymous := httptest.NewRequest(http.MethodGet, "/books/ebook/1/highlights", http.NoBody)
	_, err = validator.ValidateRequest(anonymous)
	assert.ErrorIs(t, err, ErrMissingToken)
}

func TestNewSessionValidatorRequiresSecretAndCookie(t *testing.T) {
	_, err := NewSessionValidator(SessionValidatorConfig{CookieName: testCookieName})
	assert.ErrorIs(t, err, ErrMissingSigningSecret)

	_, err = NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte(testSecret)})
	assert.ErrorIs(t, err, ErrMissingCookieName)
}
