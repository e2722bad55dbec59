package auth_test

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/iselftoken/authclient/internal/auth"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokens_ExpiredAt(t *testing.T) {
	now := time.Now()

	t.Run("inside margin", func(t *testing.T) {
		tok := auth.Tokens{ExpiresAt: now.Add(4 * time.Minute)}
		assert.True(t, tok.ExpiredAt(now, auth.DefaultExpiryMargin))
	})

	t.Run("outside margin", func(t *testing.T) {
		tok := auth.Tokens{ExpiresAt: now.Add(6 * time.Minute)}
		assert.False(t, tok.ExpiredAt(now, auth.DefaultExpiryMargin))
	})

	t.Run("exactly at margin", func(t *testing.T) {
		tok := auth.Tokens{ExpiresAt: now.Add(5 * time.Minute)}
		assert.True(t, tok.ExpiredAt(now, auth.DefaultExpiryMargin))
	})
}

func TestUser_Equal(t *testing.T) {
	created := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	a := auth.User{ID: "1", Email: "a@example.com", Name: "Ana", CreatedAt: created, UpdatedAt: created}
	b := a
	b.CreatedAt = created.In(time.FixedZone("BRT", -3*3600))
	assert.True(t, a.Equal(b), "same instant in another zone is equal")

	b.Name = "Ana Maria"
	assert.False(t, a.Equal(b))
}

func TestAPIError_Is(t *testing.T) {
	unauthorized := &auth.APIError{Method: "GET", URL: "/auth/validate", StatusCode: http.StatusUnauthorized}
	unavailable := &auth.APIError{Method: "GET", URL: "/x", StatusCode: http.StatusServiceUnavailable}
	notFound := &auth.APIError{Method: "GET", URL: "/x", StatusCode: http.StatusNotFound}

	assert.ErrorIs(t, fmt.Errorf("wrapped: %w", unauthorized), auth.ErrAuthExpired)
	assert.NotErrorIs(t, unauthorized, auth.ErrServer)
	assert.ErrorIs(t, unavailable, auth.ErrServer)
	assert.NotErrorIs(t, notFound, auth.ErrServer)
	assert.NotErrorIs(t, notFound, auth.ErrAuthExpired)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, auth.IsTransient(&auth.NetworkError{Method: "GET", URL: "/", Err: errors.New("connection refused")}))
	assert.True(t, auth.IsTransient(&auth.APIError{StatusCode: 502}))
	assert.False(t, auth.IsTransient(&auth.APIError{StatusCode: 401}))
	assert.False(t, auth.IsTransient(&auth.APIError{StatusCode: 422}))
	assert.False(t, auth.IsTransient(errors.New("other")))
}

func TestMessage(t *testing.T) {
	assert.Equal(t, "wrong password", auth.Message(&auth.APIError{StatusCode: 401, Message: "wrong password"}))
	assert.Equal(t, "request timed out, try again",
		auth.Message(&auth.NetworkError{Err: context.DeadlineExceeded}))
	assert.Equal(t, "connection error, check your internet connection",
		auth.Message(&auth.NetworkError{Err: errors.New("dial tcp: refused")}))
	assert.Equal(t, "something went wrong, try again", auth.Message(errors.New("boom")))
}

func TestValidateLoginForm(t *testing.T) {
	require.NoError(t, auth.ValidateLoginForm(auth.LoginCredentials{Email: "ana@example.com", Password: "secret1"}))

	err := auth.ValidateLoginForm(auth.LoginCredentials{Email: "not-an-email", Password: "abcdef"})
	var validationErr *auth.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Equal(t, "enter a valid email", validationErr.Fields["email"])
	assert.Equal(t, "password must contain a number", validationErr.Fields["password"])
	assert.Equal(t, "invalid input: email: enter a valid email; password: password must contain a number", err.Error())
}

func TestValidateRegisterForm(t *testing.T) {
	valid := auth.RegisterCredentials{
		Name:            "José Silva",
		Email:           "jose@example.com",
		Password:        "Str0ng!Passw",
		ConfirmPassword: "Str0ng!Passw",
	}
	require.NoError(t, auth.ValidateRegisterForm(valid))

	tests := []struct {
		name  string
		edit  func(c *auth.RegisterCredentials)
		field string
		msg   string
	}{
		{"short name", func(c *auth.RegisterCredentials) { c.Name = " Jo " }, "name", "name must be at least 3 characters"},
		{"digits in name", func(c *auth.RegisterCredentials) { c.Name = "R2D2 Unit" }, "name", "name must contain only letters"},
		{"short password", func(c *auth.RegisterCredentials) { c.Password = "Ab1!"; c.ConfirmPassword = "Ab1!" }, "password", "password must be at least 11 characters"},
		{"no uppercase", func(c *auth.RegisterCredentials) { c.Password = "str0ng!passw"; c.ConfirmPassword = c.Password }, "password", "password must contain an uppercase letter"},
		{"no special", func(c *auth.RegisterCredentials) { c.Password = "Str0ngPassw0"; c.ConfirmPassword = c.Password }, "password", "password must contain a special character"},
		{"mismatch", func(c *auth.RegisterCredentials) { c.ConfirmPassword = "other" }, "confirmPassword", "passwords do not match"},
		{"missing confirmation", func(c *auth.RegisterCredentials) { c.ConfirmPassword = "" }, "confirmPassword", "confirm your password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid
			tt.edit(&c)
			var validationErr *auth.ValidationError
			require.ErrorAs(t, auth.ValidateRegisterForm(c), &validationErr)
			assert.Equal(t, tt.msg, validationErr.Fields[tt.field])
		})
	}
}

func TestValidateForgotAndResetForms(t *testing.T) {
	assert.NoError(t, auth.ValidateForgotPasswordForm("ana@example.com"))
	assert.Error(t, auth.ValidateForgotPasswordForm(""))

	assert.NoError(t, auth.ValidateResetPasswordForm(auth.ResetPasswordRequest{
		Token: "t", Password: "Str0ng!Passw", ConfirmPassword: "Str0ng!Passw",
	}))
	var validationErr *auth.ValidationError
	require.ErrorAs(t, auth.ValidateResetPasswordForm(auth.ResetPasswordRequest{}), &validationErr)
	assert.Contains(t, validationErr.Fields, "token")
	assert.Contains(t, validationErr.Fields, "password")
}

func TestExpiryFromAccessToken(t *testing.T) {
	exp := time.Now().Add(time.Hour).Truncate(time.Second)
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "user-1",
		"exp": exp.Unix(),
	}).SignedString([]byte("any-key"))
	require.NoError(t, err)

	got, ok := auth.ExpiryFromAccessToken(token)
	require.True(t, ok)
	assert.True(t, exp.Equal(got))

	_, ok = auth.ExpiryFromAccessToken("opaque-token")
	assert.False(t, ok)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x"}).SignedString([]byte("k"))
	require.NoError(t, err)
	_, ok = auth.ExpiryFromAccessToken(noExp)
	assert.False(t, ok)
}
