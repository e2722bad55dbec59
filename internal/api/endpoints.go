package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iselftoken/authclient/internal/auth"
)

const (
	PathLogin          = "/auth/login"
	PathRegister       = "/auth/register"
	PathRefresh        = "/auth/refresh"
	PathLogout         = "/auth/logout"
	PathValidate       = "/auth/validate"
	PathForgotPassword = "/auth/forgot-password"
	PathResetPassword  = "/auth/reset-password"
	PathEmailVerify    = "/auth/email-verify"
	PathProfile        = "/user/profile"
)

// tokensPayload is the wire form of auth.Tokens. ExpiresAt is epoch
// milliseconds.
type tokensPayload struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken,omitempty"`
	ExpiresAt    int64  `json:"expiresAt"`
}

// toTokens converts the payload, falling back to the access token's exp
// claim when the server sent no expiry.
func (p tokensPayload) toTokens() auth.Tokens {
	t := auth.Tokens{
		AccessToken:  p.AccessToken,
		RefreshToken: p.RefreshToken,
	}
	if p.ExpiresAt > 0 {
		t.ExpiresAt = time.UnixMilli(p.ExpiresAt)
	} else if exp, ok := auth.ExpiryFromAccessToken(p.AccessToken); ok {
		t.ExpiresAt = exp
	}
	return t
}

type authResponse struct {
	User   auth.User     `json:"user"`
	Tokens tokensPayload `json:"tokens"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type refreshResponse struct {
	Tokens tokensPayload `json:"tokens"`
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

// Login authenticates and persists the returned tokens and user.
func (c *Client) Login(ctx context.Context, creds auth.LoginCredentials) (auth.Response, error) {
	res, err := c.authenticate(ctx, PathLogin, creds)
	if err != nil {
		return auth.Response{}, fmt.Errorf("login: %w", err)
	}
	log.Info().Str("userId", res.User.ID).Msg("login successful")
	return res, nil
}

// Register creates an account and persists the returned tokens and user.
func (c *Client) Register(ctx context.Context, creds auth.RegisterCredentials) (auth.Response, error) {
	res, err := c.authenticate(ctx, PathRegister, creds)
	if err != nil {
		return auth.Response{}, fmt.Errorf("register: %w", err)
	}
	log.Info().Str("userId", res.User.ID).Msg("registration successful")
	return res, nil
}

func (c *Client) authenticate(ctx context.Context, path string, body any) (auth.Response, error) {
	var result authResponse
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   path,
		body:   body,
		result: &result,
		retry:  true,
	})
	if err != nil {
		return auth.Response{}, err
	}

	res := auth.Response{User: result.User, Tokens: result.Tokens.toTokens()}
	if err := c.tokens.Save(ctx, res.Tokens, res.User); err != nil {
		return auth.Response{}, err
	}
	return res, nil
}

// Logout tells the server the session ended. It is sent once: no retry and
// no refresh.
func (c *Client) Logout(ctx context.Context) error {
	return c.do(ctx, call{
		method:        http.MethodPost,
		path:          PathLogout,
		authenticated: true,
	})
}

// ValidateToken reports whether the server still accepts the session. Any
// failure counts as invalid.
func (c *Client) ValidateToken(ctx context.Context) bool {
	err := c.do(ctx, c.authed(http.MethodGet, PathValidate, nil, nil))
	if err != nil {
		log.Warn().Err(err).Msg("token validation failed")
		return false
	}
	return true
}

// Profile fetches the current user.
func (c *Client) Profile(ctx context.Context) (auth.User, error) {
	var user auth.User
	if err := c.do(ctx, c.authed(http.MethodGet, PathProfile, nil, &user)); err != nil {
		return auth.User{}, fmt.Errorf("profile: %w", err)
	}
	return user, nil
}

func (c *Client) ForgotPassword(ctx context.Context, email string) error {
	return c.public(ctx, PathForgotPassword, forgotPasswordRequest{Email: email})
}

func (c *Client) ResetPassword(ctx context.Context, req auth.ResetPasswordRequest) error {
	return c.public(ctx, PathResetPassword, req)
}

func (c *Client) VerifyEmail(ctx context.Context, req auth.EmailVerification) error {
	return c.public(ctx, PathEmailVerify, req)
}

func (c *Client) public(ctx context.Context, path string, body any) error {
	return c.do(ctx, call{
		method: http.MethodPost,
		path:   path,
		body:   body,
		retry:  true,
	})
}

func (c *Client) authed(method, path string, body, result any) call {
	return call{
		method:        method,
		path:          path,
		body:          body,
		result:        result,
		authenticated: true,
		refreshOn401:  true,
		retry:         true,
	}
}
