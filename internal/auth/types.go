// Package auth holds the credential and session types shared by the token
// store, the HTTP pipeline and the session manager.
package auth

import "time"

// User is the account returned by the auth endpoints.
type User struct {
	ID        string    `json:"id"`
	Email     string    `json:"email"`
	Name      string    `json:"name"`
	Avatar    string    `json:"avatar,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Equal reports whether u and o describe the same user, field by field.
func (u User) Equal(o User) bool {
	return u.ID == o.ID &&
		u.Email == o.Email &&
		u.Name == o.Name &&
		u.Avatar == o.Avatar &&
		u.CreatedAt.Equal(o.CreatedAt) &&
		u.UpdatedAt.Equal(o.UpdatedAt)
}

// DefaultExpiryMargin is how long before ExpiresAt a token is already treated
// as expired, so a request is never sent with a token that lapses in flight.
const DefaultExpiryMargin = 5 * time.Minute

// Tokens is the credential triple of an authenticated session.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ExpiredAt reports whether the tokens count as expired at now given margin.
func (t Tokens) ExpiredAt(now time.Time, margin time.Duration) bool {
	return !now.Before(t.ExpiresAt.Add(-margin))
}

type LoginCredentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type RegisterCredentials struct {
	Name            string `json:"name"`
	Email           string `json:"email"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// Response is what login and register return.
type Response struct {
	User   User
	Tokens Tokens
}

// ResetPasswordRequest completes a forgot-password flow.
type ResetPasswordRequest struct {
	Token           string `json:"token"`
	Password        string `json:"password"`
	ConfirmPassword string `json:"confirmPassword"`
}

// EmailVerification confirms ownership of an email address.
type EmailVerification struct {
	Email string `json:"email"`
	Code  string `json:"code"`
}
