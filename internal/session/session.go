// Package session is the authentication state machine. A Manager owns the
// single Session, runs login, register, logout, revalidate and refresh with
// per-operation guards, and tells subscribers when the session changed.
package session

import (
	"errors"

	"github.com/iselftoken/authclient/internal/auth"
)

var (
	// ErrAuthInProgress rejects a login or register while another login,
	// register or logout is running.
	ErrAuthInProgress       = errors.New("an authentication request is already in progress")
	ErrAlreadyAuthenticated = errors.New("already authenticated")
	ErrInitializing         = errors.New("session is still initializing")
	// ErrSessionSuperseded is returned by an operation whose session was
	// logged out while it ran. Its result was discarded.
	ErrSessionSuperseded = errors.New("session was logged out while the operation ran")
	ErrTokenInvalid      = errors.New("server rejected the session token")
)

// Session is a snapshot of the authentication state.
type Session struct {
	State  State
	User   *auth.User
	Tokens *auth.Tokens

	IsInitializing bool
	IsLoading      bool
	LastError      string

	// Generation increases on every logout.
	Generation uint64
}

func (s Session) IsAuthenticated() bool {
	return s.User != nil && s.Tokens != nil
}

func (s Session) clone() Session {
	s.User = copyUser(s.User)
	s.Tokens = copyTokens(s.Tokens)
	return s
}

// equal compares everything a subscriber can observe except Generation.
func (s Session) equal(o Session) bool {
	if s.State != o.State ||
		s.IsInitializing != o.IsInitializing ||
		s.IsLoading != o.IsLoading ||
		s.LastError != o.LastError {
		return false
	}
	if (s.User == nil) != (o.User == nil) || (s.User != nil && !s.User.Equal(*o.User)) {
		return false
	}
	if (s.Tokens == nil) != (o.Tokens == nil) {
		return false
	}
	if s.Tokens != nil {
		a, b := *s.Tokens, *o.Tokens
		if a.AccessToken != b.AccessToken || a.RefreshToken != b.RefreshToken || !a.ExpiresAt.Equal(b.ExpiresAt) {
			return false
		}
	}
	return true
}

// View is what the UI should render for a session.
type View int

const (
	ViewSplash View = iota
	ViewLoading
	ViewApp
	ViewAuth
)

func (v View) String() string {
	switch v {
	case ViewSplash:
		return "splash"
	case ViewLoading:
		return "loading"
	case ViewApp:
		return "app"
	case ViewAuth:
		return "auth"
	}
	return "unknown"
}

func (s Session) View() View {
	switch {
	case s.IsInitializing:
		return ViewSplash
	case s.IsLoading:
		return ViewLoading
	case s.IsAuthenticated():
		return ViewApp
	default:
		return ViewAuth
	}
}
