package main

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iselftoken/authclient/internal/auth"
	"github.com/iselftoken/authclient/internal/session"
)

func TestReadStates(t *testing.T) {
	in := strings.NewReader("active\n\n  background \nasleep\nInactive\n")
	states := make(chan session.AppState, 10)

	require.NoError(t, readStates(context.Background(), in, states))
	close(states)

	var got []session.AppState
	for s := range states {
		got = append(got, s)
	}
	assert.Equal(t, []session.AppState{session.AppActive, session.AppBackground, session.AppInactive}, got)
}

func TestReadStates_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := readStates(ctx, strings.NewReader("active\n"), make(chan session.AppState))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestUserError(t *testing.T) {
	assert.NoError(t, userError("login", nil))

	err := userError("login", session.ErrAuthInProgress)
	assert.ErrorIs(t, err, session.ErrAuthInProgress)

	err = userError("login", &auth.APIError{StatusCode: 400, Message: "Invalid credentials"})
	assert.EqualError(t, err, "login: Invalid credentials")

	err = userError("profile", &auth.NetworkError{Method: "GET", URL: "/user/profile", Err: errors.New("refused")})
	assert.EqualError(t, err, "profile: connection error, check your internet connection")
}

func TestRootCommand(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	for _, want := range []string{"login", "register", "logout", "status", "revalidate", "refresh", "profile", "code", "watch"} {
		assert.Contains(t, names, want)
	}

	root.SetArgs([]string{"login"})
	err := root.Execute()
	assert.ErrorContains(t, err, "required flag")
}
