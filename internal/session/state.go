package session

import (
	"github.com/iselftoken/authclient/internal/auth"
)

type State int

const (
	StateInitializing State = iota
	StateUnauthenticated
	StateAuthenticated
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "Initializing"
	case StateUnauthenticated:
		return "Unauthenticated"
	case StateAuthenticated:
		return "Authenticated"
	}
	return "Unknown"
}

type Event int

const (
	EventRestored Event = iota
	EventNoSession
	EventLoginStarted
	EventLoginFailed
	EventLoginSucceeded
	EventUserUpdated
	EventTokensRefreshed
	EventLoggedOut
)

func (e Event) String() string {
	switch e {
	case EventRestored:
		return "Restored"
	case EventNoSession:
		return "NoSession"
	case EventLoginStarted:
		return "LoginStarted"
	case EventLoginFailed:
		return "LoginFailed"
	case EventLoginSucceeded:
		return "LoginSucceeded"
	case EventUserUpdated:
		return "UserUpdated"
	case EventTokensRefreshed:
		return "TokensRefreshed"
	case EventLoggedOut:
		return "LoggedOut"
	}
	return "Unknown"
}

// transitions lists every event each state accepts and where it leads.
// Anything missing is rejected.
var transitions = map[State]map[Event]State{
	StateInitializing: {
		EventRestored:  StateAuthenticated,
		EventNoSession: StateUnauthenticated,
		EventLoggedOut: StateUnauthenticated,
	},
	StateUnauthenticated: {
		EventLoginStarted:   StateUnauthenticated,
		EventLoginFailed:    StateUnauthenticated,
		EventLoginSucceeded: StateAuthenticated,
		EventLoggedOut:      StateUnauthenticated,
	},
	StateAuthenticated: {
		EventUserUpdated:     StateAuthenticated,
		EventTokensRefreshed: StateAuthenticated,
		EventLoggedOut:       StateUnauthenticated,
	},
}

// transition is an event plus the data it carries.
type transition struct {
	event  Event
	user   *auth.User
	tokens *auth.Tokens
	err    string
}

// next computes the session that follows cur under t. ok is false when cur's
// state does not accept the event.
func next(cur Session, t transition) (s Session, ok bool) {
	to, ok := transitions[cur.State][t.event]
	if !ok {
		return cur, false
	}

	s = cur.clone()
	s.State = to
	switch t.event {
	case EventRestored, EventLoginSucceeded:
		s.User, s.Tokens = copyUser(t.user), copyTokens(t.tokens)
		s.IsLoading = false
		s.LastError = ""
	case EventNoSession:
		s.User, s.Tokens = nil, nil
	case EventLoginStarted:
		s.IsLoading = true
		s.LastError = ""
	case EventLoginFailed:
		s.IsLoading = false
		s.LastError = t.err
	case EventUserUpdated:
		s.User = copyUser(t.user)
	case EventTokensRefreshed:
		s.Tokens = copyTokens(t.tokens)
	case EventLoggedOut:
		s.User, s.Tokens = nil, nil
		s.IsLoading = false
		s.LastError = ""
	}
	if to != StateInitializing {
		s.IsInitializing = false
	}
	return s, true
}

func copyUser(u *auth.User) *auth.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}

func copyTokens(t *auth.Tokens) *auth.Tokens {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
