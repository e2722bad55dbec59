package session

import (
	"context"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"
)

// AppState is the host application's foreground state.
type AppState int

const (
	AppActive AppState = iota
	AppInactive
	AppBackground
)

func (s AppState) String() string {
	switch s {
	case AppActive:
		return "active"
	case AppInactive:
		return "inactive"
	case AppBackground:
		return "background"
	}
	return "unknown"
}

func ParseAppState(s string) (AppState, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active":
		return AppActive, nil
	case "inactive":
		return AppInactive, nil
	case "background":
		return AppBackground, nil
	}
	return 0, fmt.Errorf("unknown app state %q", s)
}

// HandleAppStateChange revalidates when the app comes to the foreground with
// an initialized, authenticated session. Failures are logged; a failed
// revalidation has already logged the session out.
func (m *Manager) HandleAppStateChange(ctx context.Context, state AppState) {
	if state != AppActive {
		return
	}
	s := m.Session()
	if s.IsInitializing || !s.IsAuthenticated() {
		return
	}
	if err := m.Revalidate(ctx); err != nil {
		log.Warn().Err(err).Msg("revalidation on resume failed")
	}
}

// WatchLifecycle feeds every state received on states to
// HandleAppStateChange until ctx ends or states is closed.
func (m *Manager) WatchLifecycle(ctx context.Context, states <-chan AppState) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case state, ok := <-states:
			if !ok {
				return nil
			}
			log.Debug().Stringer("appState", state).Msg("app state changed")
			m.HandleAppStateChange(ctx, state)
		}
	}
}
