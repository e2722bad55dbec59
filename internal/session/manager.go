package session

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/iselftoken/authclient/internal/auth"
	"github.com/iselftoken/authclient/internal/metrics"
)

// Backend is the remote side of the session, normally *api.Client.
type Backend interface {
	Login(ctx context.Context, creds auth.LoginCredentials) (auth.Response, error)
	Register(ctx context.Context, creds auth.RegisterCredentials) (auth.Response, error)
	Logout(ctx context.Context) error
	ValidateToken(ctx context.Context) bool
	RefreshToken(ctx context.Context) (auth.Tokens, error)
}

// TokenStore is the persisted side of the session, normally
// *tokenstore.Store.
type TokenStore interface {
	Tokens(ctx context.Context) (auth.Tokens, bool)
	User(ctx context.Context) (auth.User, bool)
	IsExpired(ctx context.Context) bool
	Clear(ctx context.Context) error
}

type Manager struct {
	backend Backend
	store   TokenStore
	metrics *metrics.Metrics

	initOnce sync.Once

	// mu guards everything below. It is never held across backend or
	// store calls.
	mu         sync.Mutex
	session    Session
	version    uint64
	login      guard
	logout     guard
	revalidate guard
	listeners  map[int]func(Session)
	nextID     int

	// notifyMu serializes delivery so subscribers never see an older
	// session after a newer one.
	notifyMu  sync.Mutex
	delivered uint64
}

func NewManager(backend Backend, store TokenStore, m *metrics.Metrics) *Manager {
	return &Manager{
		backend:   backend,
		store:     store,
		metrics:   m,
		session:   Session{State: StateInitializing, IsInitializing: true},
		listeners: map[int]func(Session){},
	}
}

// Session returns a snapshot of the current session.
func (m *Manager) Session() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.clone()
}

// Subscribe registers fn to receive the session after every change. fn runs
// on the goroutine that caused the change and must not block.
func (m *Manager) Subscribe(fn func(Session)) (unsubscribe func()) {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.mu.Unlock()

	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// Initialize restores the persisted session, if any. Only the first call
// has an effect.
func (m *Manager) Initialize(ctx context.Context) {
	m.initOnce.Do(func() {
		tokens, hasTokens := m.store.Tokens(ctx)
		user, hasUser := m.store.User(ctx)

		t := transition{event: EventNoSession}
		if hasTokens && hasUser {
			t = transition{event: EventRestored, user: &user, tokens: &tokens}
		}

		m.mu.Lock()
		if !m.session.IsInitializing {
			m.mu.Unlock()
			return
		}
		notify := m.applyLocked(t)
		m.mu.Unlock()
		notify()

		log.Info().Bool("authenticated", t.event == EventRestored).Msg("session initialized")
	})
}

// Login validates creds and signs in. See authenticate for the rules.
func (m *Manager) Login(ctx context.Context, creds auth.LoginCredentials) error {
	if err := auth.ValidateLoginForm(creds); err != nil {
		return err
	}
	return m.authenticate(ctx, "login", func(ctx context.Context) (auth.Response, error) {
		return m.backend.Login(ctx, creds)
	})
}

// Register validates creds and creates an account.
func (m *Manager) Register(ctx context.Context, creds auth.RegisterCredentials) error {
	if err := auth.ValidateRegisterForm(creds); err != nil {
		return err
	}
	return m.authenticate(ctx, "register", func(ctx context.Context) (auth.Response, error) {
		return m.backend.Register(ctx, creds)
	})
}

// authenticate runs a login or register. A second call while one is in
// flight, while loading or while logging out fails with ErrAuthInProgress
// without touching the network. On failure LastError is set and the error
// returned.
func (m *Manager) authenticate(ctx context.Context, op string, call func(context.Context) (auth.Response, error)) error {
	m.mu.Lock()
	switch {
	case m.session.IsInitializing:
		m.mu.Unlock()
		return ErrInitializing
	case m.login.active() || m.logout.active() || m.session.IsLoading:
		m.mu.Unlock()
		m.metrics.ObserveRejectedLogin()
		log.Debug().Str("op", op).Msg("rejected: authentication already in progress")
		return ErrAuthInProgress
	case m.session.State == StateAuthenticated:
		m.mu.Unlock()
		return ErrAlreadyAuthenticated
	}
	f := m.login.begin()
	gen := m.session.Generation
	notify := m.applyLocked(transition{event: EventLoginStarted})
	m.mu.Unlock()
	notify()

	res, err := call(ctx)

	m.mu.Lock()
	if gen != m.session.Generation {
		m.mu.Unlock()
		// The login guard stays held until the stale credentials are gone,
		// so a newer login cannot save before this clear.
		if err == nil {
			if clearErr := m.store.Clear(context.WithoutCancel(ctx)); clearErr != nil {
				log.Error().Err(clearErr).Str("op", op).Msg("failed to clear superseded session")
			}
			err = ErrSessionSuperseded
		}
		m.mu.Lock()
		m.login.end(f, err)
		m.mu.Unlock()
		return err
	}

	if err != nil {
		notify = m.applyLocked(transition{event: EventLoginFailed, err: auth.Message(err)})
	} else {
		notify = m.applyLocked(transition{event: EventLoginSucceeded, user: &res.User, tokens: &res.Tokens})
	}
	m.login.end(f, err)
	m.mu.Unlock()
	notify()

	if err != nil {
		log.Warn().Err(err).Str("op", op).Msg("authentication failed")
		return err
	}
	log.Info().Str("op", op).Str("userId", res.User.ID).Msg("authenticated")
	return nil
}

// Logout ends the session. The remote call and the storage clear are best
// effort; the session always ends Unauthenticated. Callers arriving while a
// logout runs wait for it.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	if f := m.logout.cur; f != nil {
		m.mu.Unlock()
		return f.wait(ctx)
	}
	f := m.logout.begin()
	m.revalidate.release()
	// anything started before this point is stale from now on
	m.session.Generation++
	m.mu.Unlock()

	if err := m.backend.Logout(ctx); err != nil {
		log.Warn().Err(err).Msg("logout request failed, clearing local session anyway")
	}
	if err := m.store.Clear(context.WithoutCancel(ctx)); err != nil {
		log.Error().Err(err).Msg("failed to clear stored session")
	}

	m.mu.Lock()
	notify := m.applyLocked(transition{event: EventLoggedOut})
	m.logout.end(f, nil)
	m.mu.Unlock()
	notify()

	log.Info().Msg("logged out")
	return nil
}

// HandleForcedLogout resets the session after the HTTP pipeline dropped it.
// Storage has already been cleared.
func (m *Manager) HandleForcedLogout(ctx context.Context) {
	m.mu.Lock()
	m.revalidate.release()
	m.session.Generation++
	notify := m.applyLocked(transition{event: EventLoggedOut})
	m.mu.Unlock()
	notify()
}

// HandleTokensRefreshed records tokens refreshed by the HTTP pipeline.
func (m *Manager) HandleTokensRefreshed(ctx context.Context, tokens auth.Tokens) {
	m.mu.Lock()
	notify := m.applyLocked(transition{event: EventTokensRefreshed, tokens: &tokens})
	m.mu.Unlock()
	notify()
}

// RefreshToken refreshes the access token through the pipeline's shared
// refresh. On failure the session is logged out and the error returned.
func (m *Manager) RefreshToken(ctx context.Context) error {
	m.mu.Lock()
	gen := m.session.Generation
	m.mu.Unlock()

	tokens, err := m.backend.RefreshToken(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("token refresh failed")
		// a caller that gave up did not prove the refresh token is bad
		if ctx.Err() == nil && m.currentGeneration(gen) {
			_ = m.Logout(ctx) // always ends the session; failures are logged inside
		}
		return err
	}

	m.HandleTokensRefreshed(ctx, tokens)
	return nil
}

// Revalidate checks the session with the server: refresh if expired,
// validate, then adopt the stored user if it drifted from the in-memory one.
// It does nothing unless authenticated and idle. Callers arriving while a
// revalidation runs wait for it.
func (m *Manager) Revalidate(ctx context.Context) error {
	m.mu.Lock()
	if f := m.revalidate.cur; f != nil {
		m.mu.Unlock()
		return f.wait(ctx)
	}
	if m.login.active() || m.logout.active() ||
		m.session.State != StateAuthenticated || m.session.IsLoading {
		m.mu.Unlock()
		return nil
	}
	f := m.revalidate.begin()
	gen := m.session.Generation
	m.mu.Unlock()

	err := m.revalidateSession(ctx, gen)

	m.mu.Lock()
	m.revalidate.end(f, err)
	m.mu.Unlock()
	return err
}

func (m *Manager) revalidateSession(ctx context.Context, gen uint64) error {
	if m.store.IsExpired(ctx) {
		if err := m.RefreshToken(ctx); err != nil {
			return err
		}
	}
	if !m.currentGeneration(gen) {
		return nil
	}

	if !m.backend.ValidateToken(ctx) {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if m.currentGeneration(gen) {
			_ = m.Logout(ctx) // always ends the session; failures are logged inside
		}
		return ErrTokenInvalid
	}

	user, ok := m.store.User(ctx)

	m.mu.Lock()
	if gen != m.session.Generation || m.session.State != StateAuthenticated {
		m.mu.Unlock()
		return nil
	}
	notify := func() {}
	if ok {
		notify = m.applyLocked(transition{event: EventUserUpdated, user: &user})
	}
	m.mu.Unlock()
	notify()

	log.Debug().Msg("session revalidated")
	return nil
}

func (m *Manager) currentGeneration(gen uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Generation == gen
}

// applyLocked is the only writer of the observable session; Generation is
// bumped directly by the logout paths. It returns a func that
// delivers the change to subscribers; call it after unlocking. Events the
// current state does not accept, and events that change nothing, deliver
// nothing.
func (m *Manager) applyLocked(t transition) (notify func()) {
	from := m.session.State
	s, ok := next(m.session, t)
	if !ok {
		log.Debug().Stringer("state", from).Stringer("event", t.event).Msg("ignored event")
		return func() {}
	}
	if s.equal(m.session) {
		m.session = s
		return func() {}
	}

	m.session = s
	m.version++
	m.metrics.ObserveTransition(t.event.String())
	log.Debug().Stringer("from", from).Stringer("to", s.State).Stringer("event", t.event).Msg("session transition")

	// refreshed tokens are not a visible change
	if t.event == EventTokensRefreshed {
		return func() {}
	}

	version := m.version
	snapshot := s.clone()
	listeners := make([]func(Session), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	return func() {
		m.notifyMu.Lock()
		defer m.notifyMu.Unlock()
		if version <= m.delivered {
			return
		}
		m.delivered = version
		for _, fn := range listeners {
			fn(snapshot)
		}
	}
}

// IsSessionError reports whether err is one of the Manager's own rejections
// rather than a failure from the network or storage.
func IsSessionError(err error) bool {
	return errors.Is(err, ErrAuthInProgress) ||
		errors.Is(err, ErrAlreadyAuthenticated) ||
		errors.Is(err, ErrInitializing) ||
		errors.Is(err, ErrSessionSuperseded)
}
