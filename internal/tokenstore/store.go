// Package tokenstore persists the session credentials (access token, refresh
// token, expiry and user) across a securestore.Store. It is the only code that
// reads or writes those keys.
package tokenstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/iselftoken/authclient/internal/auth"
	"github.com/iselftoken/authclient/internal/securestore"
)

const (
	KeyAccessToken  = "iself_access_token"
	KeyRefreshToken = "iself_refresh_token"
	KeyExpiresAt    = "iself_token_expires_at"
	KeyUser         = "iself_user_data"

	// KeyDeviceID identifies the installation and outlives logout.
	KeyDeviceID = "iself_device_id"
)

// ErrSessionChanged is returned when refreshed tokens arrive for a session
// that was cleared or replaced in the meantime.
var ErrSessionChanged = errors.New("stored session changed during refresh")

// sessionKeys are written together on save and removed together on clear.
var sessionKeys = []string{KeyAccessToken, KeyRefreshToken, KeyExpiresAt, KeyUser}

type Option func(*Store)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// WithExpiryMargin overrides auth.DefaultExpiryMargin.
func WithExpiryMargin(margin time.Duration) Option {
	return func(s *Store) { s.margin = margin }
}

// Store is the token store. It caches the current access token in memory so
// the HTTP pipeline does not hit secure storage on every request.
type Store struct {
	backend securestore.Store
	now     func() time.Time
	margin  time.Duration

	// writeMu orders session writes against the epoch checks guarding them.
	writeMu sync.Mutex

	mu          sync.Mutex
	accessToken string
	cached      bool
	deviceID    string
	epoch       uint64
}

func New(backend securestore.Store, opts ...Option) *Store {
	s := &Store{
		backend: backend,
		now:     time.Now,
		margin:  auth.DefaultExpiryMargin,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save persists tokens and user as a new session. The four writes run
// concurrently and the call fails with *auth.StorageError if any of them
// fails.
func (s *Store) Save(ctx context.Context, tokens auth.Tokens, user auth.User) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return &auth.StorageError{Op: "save", Err: err}
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.bumpEpoch()

	err = s.setAll(ctx, map[string]string{
		KeyAccessToken:  tokens.AccessToken,
		KeyRefreshToken: tokens.RefreshToken,
		KeyExpiresAt:    formatExpiry(tokens.ExpiresAt),
		KeyUser:         string(userJSON),
	})
	if err != nil {
		// Whatever landed is no longer a trustworthy cache entry
		s.setCache("", false)
		return &auth.StorageError{Op: "save", Err: err}
	}

	s.setCache(tokens.AccessToken, true)
	log.Debug().Str("userId", user.ID).Msg("auth data saved")
	return nil
}

// Epoch identifies the stored session. Save and Clear advance it; refreshed
// tokens keep it.
func (s *Store) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// UpdateTokens persists refreshed tokens for the current session. See
// UpdateTokensAt.
func (s *Store) UpdateTokens(ctx context.Context, tokens auth.Tokens) error {
	return s.UpdateTokensAt(ctx, s.Epoch(), tokens)
}

// UpdateTokensAt persists refreshed tokens only if the session is still the
// one identified by epoch, and fails with ErrSessionChanged otherwise. The
// refresh token is only written when the server rotated it.
func (s *Store) UpdateTokensAt(ctx context.Context, epoch uint64, tokens auth.Tokens) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.Epoch() != epoch {
		return ErrSessionChanged
	}

	values := map[string]string{
		KeyAccessToken: tokens.AccessToken,
		KeyExpiresAt:   formatExpiry(tokens.ExpiresAt),
	}
	if tokens.RefreshToken != "" {
		values[KeyRefreshToken] = tokens.RefreshToken
	}

	if err := s.setAll(ctx, values); err != nil {
		s.setCache("", false)
		return &auth.StorageError{Op: "update tokens", Err: err}
	}

	s.setCache(tokens.AccessToken, true)
	return nil
}

// setAll writes every value concurrently. All failures are joined.
func (s *Store) setAll(ctx context.Context, values map[string]string) error {
	return forEach(values, func(key, value string) error {
		return s.backend.Set(ctx, key, value)
	})
}

// forEach runs fn for every entry concurrently and joins the failures, each
// prefixed with its key.
func forEach(values map[string]string, fn func(key, value string) error) error {
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	for key, value := range values {
		g.Go(func() error {
			if err := fn(key, value); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() // the goroutines never return an error
	return errors.Join(errs...)
}

// Tokens returns the stored triple. Missing fields, a non-numeric expiry or
// a storage failure all read as absent.
func (s *Store) Tokens(ctx context.Context) (auth.Tokens, bool) {
	var (
		values [3]string
		g      errgroup.Group
	)
	for i, key := range []string{KeyAccessToken, KeyRefreshToken, KeyExpiresAt} {
		g.Go(func() error {
			v, err := s.backend.Get(ctx, key)
			if err != nil && !errors.Is(err, securestore.ErrNotFound) {
				return err
			}
			values[i] = v
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("failed to read tokens")
		return auth.Tokens{}, false
	}

	accessToken, refreshToken, expiresAt := values[0], values[1], values[2]
	if accessToken == "" || refreshToken == "" || expiresAt == "" {
		return auth.Tokens{}, false
	}
	ms, err := strconv.ParseInt(expiresAt, 10, 64)
	if err != nil {
		log.Warn().Str("expiresAt", expiresAt).Msg("stored token expiry is not a number")
		return auth.Tokens{}, false
	}

	return auth.Tokens{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    time.UnixMilli(ms),
	}, true
}

// User returns the stored user. Missing or malformed data reads as absent.
func (s *Store) User(ctx context.Context) (auth.User, bool) {
	data, err := s.backend.Get(ctx, KeyUser)
	if err != nil {
		if !errors.Is(err, securestore.ErrNotFound) {
			log.Error().Err(err).Msg("failed to read user data")
		}
		return auth.User{}, false
	}

	var user auth.User
	if err := json.Unmarshal([]byte(data), &user); err != nil {
		log.Warn().Err(err).Msg("stored user data is malformed")
		return auth.User{}, false
	}
	return user, true
}

// IsExpired reports true when no tokens are stored or the access token is
// within the expiry margin.
func (s *Store) IsExpired(ctx context.Context) bool {
	tokens, ok := s.Tokens(ctx)
	if !ok {
		return true
	}
	return tokens.ExpiredAt(s.now(), s.margin)
}

// Clear removes the four session keys and ends the session, so refreshed
// tokens for it are rejected from now on. Every key is attempted; failures
// are joined into a *auth.StorageError.
func (s *Store) Clear(ctx context.Context) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.clearLocked(ctx)
}

// ClearAt clears the session only if it is still the one identified by
// epoch. It reports whether it cleared anything.
func (s *Store) ClearAt(ctx context.Context, epoch uint64) (bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.Epoch() != epoch {
		return false, nil
	}
	return true, s.clearLocked(ctx)
}

func (s *Store) clearLocked(ctx context.Context) error {
	s.bumpEpoch()
	s.setCache("", true)

	keys := make(map[string]string, len(sessionKeys))
	for _, key := range sessionKeys {
		keys[key] = ""
	}
	err := forEach(keys, func(key, _ string) error {
		return s.backend.Remove(ctx, key)
	})
	if err != nil {
		return &auth.StorageError{Op: "clear", Err: err}
	}
	log.Debug().Msg("auth data cleared")
	return nil
}

// AccessToken returns the cached access token, loading it from storage the
// first time. It does not check expiry.
func (s *Store) AccessToken(ctx context.Context) string {
	s.mu.Lock()
	if s.cached {
		token := s.accessToken
		s.mu.Unlock()
		return token
	}
	s.mu.Unlock()

	token, err := s.backend.Get(ctx, KeyAccessToken)
	if err != nil {
		if !errors.Is(err, securestore.ErrNotFound) {
			log.Error().Err(err).Msg("failed to read access token")
			return ""
		}
		token = ""
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.cached {
		s.accessToken, s.cached = token, true
	}
	return s.accessToken
}

// DeviceID returns the installation id, creating and persisting one on first
// use. A storage failure yields an id that only lives for this process.
func (s *Store) DeviceID(ctx context.Context) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deviceID != "" {
		return s.deviceID
	}

	id, err := s.backend.Get(ctx, KeyDeviceID)
	if err == nil && id != "" {
		s.deviceID = id
		return id
	}
	if err != nil && !errors.Is(err, securestore.ErrNotFound) {
		log.Warn().Err(err).Msg("failed to read device id")
	}

	id = uuid.New().String()
	if err := s.backend.Set(ctx, KeyDeviceID, id); err != nil {
		log.Warn().Err(err).Msg("failed to persist device id")
	}
	s.deviceID = id
	return id
}

func (s *Store) bumpEpoch() {
	s.mu.Lock()
	s.epoch++
	s.mu.Unlock()
}

func (s *Store) setCache(token string, cached bool) {
	s.mu.Lock()
	s.accessToken, s.cached = token, cached
	s.mu.Unlock()
}

func formatExpiry(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}
