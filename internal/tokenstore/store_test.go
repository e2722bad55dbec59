package tokenstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iselftoken/authclient/internal/auth"
	"github.com/iselftoken/authclient/internal/securestore"
)

// faultyStore fails Set/Remove for the configured keys and records every
// key it was asked to remove.
type faultyStore struct {
	*securestore.MemoryStore
	failSet    map[string]bool
	failRemove map[string]bool
	failGet    bool

	mu      sync.Mutex
	removed []string
}

func newFaultyStore() *faultyStore {
	return &faultyStore{
		MemoryStore: securestore.NewMemoryStore(),
		failSet:     map[string]bool{},
		failRemove:  map[string]bool{},
	}
}

func (f *faultyStore) Get(ctx context.Context, key string) (string, error) {
	if f.failGet {
		return "", errors.New("keychain locked")
	}
	return f.MemoryStore.Get(ctx, key)
}

func (f *faultyStore) Set(ctx context.Context, key, value string) error {
	if f.failSet[key] {
		return errors.New("disk full")
	}
	return f.MemoryStore.Set(ctx, key, value)
}

func (f *faultyStore) Remove(ctx context.Context, key string) error {
	f.mu.Lock()
	f.removed = append(f.removed, key)
	f.mu.Unlock()
	if f.failRemove[key] {
		return errors.New("io error")
	}
	return f.MemoryStore.Remove(ctx, key)
}

func testSession() (auth.Tokens, auth.User) {
	ts := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return auth.Tokens{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresAt:    time.UnixMilli(time.Now().Add(time.Hour).UnixMilli()),
		}, auth.User{
			ID:        "u-1",
			Email:     "ana@example.com",
			Name:      "Ana",
			CreatedAt: ts,
			UpdatedAt: ts,
		}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := New(securestore.NewMemoryStore())
	tokens, user := testSession()

	require.NoError(t, s.Save(ctx, tokens, user))

	gotTokens, ok := s.Tokens(ctx)
	require.True(t, ok)
	assert.Equal(t, tokens.AccessToken, gotTokens.AccessToken)
	assert.Equal(t, tokens.RefreshToken, gotTokens.RefreshToken)
	assert.True(t, tokens.ExpiresAt.Equal(gotTokens.ExpiresAt))

	gotUser, ok := s.User(ctx)
	require.True(t, ok)
	assert.True(t, user.Equal(gotUser))
	assert.Equal(t, "access-1", s.AccessToken(ctx))
}

func TestStore_ExpiryIsEpochMillis(t *testing.T) {
	ctx := context.Background()
	backend := securestore.NewMemoryStore()
	s := New(backend)
	tokens, user := testSession()
	tokens.ExpiresAt = time.UnixMilli(1735689600123)

	require.NoError(t, s.Save(ctx, tokens, user))
	raw, err := backend.Get(ctx, KeyExpiresAt)
	require.NoError(t, err)
	assert.Equal(t, "1735689600123", raw)
}

func TestStore_PartialRecordReadsAsAbsent(t *testing.T) {
	ctx := context.Background()
	tokens, user := testSession()

	for _, missing := range []string{KeyAccessToken, KeyRefreshToken, KeyExpiresAt} {
		t.Run(missing, func(t *testing.T) {
			backend := securestore.NewMemoryStore()
			s := New(backend)
			require.NoError(t, s.Save(ctx, tokens, user))
			require.NoError(t, backend.Remove(ctx, missing))

			_, ok := s.Tokens(ctx)
			assert.False(t, ok)
			assert.True(t, s.IsExpired(ctx))
		})
	}

	t.Run("non-numeric expiry", func(t *testing.T) {
		backend := securestore.NewMemoryStore()
		s := New(backend)
		require.NoError(t, s.Save(ctx, tokens, user))
		require.NoError(t, backend.Set(ctx, KeyExpiresAt, "tomorrow"))

		_, ok := s.Tokens(ctx)
		assert.False(t, ok)
	})

	t.Run("storage failure", func(t *testing.T) {
		backend := newFaultyStore()
		s := New(backend)
		require.NoError(t, s.Save(ctx, tokens, user))
		backend.failGet = true

		_, ok := s.Tokens(ctx)
		assert.False(t, ok)
		_, ok = s.User(ctx)
		assert.False(t, ok)
	})
}

func TestStore_MalformedUserReadsAsAbsent(t *testing.T) {
	ctx := context.Background()
	backend := securestore.NewMemoryStore()
	s := New(backend)
	require.NoError(t, backend.Set(ctx, KeyUser, "{not json"))

	_, ok := s.User(ctx)
	assert.False(t, ok)
}

func TestStore_IsExpired(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2025, 5, 1, 10, 0, 0, 0, time.UTC)
	tokens, user := testSession()

	tests := []struct {
		name      string
		expiresIn time.Duration
		expired   bool
	}{
		{"expires in 4 minutes", 4 * time.Minute, true},
		{"expires in 6 minutes", 6 * time.Minute, false},
		{"already expired", -time.Minute, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(securestore.NewMemoryStore(), WithClock(func() time.Time { return now }))
			tokens.ExpiresAt = now.Add(tt.expiresIn)
			require.NoError(t, s.Save(ctx, tokens, user))
			assert.Equal(t, tt.expired, s.IsExpired(ctx))
		})
	}

	t.Run("no tokens", func(t *testing.T) {
		s := New(securestore.NewMemoryStore())
		assert.True(t, s.IsExpired(ctx))
	})

	t.Run("custom margin", func(t *testing.T) {
		s := New(securestore.NewMemoryStore(),
			WithClock(func() time.Time { return now }),
			WithExpiryMargin(time.Minute))
		tokens.ExpiresAt = now.Add(4 * time.Minute)
		require.NoError(t, s.Save(ctx, tokens, user))
		assert.False(t, s.IsExpired(ctx))
	})
}

func TestStore_SaveFailure(t *testing.T) {
	ctx := context.Background()
	backend := newFaultyStore()
	backend.failSet[KeyUser] = true
	s := New(backend)
	tokens, user := testSession()

	err := s.Save(ctx, tokens, user)
	var storageErr *auth.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "save", storageErr.Op)

	// the three auth fields landed but the access token must not be served from cache
	backend.failSet = map[string]bool{}
	require.NoError(t, backend.Remove(ctx, KeyAccessToken))
	assert.Equal(t, "", s.AccessToken(ctx))
}

func TestStore_UpdateTokens(t *testing.T) {
	ctx := context.Background()
	s := New(securestore.NewMemoryStore())
	tokens, user := testSession()
	require.NoError(t, s.Save(ctx, tokens, user))

	newExpiry := time.UnixMilli(time.Now().Add(2 * time.Hour).UnixMilli())

	t.Run("without rotation", func(t *testing.T) {
		require.NoError(t, s.UpdateTokens(ctx, auth.Tokens{AccessToken: "access-2", ExpiresAt: newExpiry}))
		got, ok := s.Tokens(ctx)
		require.True(t, ok)
		assert.Equal(t, "access-2", got.AccessToken)
		assert.Equal(t, "refresh-1", got.RefreshToken)
		assert.True(t, newExpiry.Equal(got.ExpiresAt))
		assert.Equal(t, "access-2", s.AccessToken(ctx))
	})

	t.Run("with rotation", func(t *testing.T) {
		require.NoError(t, s.UpdateTokens(ctx, auth.Tokens{AccessToken: "access-3", RefreshToken: "refresh-2", ExpiresAt: newExpiry}))
		got, ok := s.Tokens(ctx)
		require.True(t, ok)
		assert.Equal(t, "refresh-2", got.RefreshToken)
	})

	// user is untouched by a refresh
	got, ok := s.User(ctx)
	require.True(t, ok)
	assert.Equal(t, user.ID, got.ID)
}

func TestStore_Clear(t *testing.T) {
	ctx := context.Background()
	backend := newFaultyStore()
	s := New(backend)
	tokens, user := testSession()
	require.NoError(t, s.Save(ctx, tokens, user))
	deviceID := s.DeviceID(ctx)

	require.NoError(t, s.Clear(ctx))
	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyExpiresAt, KeyUser} {
		_, err := backend.Get(ctx, key)
		assert.ErrorIs(t, err, securestore.ErrNotFound, key)
	}
	assert.Equal(t, "", s.AccessToken(ctx))

	stored, err := backend.Get(ctx, KeyDeviceID)
	require.NoError(t, err)
	assert.Equal(t, deviceID, stored, "device id survives logout")
}

func TestStore_ClearIsBestEffort(t *testing.T) {
	ctx := context.Background()
	backend := newFaultyStore()
	s := New(backend)
	tokens, user := testSession()
	require.NoError(t, s.Save(ctx, tokens, user))
	backend.failRemove[KeyRefreshToken] = true

	err := s.Clear(ctx)
	var storageErr *auth.StorageError
	require.ErrorAs(t, err, &storageErr)
	assert.Equal(t, "clear", storageErr.Op)
	assert.ElementsMatch(t, []string{KeyAccessToken, KeyRefreshToken, KeyExpiresAt, KeyUser}, backend.removed)

	_, err = backend.Get(ctx, KeyAccessToken)
	assert.ErrorIs(t, err, securestore.ErrNotFound)
	assert.Equal(t, "", s.AccessToken(ctx))
}

func TestStore_DeviceIDIsStable(t *testing.T) {
	ctx := context.Background()
	backend := securestore.NewMemoryStore()

	first := New(backend).DeviceID(ctx)
	require.NotEmpty(t, first)
	assert.Equal(t, first, New(backend).DeviceID(ctx))
}

func TestStore_UpdateTokensAtRejectsEndedSession(t *testing.T) {
	ctx := context.Background()
	s := New(securestore.NewMemoryStore())
	tokens, user := testSession()
	require.NoError(t, s.Save(ctx, tokens, user))
	epoch := s.Epoch()

	require.NoError(t, s.Clear(ctx))

	err := s.UpdateTokensAt(ctx, epoch, auth.Tokens{AccessToken: "access-2", RefreshToken: "refresh-2", ExpiresAt: time.Now().Add(time.Hour)})
	require.ErrorIs(t, err, ErrSessionChanged)

	_, ok := s.Tokens(ctx)
	assert.False(t, ok)
	assert.Equal(t, "", s.AccessToken(ctx))
}

func TestStore_UpdateTokensAtRejectsReplacedSession(t *testing.T) {
	ctx := context.Background()
	s := New(securestore.NewMemoryStore())
	tokens, user := testSession()
	require.NoError(t, s.Save(ctx, tokens, user))
	epoch := s.Epoch()

	require.NoError(t, s.Save(ctx, auth.Tokens{AccessToken: "access-new", RefreshToken: "refresh-new", ExpiresAt: tokens.ExpiresAt}, user))

	err := s.UpdateTokensAt(ctx, epoch, auth.Tokens{AccessToken: "access-2", ExpiresAt: tokens.ExpiresAt})
	require.ErrorIs(t, err, ErrSessionChanged)
	assert.Equal(t, "access-new", s.AccessToken(ctx))
}

func TestStore_RefreshKeepsEpoch(t *testing.T) {
	ctx := context.Background()
	s := New(securestore.NewMemoryStore())
	tokens, user := testSession()
	require.NoError(t, s.Save(ctx, tokens, user))
	epoch := s.Epoch()

	require.NoError(t, s.UpdateTokensAt(ctx, epoch, auth.Tokens{AccessToken: "access-2", ExpiresAt: tokens.ExpiresAt}))
	assert.Equal(t, epoch, s.Epoch())
	require.NoError(t, s.UpdateTokensAt(ctx, epoch, auth.Tokens{AccessToken: "access-3", ExpiresAt: tokens.ExpiresAt}))
	assert.Equal(t, "access-3", s.AccessToken(ctx))
}

func TestStore_ClearAt(t *testing.T) {
	ctx := context.Background()
	s := New(securestore.NewMemoryStore())
	tokens, user := testSession()
	require.NoError(t, s.Save(ctx, tokens, user))
	stale := s.Epoch()

	require.NoError(t, s.Clear(ctx))
	require.NoError(t, s.Save(ctx, tokens, user))

	cleared, err := s.ClearAt(ctx, stale)
	require.NoError(t, err)
	assert.False(t, cleared)
	_, ok := s.Tokens(ctx)
	assert.True(t, ok, "the newer session is left alone")

	cleared, err = s.ClearAt(ctx, s.Epoch())
	require.NoError(t, err)
	assert.True(t, cleared)
	_, ok = s.Tokens(ctx)
	assert.False(t, ok)
}

func TestStore_FailuresAreJoined(t *testing.T) {
	ctx := context.Background()
	backend := newFaultyStore()
	s := New(backend)
	tokens, user := testSession()

	backend.failSet[KeyAccessToken] = true
	backend.failSet[KeyUser] = true
	err := s.Save(ctx, tokens, user)
	require.Error(t, err)
	assert.ErrorContains(t, err, KeyAccessToken)
	assert.ErrorContains(t, err, KeyUser)

	backend.failSet = map[string]bool{}
	require.NoError(t, s.Save(ctx, tokens, user))
	backend.failRemove[KeyRefreshToken] = true
	backend.failRemove[KeyExpiresAt] = true
	err = s.Clear(ctx)
	require.Error(t, err)
	assert.ErrorContains(t, err, KeyRefreshToken)
	assert.ErrorContains(t, err, KeyExpiresAt)
}
