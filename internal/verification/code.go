// Package verification issues and checks the six-digit codes of the
// two-factor step that follows registration.
package verification

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/iselftoken/authclient/internal/securestore"
)

const (
	CodeLength = 6
	DefaultTTL = 10 * time.Minute

	keyPendingCode = "iself_pending_code"
)

var (
	ErrCodeIncomplete = errors.New("verification code must be 6 digits")
	ErrCodeNotFound   = errors.New("no verification code pending, request a new one")
	ErrCodeExpired    = errors.New("verification code expired, request a new one")
	ErrCodeMismatch   = errors.New("verification code is incorrect")
)

type pendingCode struct {
	Code     string `json:"code"`
	IssuedAt int64  `json:"issuedAt"`
}

type Option func(*Verifier)

func WithTTL(ttl time.Duration) Option {
	return func(v *Verifier) { v.ttl = ttl }
}

func WithClock(now func() time.Time) Option {
	return func(v *Verifier) { v.now = now }
}

// Verifier keeps at most one pending code in the secure store.
type Verifier struct {
	store securestore.Store
	ttl   time.Duration
	now   func() time.Time
}

func New(store securestore.Store, opts ...Option) *Verifier {
	v := &Verifier{store: store, ttl: DefaultTTL, now: time.Now}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Issue generates a new code, replacing any pending one.
func (v *Verifier) Issue(ctx context.Context) (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	code := fmt.Sprintf("%06d", n.Int64()+100000)

	data, err := json.Marshal(pendingCode{Code: code, IssuedAt: v.now().UnixMilli()})
	if err != nil {
		return "", err
	}
	if err := v.store.Set(ctx, keyPendingCode, string(data)); err != nil {
		return "", fmt.Errorf("failed to store code: %w", err)
	}
	return code, nil
}

// Verify checks code against the pending one. A match or an expired code
// removes the pending code; a mismatch keeps it so the user can try again.
func (v *Verifier) Verify(ctx context.Context, code string) error {
	if !complete(code) {
		return ErrCodeIncomplete
	}

	raw, err := v.store.Get(ctx, keyPendingCode)
	if errors.Is(err, securestore.ErrNotFound) {
		return ErrCodeNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to read code: %w", err)
	}

	var pending pendingCode
	if err := json.Unmarshal([]byte(raw), &pending); err != nil {
		log.Warn().Err(err).Msg("stored verification code is malformed")
		v.discard(ctx)
		return ErrCodeNotFound
	}

	if v.now().Sub(time.UnixMilli(pending.IssuedAt)) > v.ttl {
		v.discard(ctx)
		return ErrCodeExpired
	}
	if subtle.ConstantTimeCompare([]byte(code), []byte(pending.Code)) != 1 {
		return ErrCodeMismatch
	}

	v.discard(ctx)
	return nil
}

func (v *Verifier) discard(ctx context.Context) {
	if err := v.store.Remove(ctx, keyPendingCode); err != nil {
		log.Warn().Err(err).Msg("failed to remove verification code")
	}
}

func complete(code string) bool {
	if len(code) != CodeLength {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
