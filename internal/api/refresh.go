package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/iselftoken/authclient/internal/auth"
)

const (
	refreshKey      = "refresh"
	forcedLogoutKey = "forced-logout"
)

// RefreshToken exchanges the stored refresh token for new tokens. Concurrent
// callers share one request. Errors match auth.ErrRefreshFailed; stored
// tokens are left untouched on failure.
func (c *Client) RefreshToken(ctx context.Context) (auth.Tokens, error) {
	return c.awaitRefresh(ctx, c.startRefresh(ctx))
}

// startRefresh joins the in-flight refresh or starts a new one. The request
// runs detached from the caller's cancellation, bounded by the client
// timeout, so one impatient caller cannot fail it for the others.
func (c *Client) startRefresh(ctx context.Context) <-chan singleflight.Result {
	return c.flights.DoChan(refreshKey, func() (any, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.timeout)
		defer cancel()

		tokens, err := c.refresh(rctx)
		c.metrics.ObserveRefresh(err)
		if err != nil {
			log.Warn().Err(err).Msg("token refresh failed")
			return auth.Tokens{}, err
		}
		log.Info().Time("expiresAt", tokens.ExpiresAt).Msg("token refreshed")

		c.mu.Lock()
		hook := c.onTokensRefreshed
		c.mu.Unlock()
		if hook != nil {
			hook(rctx, tokens)
		}
		return tokens, nil
	})
}

func (c *Client) awaitRefresh(ctx context.Context, ch <-chan singleflight.Result) (auth.Tokens, error) {
	select {
	case <-ctx.Done():
		return auth.Tokens{}, fmt.Errorf("%w: %w", auth.ErrRefreshFailed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return auth.Tokens{}, res.Err
		}
		return res.Val.(auth.Tokens), nil
	}
}

// refresh exchanges the refresh token. The new tokens are only stored if the
// session it belongs to is still the stored one.
func (c *Client) refresh(ctx context.Context) (auth.Tokens, error) {
	epoch := c.tokens.Epoch()
	current, ok := c.tokens.Tokens(ctx)
	if !ok || current.RefreshToken == "" {
		return auth.Tokens{}, fmt.Errorf("%w: %w", auth.ErrRefreshFailed, auth.ErrNoRefreshToken)
	}

	var result refreshResponse
	err := c.do(ctx, call{
		method: http.MethodPost,
		path:   PathRefresh,
		body:   refreshRequest{RefreshToken: current.RefreshToken},
		result: &result,
	})
	if err != nil {
		return auth.Tokens{}, fmt.Errorf("%w: %w", auth.ErrRefreshFailed, err)
	}

	tokens := result.Tokens.toTokens()
	if tokens.AccessToken == "" {
		return auth.Tokens{}, fmt.Errorf("%w: response carried no access token", auth.ErrRefreshFailed)
	}

	c.refreshMu.Lock()
	err = c.tokens.UpdateTokensAt(ctx, epoch, tokens)
	c.refreshMu.Unlock()
	if err != nil {
		return auth.Tokens{}, fmt.Errorf("%w: %w", auth.ErrRefreshFailed, err)
	}

	if tokens.RefreshToken == "" {
		tokens.RefreshToken = current.RefreshToken
	}
	return tokens, nil
}

// forceLogout clears the stored session and notifies the registered hook,
// unless the session identified by epoch was already cleared or replaced.
// Concurrent callers share one run.
func (c *Client) forceLogout(ctx context.Context, epoch uint64) {
	ctx = context.WithoutCancel(ctx)
	c.flights.Do(forcedLogoutKey, func() (any, error) {
		cleared, err := c.tokens.ClearAt(ctx, epoch)
		if err != nil {
			log.Error().Err(err).Msg("failed to clear auth data during forced logout")
		}
		if !cleared {
			log.Debug().Msg("session already ended, skipping forced logout")
			return nil, nil
		}
		c.metrics.ObserveForcedLogout()
		log.Warn().Msg("forced logout after failed token refresh")

		c.mu.Lock()
		hook := c.onForcedLogout
		c.mu.Unlock()
		if hook != nil {
			hook(ctx)
		}
		return nil, nil
	})
}
