package api

import (
	"context"
	"errors"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"

	"github.com/iselftoken/authclient/internal/auth"
)

// call describes one logical API request.
type call struct {
	method string
	path   string
	body   any
	result any

	// authenticated attaches the bearer token.
	authenticated bool
	// refreshOn401 recovers a 401 by refreshing and resending once.
	refreshOn401 bool
	// retry resends on network errors and 5xx.
	retry bool
}

type errorBody struct {
	Message string `json:"message"`
}

// do runs c through the pipeline: transient retry around every send, then a
// single refresh-and-resend if the response was 401.
func (c *Client) do(ctx context.Context, cl call) error {
	epoch := c.tokens.Epoch()
	token := ""
	if cl.authenticated {
		token = c.tokens.AccessToken(ctx)
	}

	err := c.send(ctx, cl, token)
	if err == nil || !cl.refreshOn401 || !errors.Is(err, auth.ErrAuthExpired) {
		return err
	}

	newToken, refreshErr := c.recover401(ctx, token)
	if refreshErr != nil {
		if ctx.Err() == nil {
			c.forceLogout(ctx, epoch)
		}
		return errors.Join(err, refreshErr)
	}
	return c.send(ctx, cl, newToken)
}

// recover401 returns a token to resend with after a 401 for a request sent
// with sentWith. If another caller already replaced the token, that one is
// used; otherwise the caller joins or starts the shared refresh.
func (c *Client) recover401(ctx context.Context, sentWith string) (string, error) {
	c.refreshMu.Lock()
	if current := c.tokens.AccessToken(ctx); current != "" && current != sentWith {
		c.refreshMu.Unlock()
		return current, nil
	}
	ch := c.startRefresh(ctx)
	c.refreshMu.Unlock()

	tokens, err := c.awaitRefresh(ctx, ch)
	if err != nil {
		return "", err
	}
	return tokens.AccessToken, nil
}

// send sends cl, retrying transient failures. The delay before retry n is
// baseDelay * 2^(n-1). Once retries are exhausted the last error is returned.
func (c *Client) send(ctx context.Context, cl call, token string) error {
	for attempt := 0; ; attempt++ {
		err := c.sendOnce(ctx, cl, token)
		if err == nil || !cl.retry || !auth.IsTransient(err) || ctx.Err() != nil {
			return err
		}
		if attempt >= c.maxRetries {
			log.Warn().Err(err).Str("method", cl.method).Str("path", cl.path).
				Int("attempts", attempt+1).Msg("giving up on request")
			return err
		}

		delay := c.baseDelay << attempt
		c.metrics.ObserveRetry()
		log.Info().
			Str("method", cl.method).
			Str("path", cl.path).
			Int("retry", attempt+1).
			Int("maxRetries", c.maxRetries).
			Dur("delay", delay).
			Msg("retrying request")

		if sleepErr := c.sleep(ctx, delay); sleepErr != nil {
			return fmt.Errorf("retry of %s %s aborted: %w", cl.method, cl.path, sleepErr)
		}
	}
}

func (c *Client) sendOnce(ctx context.Context, cl call, token string) error {
	req := c.httpClient.R().
		SetContext(ctx).
		SetHeader("X-Device-Id", c.tokens.DeviceID(ctx)).
		SetError(&errorBody{})
	if token != "" {
		req.SetAuthToken(token)
	}
	if cl.body != nil {
		req.SetBody(cl.body)
	}
	if cl.result != nil {
		req.SetResult(cl.result)
	}

	res, err := req.Execute(cl.method, cl.path)
	err = handleError(cl, res, err)
	if res != nil && res.RawResponse != nil {
		c.metrics.ObserveRequest(res.StatusCode())
	} else {
		c.metrics.ObserveRequest(0)
	}
	return err
}

// handleError maps a resty result onto the auth error taxonomy. Without this,
// failing responses would have a nil error.
func handleError(cl call, res *resty.Response, err error) error {
	if err != nil {
		return &auth.NetworkError{Method: cl.method, URL: cl.path, Err: err}
	}
	if res.IsError() {
		apiErr := &auth.APIError{Method: cl.method, URL: cl.path, StatusCode: res.StatusCode()}
		if body, ok := res.Error().(*errorBody); ok && body != nil {
			apiErr.Message = body.Message
		}
		return apiErr
	}
	return nil
}
