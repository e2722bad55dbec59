// Package api is the HTTP pipeline in front of the iSelfToken auth API. It
// attaches the bearer token, refreshes an expired token once for all
// concurrent callers and retries transient failures with exponential backoff.
package api

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/sync/singleflight"

	"github.com/iselftoken/authclient/internal/auth"
	"github.com/iselftoken/authclient/internal/metrics"
	"github.com/iselftoken/authclient/internal/tokenstore"
)

const (
	DefaultTimeout    = 10 * time.Second
	DefaultMaxRetries = 3
	DefaultBaseDelay  = time.Second
)

type ClientOpts struct {
	BaseURL string
	Timeout time.Duration
	// EnableLogging logs every request and response at debug level.
	EnableLogging bool
	// Tracing wraps the transport with OpenTelemetry instrumentation.
	Tracing bool

	// MaxRetries bounds transient-failure retries. Zero means
	// DefaultMaxRetries; a negative value disables retries.
	MaxRetries int
	BaseDelay  time.Duration

	Metrics *metrics.Metrics
	// Sleep waits between retries. Defaults to a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

type Client struct {
	httpClient *resty.Client
	tokens     *tokenstore.Store
	metrics    *metrics.Metrics

	timeout    time.Duration
	maxRetries int
	baseDelay  time.Duration
	sleep      func(ctx context.Context, d time.Duration) error

	flights singleflight.Group

	// refreshMu orders the "token already replaced?" check of a 401 against
	// the store update at the end of a refresh.
	refreshMu sync.Mutex

	mu                sync.Mutex
	onForcedLogout    func(ctx context.Context)
	onTokensRefreshed func(ctx context.Context, tokens auth.Tokens)
}

func NewClient(tokens *tokenstore.Store, opts ClientOpts) *Client {
	c := &Client{
		tokens:     tokens,
		metrics:    opts.Metrics,
		timeout:    opts.Timeout,
		maxRetries: opts.MaxRetries,
		baseDelay:  opts.BaseDelay,
		sleep:      opts.Sleep,
	}
	if c.timeout <= 0 {
		c.timeout = DefaultTimeout
	}
	switch {
	case c.maxRetries == 0:
		c.maxRetries = DefaultMaxRetries
	case c.maxRetries < 0:
		c.maxRetries = 0
	}
	if c.baseDelay <= 0 {
		c.baseDelay = DefaultBaseDelay
	}
	if c.sleep == nil {
		c.sleep = sleepContext
	}

	c.httpClient = resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(c.timeout).
		SetHeaders(map[string]string{
			"Accept":       "application/json",
			"Content-Type": "application/json",
		})

	if opts.Tracing {
		c.httpClient.SetTransport(otelhttp.NewTransport(http.DefaultTransport))
	}
	if opts.EnableLogging {
		c.httpClient.
			OnBeforeRequest(func(_ *resty.Client, r *resty.Request) error {
				log.Debug().Str("method", r.Method).Str("url", r.URL).Msg("api request")
				return nil
			}).
			OnAfterResponse(func(_ *resty.Client, r *resty.Response) error {
				log.Debug().
					Str("method", r.Request.Method).
					Str("url", r.Request.URL).
					Int("status", r.StatusCode()).
					Dur("took", r.Time()).
					Msg("api response")
				return nil
			})
	}

	return c
}

// OnForcedLogout registers fn to run after the pipeline dropped the session
// because a 401 could not be recovered by a refresh.
func (c *Client) OnForcedLogout(fn func(ctx context.Context)) {
	c.mu.Lock()
	c.onForcedLogout = fn
	c.mu.Unlock()
}

// OnTokensRefreshed registers fn to run after every successful refresh.
func (c *Client) OnTokensRefreshed(fn func(ctx context.Context, tokens auth.Tokens)) {
	c.mu.Lock()
	c.onTokensRefreshed = fn
	c.mu.Unlock()
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
