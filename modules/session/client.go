package session

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/guarzo/civictrack/common"
)

// Client performs authenticated calls against the backend. It attaches the
// stored access token, refreshes it at most once per call when the backend
// answers 401, and clears the session when the refresh cannot help.
type Client interface {
	// Do returns the 2xx response, or one of ErrSessionExpired, *RequestError
	// or *NetworkError.
	Do(ctx context.Context, req Request) (*Response, error)
	// DoJSON is Do followed by decoding the body into out (when non-nil).
	DoJSON(ctx context.Context, req Request, out interface{}) error
	// AccessToken returns a usable access token, refreshing it first when its
	// exp claim has passed.
	AccessToken(ctx context.Context) (string, error)
	// Store is the credential store the client reads and writes.
	Store() common.CredentialStore
}

// Option configures a Client.
type Option func(*client)

// WithRefresher replaces the default HTTP refresher.
func WithRefresher(r common.TokenRefresher) Option {
	return func(c *client) { c.refresher = r }
}

// WithRefreshPath changes the refresh endpoint used by the default refresher.
func WithRefreshPath(path string) Option {
	return func(c *client) { c.refreshPath = path }
}

// WithExpiryPreCheck decodes the access token before each call and refreshes
// it when it expires within leeway.
func WithExpiryPreCheck(leeway time.Duration) Option {
	return func(c *client) {
		c.preCheck = true
		c.leeway = leeway
	}
}

// WithSessionExpiredHandler is called after the session has been cleared.
func WithSessionExpiredHandler(fn func(ctx context.Context)) Option {
	return func(c *client) { c.onExpired = fn }
}

// WithLogger sets the logger; by default nothing is logged.
func WithLogger(log *slog.Logger) Option {
	return func(c *client) { c.log = log }
}

// WithMetrics records call outcomes.
func WithMetrics(m *Metrics) Option {
	return func(c *client) { c.metrics = m }
}

// WithClock overrides time.Now for the expiry pre-check.
func WithClock(now func() time.Time) Option {
	return func(c *client) { c.now = now }
}

type client struct {
	baseURL     string
	httpClient  common.HttpClient
	store       common.CredentialStore
	refresher   common.TokenRefresher
	refreshPath string

	preCheck  bool
	leeway    time.Duration
	onExpired func(ctx context.Context)
	log       *slog.Logger
	metrics   *Metrics
	now       func() time.Time

	// dedupes concurrent refreshes of the same refresh token
	refreshGroup singleflight.Group
}

// refreshTimeout bounds a shared refresh once it no longer follows a caller.
const refreshTimeout = 30 * time.Second

// New creates a Client for the backend rooted at baseURL (for example
// "http://127.0.0.1:8000/api/v1").
func New(baseURL string, httpClient common.HttpClient, store common.CredentialStore, opts ...Option) Client {
	c := &client{
		baseURL:     baseURL,
		httpClient:  httpClient,
		store:       store,
		refreshPath: DefaultRefreshPath,
		log:         slog.New(slog.NewTextHandler(io.Discard, nil)),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.refresher == nil {
		c.refresher = NewHTTPRefresher(baseURL, c.refreshPath, httpClient)
	}
	return c
}

func (c *client) Store() common.CredentialStore {
	return c.store
}

func (c *client) DoJSON(ctx context.Context, req Request, out interface{}) error {
	resp, err := c.Do(ctx, req)
	if err != nil {
		return err
	}
	if out == nil {
		return nil
	}
	return resp.Decode(out)
}

func (c *client) Do(ctx context.Context, req Request) (*Response, error) {
	if req.Method == "" {
		req.Method = http.MethodGet
	}
	body, err := req.encode()
	if err != nil {
		return nil, err
	}
	urlStr, err := buildURL(c.baseURL, req.Path, req.Query)
	if err != nil {
		return nil, err
	}

	var access, refresh string
	if !req.Anonymous {
		if access, refresh, err = c.loadTokens(ctx); err != nil {
			return nil, err
		}
	}

	// a refresh done by the pre-check uses up this call's single attempt
	refreshed := false
	if c.preCheck && access != "" {
		isExpired, decodeErr := expired(access, c.now(), c.leeway)
		if decodeErr != nil {
			c.expire(ctx, "access token could not be decoded", decodeErr)
			return nil, common.ErrInvalidToken
		}
		if isExpired && refresh != "" {
			c.log.DebugContext(ctx, "access token expired, refreshing before request", slog.String("path", req.Path))
			if access, err = c.refresh(ctx, refresh); err != nil {
				return nil, err
			}
			refreshed = true
		}
	}

	status, header, data, err := c.execute(ctx, req, urlStr, body, access)
	if err != nil {
		return nil, err
	}

	if status == http.StatusUnauthorized && !req.Anonymous {
		if refresh == "" || refreshed {
			c.expire(ctx, "request unauthorized and no refresh available", nil)
			return nil, common.ErrSessionExpired
		}

		c.log.DebugContext(ctx, "request unauthorized, refreshing access token", slog.String("path", req.Path))
		if access, err = c.refresh(ctx, refresh); err != nil {
			return nil, err
		}

		status, header, data, err = c.execute(ctx, req, urlStr, body, access)
		if err != nil {
			return nil, err
		}
		if status == http.StatusUnauthorized {
			c.expire(ctx, "request unauthorized after refresh", nil)
			return nil, common.ErrSessionExpired
		}
	}

	if status < 200 || status > 299 {
		c.metrics.request(outcomeRequestError)
		return nil, newRequestError(status, header, data)
	}

	resp := &Response{StatusCode: status, Header: header, Body: data}
	if isJSON(header.Get(headerCT)) {
		if resp.Value, err = decodeValue(data); err != nil {
			return nil, fmt.Errorf("failed to decode response from %s: %w", req.Path, err)
		}
	}
	c.metrics.request(outcomeSuccess)
	return resp, nil
}

func (c *client) AccessToken(ctx context.Context) (string, error) {
	access, refresh, err := c.loadTokens(ctx)
	if err != nil {
		return "", err
	}
	if access == "" || refresh == "" {
		return "", fmt.Errorf("not logged in: %w", common.ErrSessionExpired)
	}

	isExpired, err := expired(access, c.now(), c.leeway)
	if err != nil {
		c.expire(ctx, "access token could not be decoded", err)
		return "", common.ErrInvalidToken
	}
	if !isExpired {
		return access, nil
	}
	return c.refresh(ctx, refresh)
}

// execute performs the low-level HTTP round trip.
func (c *client) execute(ctx context.Context, r Request, urlStr string, body encodedBody, access string) (int, http.Header, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, r.Method, urlStr, bytes.NewReader(body.data))
	if err != nil {
		return 0, nil, nil, err
	}
	for k, vs := range r.Header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	if req.Header.Get("Accept") == "" {
		req.Header.Set("Accept", contentTypeJSON)
	}
	if body.multipart {
		req.Header.Set(headerCT, body.contentType)
	} else if req.Header.Get(headerCT) == "" {
		req.Header.Set(headerCT, contentTypeJSON)
	}
	if access != "" {
		req.Header.Set(headerAuth, "Bearer "+access)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.metrics.request(outcomeNetworkError)
		return 0, nil, nil, &common.NetworkError{Method: r.Method, URL: urlStr, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.metrics.request(outcomeNetworkError)
		return 0, nil, nil, &common.NetworkError{Method: r.Method, URL: urlStr, Err: fmt.Errorf("failed to read response body: %w", err)}
	}
	return resp.StatusCode, resp.Header, data, nil
}

// refresh exchanges the refresh token and persists the result. A rejected
// refresh clears the session; an unreachable endpoint leaves it alone.
//
// Concurrent calls holding the same refresh token share one exchange. The
// exchange runs detached from any caller's context, and each caller stops
// waiting when its own context is done.
func (c *client) refresh(ctx context.Context, refreshToken string) (string, error) {
	ch := c.refreshGroup.DoChan(refreshToken, func() (interface{}, error) {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return c.exchange(rctx, refreshToken)
	})

	var res singleflight.Result
	select {
	case res = <-ch:
	case <-ctx.Done():
		c.metrics.request(outcomeNetworkError)
		return "", &common.NetworkError{Method: http.MethodPost, URL: c.baseURL + c.refreshPath, Err: ctx.Err()}
	}

	if err := res.Err; err != nil {
		var netErr *common.NetworkError
		switch {
		case errors.As(err, &netErr):
			c.metrics.request(outcomeNetworkError)
			c.log.WarnContext(ctx, "token refresh unreachable", slog.String("err", err.Error()))
			return "", err
		case errors.Is(err, errPersist):
			return "", err
		}
		c.expire(ctx, "token refresh rejected", err)
		return "", fmt.Errorf("%w: refresh rejected: %v", common.ErrSessionExpired, err)
	}
	return res.Val.(string), nil
}

// errPersist marks a refresh that succeeded but could not be stored.
var errPersist = errors.New("failed to store refreshed token")

// exchange performs one refresh and stores the new tokens.
func (c *client) exchange(ctx context.Context, refreshToken string) (interface{}, error) {
	token, err := c.refresher.RefreshToken(ctx, refreshToken)
	if err != nil {
		var netErr *common.NetworkError
		if errors.As(err, &netErr) {
			c.metrics.refresh(refreshNetwork)
		} else {
			c.metrics.refresh(refreshRejected)
		}
		return nil, err
	}
	if token == nil || token.AccessToken == "" {
		c.metrics.refresh(refreshRejected)
		return nil, errors.New("refresh returned no access token")
	}

	if err = c.store.Set(ctx, common.AccessKey, token.AccessToken); err != nil {
		return nil, fmt.Errorf("%w: access: %v", errPersist, err)
	}
	if token.RefreshToken != "" && token.RefreshToken != refreshToken {
		if err = c.store.Set(ctx, common.RefreshKey, token.RefreshToken); err != nil {
			return nil, fmt.Errorf("%w: refresh: %v", errPersist, err)
		}
	}
	c.metrics.refresh(refreshSuccess)
	c.log.InfoContext(ctx, "access token refreshed")
	return token.AccessToken, nil
}

// expire clears the session and notifies the handler.
func (c *client) expire(ctx context.Context, reason string, cause error) {
	attrs := []any{slog.String("reason", reason)}
	if cause != nil {
		attrs = append(attrs, slog.String("err", cause.Error()))
	}
	c.log.InfoContext(ctx, "session expired", attrs...)

	if err := c.store.Delete(ctx, common.SessionKeys...); err != nil {
		c.log.WarnContext(ctx, "failed to clear credentials", slog.String("err", err.Error()))
	}
	c.metrics.request(outcomeSessionExpired)
	if c.onExpired != nil {
		c.onExpired(ctx)
	}
}

func (c *client) loadTokens(ctx context.Context) (string, string, error) {
	access, _, err := c.store.Get(ctx, common.AccessKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to read access token: %w", err)
	}
	refresh, _, err := c.store.Get(ctx, common.RefreshKey)
	if err != nil {
		return "", "", fmt.Errorf("failed to read refresh token: %w", err)
	}
	return access, refresh, nil
}
