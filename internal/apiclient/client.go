// Package apiclient is the request transport every live and replayed call
// goes through. It attaches the bearer token, recovers one 401 per call
// through the refresh coordinator and classifies failures.
package apiclient

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/agentworkforce/spotsync/internal/auth"
)

// Session is the view of the auth state the transport needs.
type Session interface {
	AccessToken() string
	Clear(ctx context.Context) error
}

// Refresher renews the access token a rejected request carried.
type Refresher interface {
	Refresh(ctx context.Context, staleToken string) (string, error)
}

type Options struct {
	HTTPClient *http.Client
	Logger     *zap.Logger
	// MaxRetries bounds in-place retries of GET requests on 429/5xx.
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	// RefreshAhead refreshes a JWT access token that expires within the
	// window before sending it. Zero disables it.
	RefreshAhead time.Duration
	Now          func() time.Time
}

type Client struct {
	baseURL      string
	session      Session
	refresher    Refresher
	httpClient   *http.Client
	log          *zap.Logger
	maxRetries   int
	baseDelay    time.Duration
	maxDelay     time.Duration
	refreshAhead time.Duration
	now          func() time.Time
}

type Response struct {
	StatusCode int
	Data       json.RawMessage
	Meta       json.RawMessage
}

// Decode unmarshals the data member of the envelope into out.
func (r Response) Decode(out any) error {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	return Error.Wrap(json.Unmarshal(r.Data, out))
}

type envelope struct {
	Data  json.RawMessage `json:"data"`
	Meta  json.RawMessage `json:"meta,omitempty"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func New(baseURL string, session Session, refresher Refresher, opts Options) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = "http://127.0.0.1:3000/api/v1"
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = 100 * time.Millisecond
	}
	if opts.MaxDelay <= 0 {
		opts.MaxDelay = 2 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Client{
		baseURL:      baseURL,
		session:      session,
		refresher:    refresher,
		httpClient:   opts.HTTPClient,
		log:          opts.Logger,
		maxRetries:   opts.MaxRetries,
		baseDelay:    opts.BaseDelay,
		maxDelay:     opts.MaxDelay,
		refreshAhead: opts.RefreshAhead,
		now:          opts.Now,
	}
}

func (c *Client) Get(ctx context.Context, path string) (Response, error) {
	return c.Call(ctx, http.MethodGet, path, nil)
}

func (c *Client) Post(ctx context.Context, path string, body any) (Response, error) {
	return c.Call(ctx, http.MethodPost, path, body)
}

func (c *Client) Put(ctx context.Context, path string, body any) (Response, error) {
	return c.Call(ctx, http.MethodPut, path, body)
}

func (c *Client) Delete(ctx context.Context, path string) (Response, error) {
	return c.Call(ctx, http.MethodDelete, path, nil)
}

// Call performs one logical request. A 401 triggers exactly one refresh and
// one re-issue; the returned error is classified with ErrTransient,
// ErrPermanent or ErrUnauthenticated.
func (c *Client) Call(ctx context.Context, method, path string, body any) (Response, error) {
	payload, err := encodeBody(body)
	if err != nil {
		return Response{}, ErrPermanent.Wrap(err)
	}

	token := c.token()
	if c.refreshAhead > 0 && token != "" && c.refresher != nil && auth.ExpiresWithin(token, c.now(), c.refreshAhead) {
		fresh, err := c.refresher.Refresh(ctx, token)
		if err != nil {
			if ctx.Err() != nil {
				return Response{}, ErrTransient.Wrap(err)
			}
			return Response{}, c.unauthenticated(ctx, err)
		}
		token = fresh
	}

	resp, err := c.do(ctx, method, path, payload, token)
	if err == nil {
		return resp, nil
	}
	if Classify(err) != Unauthenticated {
		return Response{}, err
	}

	if c.refresher == nil {
		return Response{}, c.unauthenticated(ctx, err)
	}
	fresh, refreshErr := c.refresher.Refresh(ctx, token)
	if refreshErr != nil {
		if ctx.Err() != nil {
			// The caller gave up waiting; the shared refresh decides the session.
			return Response{}, ErrTransient.Wrap(refreshErr)
		}
		return Response{}, c.unauthenticated(ctx, refreshErr)
	}
	c.log.Debug("retrying request after token refresh", zap.String("method", method), zap.String("endpoint", path))
	resp, err = c.do(ctx, method, path, payload, fresh)
	if err != nil && Classify(err) == Unauthenticated {
		return Response{}, c.unauthenticated(ctx, err)
	}
	return resp, err
}

func (c *Client) token() string {
	if c.session == nil {
		return ""
	}
	return c.session.AccessToken()
}

func (c *Client) unauthenticated(ctx context.Context, cause error) error {
	if c.session != nil {
		if err := c.session.Clear(ctx); err != nil {
			c.log.Warn("clear auth session failed", zap.Error(err))
		}
	}
	if ErrUnauthenticated.Has(cause) {
		return cause
	}
	return ErrUnauthenticated.Wrap(cause)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte, token string) (Response, error) {
	retries := 0
	if method == http.MethodGet {
		retries = c.maxRetries
	}
	for attempt := 0; ; attempt++ {
		var bodyReader io.Reader
		if payload != nil {
			bodyReader = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
		if err != nil {
			return Response{}, ErrPermanent.Wrap(err)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		req.Header.Set("X-Correlation-Id", uuid.NewString())
		req.Header.Set("Accept", "application/json")
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() == nil && attempt < retries {
				if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, "")); waitErr != nil {
					return Response{}, ErrTransient.Wrap(waitErr)
				}
				continue
			}
			return Response{}, ErrTransient.Wrap(err)
		}
		data, readErr := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if readErr != nil {
			return Response{}, ErrTransient.Wrap(readErr)
		}

		var env envelope
		if len(data) > 0 {
			_ = json.Unmarshal(data, &env)
		}

		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return Response{StatusCode: resp.StatusCode, Data: env.Data, Meta: env.Meta}, nil
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500) && attempt < retries {
			if waitErr := waitWithContext(ctx, c.retryDelay(attempt+1, resp.Header.Get("Retry-After"))); waitErr != nil {
				return Response{}, ErrTransient.Wrap(waitErr)
			}
			continue
		}

		httpErr := &HTTPError{StatusCode: resp.StatusCode}
		if env.Error != nil {
			httpErr.Code = env.Error.Code
			httpErr.Message = env.Error.Message
		} else {
			httpErr.Message = http.StatusText(resp.StatusCode)
		}
		c.log.Debug("request failed",
			zap.String("method", method),
			zap.String("endpoint", path),
			zap.Int("status", resp.StatusCode),
			zap.String("code", httpErr.Code),
		)
		return Response{StatusCode: resp.StatusCode}, wrapStatus(httpErr)
	}
}

func encodeBody(body any) ([]byte, error) {
	switch typed := body.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		if len(typed) == 0 {
			return nil, nil
		}
		return typed, nil
	case []byte:
		return typed, nil
	default:
		return json.Marshal(body)
	}
}

func (c *Client) retryDelay(attempt int, retryAfterHeader string) time.Duration {
	if retryAfter := parseRetryAfter(retryAfterHeader); retryAfter > 0 {
		if retryAfter > c.maxDelay {
			return c.maxDelay
		}
		return retryAfter
	}
	delay := c.baseDelay
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= c.maxDelay {
			return c.maxDelay
		}
	}
	return delay
}

func parseRetryAfter(header string) time.Duration {
	header = strings.TrimSpace(header)
	if header == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(header); err == nil && seconds >= 0 {
		return time.Duration(seconds) * time.Second
	}
	if ts, err := time.Parse(time.RFC1123, header); err == nil {
		if delta := time.Until(ts); delta > 0 {
			return delta
		}
	}
	return 0
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
