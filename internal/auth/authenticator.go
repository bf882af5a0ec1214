package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPError is a non-2xx answer from the auth endpoints.
type HTTPError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *HTTPError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("auth http %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("auth http %d %s: %s", e.StatusCode, e.Code, e.Message)
}

// HTTPAuthenticator talks to /auth/login and /auth/refresh directly. It
// never goes through the request transport so a refresh can not recurse
// into another refresh.
type HTTPAuthenticator struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPAuthenticator(baseURL string, httpClient *http.Client) *HTTPAuthenticator {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPAuthenticator{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
}

func (a *HTTPAuthenticator) Login(ctx context.Context, username, password string) (Session, error) {
	return a.post(ctx, "/auth/login", map[string]string{
		"username": username,
		"password": password,
	})
}

func (a *HTTPAuthenticator) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	return a.post(ctx, "/auth/refresh", map[string]string{
		"refreshToken": refreshToken,
	})
}

func (a *HTTPAuthenticator) post(ctx context.Context, path string, body any) (Session, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return Session{}, Error.Wrap(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return Session{}, Error.Wrap(err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return Session{}, Error.Wrap(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Session{}, Error.Wrap(err)
	}

	var envelope struct {
		Data  *Session `json:"data"`
		Error *struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	_ = json.Unmarshal(data, &envelope)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		httpErr := &HTTPError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(data))}
		if envelope.Error != nil {
			httpErr.Code = envelope.Error.Code
			httpErr.Message = envelope.Error.Message
		}
		return Session{}, Error.Wrap(httpErr)
	}
	if envelope.Data == nil || envelope.Data.AccessToken == "" {
		return Session{}, Error.New("%s: response carries no access token", path)
	}
	return *envelope.Data, nil
}
