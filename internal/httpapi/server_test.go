package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agentworkforce/spotsync/internal/engine"
	"github.com/agentworkforce/spotsync/internal/queue"
	"github.com/agentworkforce/spotsync/internal/uistate"
)

type fakeBackend struct {
	mu       sync.Mutex
	items    []queue.QueuedMutation
	notices  []uistate.Notice
	network  []bool
	followed map[string]bool
	flushes  int
	events   chan uistate.Event
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		items: []queue.QueuedMutation{
			{ID: "m1", OperationType: "createSpot", Label: "Spot creation", Method: http.MethodPost, Endpoint: "/spots"},
		},
		notices: []uistate.Notice{
			{Kind: uistate.NoticeQueued, Message: "first"},
			{Kind: uistate.NoticeDropped, Message: "second"},
			{Kind: uistate.NoticeFailed, Message: "third"},
		},
		followed: map[string]bool{},
		events:   make(chan uistate.Event, 4),
	}
}

func (f *fakeBackend) Status() engine.Status {
	return engine.Status{Online: true, Pending: []uistate.PendingAction{{ID: "m1", Status: uistate.StatusPending}}}
}

func (f *fakeBackend) QueuedMutations() []queue.QueuedMutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]queue.QueuedMutation(nil), f.items...)
}

func (f *fakeBackend) Notices() []uistate.Notice { return f.notices }

func (f *fakeBackend) Subscribe(int) (<-chan uistate.Event, func()) { return f.events, func() {} }

func (f *fakeBackend) FlushQueue(context.Context) (queue.FlushReport, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.flushes++
	return queue.FlushReport{Attempted: 1, Succeeded: 1}, nil
}

func (f *fakeBackend) DropQueued(_ context.Context, id string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.items {
		if m.ID == id {
			f.items = append(f.items[:i], f.items[i+1:]...)
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeBackend) ReportNetwork(online bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.network = append(f.network, online)
}

func (f *fakeBackend) JoinSpot(_ context.Context, spotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.followed[spotID] = true
	return nil
}

func (f *fakeBackend) LeaveSpot(_ context.Context, spotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.followed, spotID)
	return nil
}

type request struct {
	method  string
	path    string
	headers map[string]string
	body    any
}

func doRequest(t *testing.T, handler http.Handler, req request) *httptest.ResponseRecorder {
	t.Helper()
	var body bytes.Buffer
	if req.body != nil {
		if raw, ok := req.body.(string); ok {
			body.WriteString(raw)
		} else if err := json.NewEncoder(&body).Encode(req.body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	httpReq := httptest.NewRequest(req.method, req.path, &body)
	for k, v := range req.headers {
		httpReq.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httpReq)
	return rec
}

func TestHealthSkipsAuth(t *testing.T) {
	server := NewServerWithConfig(newFakeBackend(), ServerConfig{Token: "secret"})
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/health"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
}

func TestTokenRequired(t *testing.T) {
	server := NewServerWithConfig(newFakeBackend(), ServerConfig{Token: "secret"})

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status"})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/status",
		headers: map[string]string{"Authorization": "Bearer wrong"},
	})
	if resp.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 with wrong token, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{
		method:  http.MethodGet,
		path:    "/v1/status",
		headers: map[string]string{"Authorization": "Bearer secret", "X-Correlation-Id": "corr_1"},
	})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 with token, got %d (%s)", resp.Code, resp.Body.String())
	}
	var st struct {
		Online  bool `json:"online"`
		Pending []struct {
			ID string `json:"id"`
		} `json:"pending"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if !st.Online || len(st.Pending) != 1 || st.Pending[0].ID != "m1" {
		t.Fatalf("unexpected status: %+v", st)
	}
}

func TestQueueListAndDrop(t *testing.T) {
	backend := newFakeBackend()
	server := NewServer(backend)

	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/queue"})
	var list struct {
		Count int `json:"count"`
		Items []struct {
			ID   string `json:"id"`
			Type string `json:"type"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decode queue: %v", err)
	}
	if list.Count != 1 || list.Items[0].Type != "createSpot" {
		t.Fatalf("unexpected queue: %+v", list)
	}

	resp = doRequest(t, server, request{method: http.MethodDelete, path: "/v1/queue/m1"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200 on drop, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{method: http.MethodDelete, path: "/v1/queue/m1", headers: map[string]string{"X-Correlation-Id": "corr_2"}})
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 on second drop, got %d", resp.Code)
	}
	if !strings.Contains(resp.Body.String(), "corr_2") {
		t.Fatalf("expected correlation id in error body: %s", resp.Body.String())
	}
}

func TestFlushReportsPass(t *testing.T) {
	backend := newFakeBackend()
	server := NewServer(backend)
	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/queue/flush"})
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var report map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&report); err != nil {
		t.Fatalf("decode report: %v", err)
	}
	if report["succeeded"] != float64(1) || backend.flushes != 1 {
		t.Fatalf("unexpected flush report %v (flushes=%d)", report, backend.flushes)
	}
}

func TestNoticesLimitKeepsNewest(t *testing.T) {
	server := NewServer(newFakeBackend())
	resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/notices?limit=2"})
	var out struct {
		Items []struct {
			Message string `json:"message"`
		} `json:"items"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode notices: %v", err)
	}
	if len(out.Items) != 2 || out.Items[0].Message != "second" || out.Items[1].Message != "third" {
		t.Fatalf("unexpected notices: %+v", out.Items)
	}
}

func TestNetworkReport(t *testing.T) {
	backend := newFakeBackend()
	server := NewServer(backend)

	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/network", body: map[string]any{}})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without online, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/network", body: "{not json"})
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 on bad json, got %d", resp.Code)
	}
	resp = doRequest(t, server, request{method: http.MethodPost, path: "/v1/network", body: map[string]bool{"online": false}})
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.Code)
	}
	if len(backend.network) != 1 || backend.network[0] {
		t.Fatalf("expected one offline report, got %v", backend.network)
	}
}

func TestBodyLimit(t *testing.T) {
	server := NewServerWithConfig(newFakeBackend(), ServerConfig{MaxBodyBytes: 8})
	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/network", body: map[string]any{"online": true, "padding": "xxxxxxxx"}})
	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.Code)
	}
}

func TestFollowSpot(t *testing.T) {
	backend := newFakeBackend()
	server := NewServer(backend)
	resp := doRequest(t, server, request{method: http.MethodPost, path: "/v1/spots/s1/follow"})
	if resp.Code != http.StatusOK || !backend.followed["s1"] {
		t.Fatalf("expected follow, got %d %v", resp.Code, backend.followed)
	}
	resp = doRequest(t, server, request{method: http.MethodDelete, path: "/v1/spots/s1/follow"})
	if resp.Code != http.StatusOK || backend.followed["s1"] {
		t.Fatalf("expected unfollow, got %d %v", resp.Code, backend.followed)
	}
}

func TestRateLimit(t *testing.T) {
	server := NewServerWithConfig(newFakeBackend(), ServerConfig{RateLimitMax: 2, RateLimitWindow: time.Minute})
	for i := 0; i < 2; i++ {
		if resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status"}); resp.Code != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i, resp.Code)
		}
	}
	if resp := doRequest(t, server, request{method: http.MethodGet, path: "/v1/status"}); resp.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.Code)
	}
}

func TestUnknownRoute(t *testing.T) {
	server := NewServer(newFakeBackend())
	if resp := doRequest(t, server, request{method: http.MethodGet, path: "/v2/status"}); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.Code)
	}
}

func TestEventsStream(t *testing.T) {
	backend := newFakeBackend()
	ts := httptest.NewServer(NewServer(backend))
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/v1/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("unexpected content type %q", ct)
	}

	reader := bufio.NewReader(resp.Body)
	readEvent := func() string {
		t.Helper()
		line, err := reader.ReadString('\n')
		if err != nil {
			t.Fatalf("read event: %v", err)
		}
		if _, err := reader.ReadString('\n'); err != nil {
			t.Fatalf("read data: %v", err)
		}
		if _, err := reader.ReadString('\n'); err != nil {
			t.Fatalf("read separator: %v", err)
		}
		return strings.TrimSpace(line)
	}

	if got := readEvent(); got != "event: status" {
		t.Fatalf("expected status snapshot first, got %q", got)
	}
	backend.events <- uistate.Event{Kind: uistate.EventNotice, Notice: &uistate.Notice{Message: "Wiki edit queued for sync"}}
	if got := readEvent(); got != "event: notice" {
		t.Fatalf("expected notice event, got %q", got)
	}
}
