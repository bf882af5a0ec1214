package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/agentworkforce/spotsync/internal/config"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(append([]string{"--log-level", "error"}, args...))
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func newTestAPI(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/login", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"data": map[string]any{
			"accessToken":  "access-1",
			"refreshToken": "refresh-1",
			"user":         map[string]string{"id": "u1", "username": "kai"},
		}})
	})
	mux.HandleFunc("POST /spots", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func TestStatusJSONWithMemoryStorage(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	out, err := execute(t, "--storage", "memory://", "status", "--json")
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	var st struct {
		Authenticated bool   `json:"authenticated"`
		Refresh       string `json:"refresh"`
	}
	if err := json.Unmarshal([]byte(out), &st); err != nil {
		t.Fatalf("status output is not JSON: %v\n%s", err, out)
	}
	if st.Authenticated {
		t.Fatalf("expected no session")
	}
	if st.Refresh != "idle" {
		t.Fatalf("expected idle refresh state, got %q", st.Refresh)
	}
}

func TestLoginQueueAndStatusShareFileStorage(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	api := newTestAPI(t)
	storage := "file://" + t.TempDir()
	common := []string{"--base-url", api.URL, "--storage", storage}

	out, err := execute(t, append(common, "login", "--username", "kai", "--password", "pw")...)
	if err != nil {
		t.Fatalf("login failed: %v", err)
	}
	if !strings.Contains(out, "logged in as kai") {
		t.Fatalf("unexpected login output: %q", out)
	}

	out, err = execute(t, append(common, "spot", "create", "--name", "Reef Point", "--lat", "10", "--lng", "20")...)
	if err != nil {
		t.Fatalf("spot create failed: %v", err)
	}
	if !strings.Contains(out, "spot creation queued for sync") {
		t.Fatalf("expected queued result, got %q", out)
	}

	out, err = execute(t, append(common, "queue", "list", "--json")...)
	if err != nil {
		t.Fatalf("queue list failed: %v", err)
	}
	var items []struct {
		Type       string `json:"type"`
		Endpoint   string `json:"endpoint"`
		RetryCount int    `json:"retryCount"`
	}
	if err := json.Unmarshal([]byte(out), &items); err != nil {
		t.Fatalf("queue output is not JSON: %v\n%s", err, out)
	}
	if len(items) != 1 || items[0].Type != "createSpot" || items[0].Endpoint != "/spots" {
		t.Fatalf("unexpected queue contents: %+v", items)
	}

	out, err = execute(t, append(common, "status")...)
	if err != nil {
		t.Fatalf("status failed: %v", err)
	}
	if !strings.Contains(out, "User          : kai") || !strings.Contains(out, "Pending       : 1") {
		t.Fatalf("unexpected status output: %q", out)
	}
}

func TestLoginRequiresCredentials(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	t.Setenv("SPOTSYNC_PASSWORD", "")
	if _, err := execute(t, "--storage", "memory://", "login", "--username", "kai"); err == nil {
		t.Fatalf("expected missing password error")
	}
}

func TestSpotListRejectsBadViewport(t *testing.T) {
	t.Setenv("HOME", t.TempDir())
	_, err := execute(t, "--storage", "memory://", "spot", "list", "--viewport", "1,2")
	if err == nil || !strings.Contains(err.Error(), "viewport") {
		t.Fatalf("expected viewport error, got %v", err)
	}
}

func TestNewLoggerHonorsLevel(t *testing.T) {
	cfg := config.Default()
	cfg.LogLevel = "warn"
	log, err := newLogger(cfg)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	if log.Core().Enabled(-1) {
		t.Fatalf("debug should be disabled at warn level")
	}
	cfg.LogLevel = "nope"
	if _, err := newLogger(cfg); err == nil {
		t.Fatalf("expected invalid level error")
	}
}
