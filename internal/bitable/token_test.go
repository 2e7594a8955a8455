package bitable

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestTokenSourceFetchesAndCaches(t *testing.T) {
	var calls int32
	var capturedBody map[string]string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewDecoder(r.Body).Decode(&capturedBody)
		_, _ = w.Write([]byte(`{"code":0,"tenant_access_token":"t-abc","expire":7200}`))
	}))
	defer server.Close()

	source := NewTokenSource(TokenSourceOptions{
		BaseURL:   server.URL,
		AppID:     "cli_app",
		AppSecret: "secret",
	})
	for i := 0; i < 3; i++ {
		token, err := source.Token(context.Background())
		if err != nil {
			t.Fatalf("token call %d failed: %v", i, err)
		}
		if token != "t-abc" {
			t.Fatalf("expected t-abc, got %q", token)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 1 {
		t.Fatalf("expected one upstream fetch, got %d", got)
	}
	if capturedBody["app_id"] != "cli_app" || capturedBody["app_secret"] != "secret" {
		t.Fatalf("unexpected auth payload: %+v", capturedBody)
	}
}

func TestTokenSourceRefreshesWithinMargin(t *testing.T) {
	var calls int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		// Expiry shorter than the 60s safety margin: every call refreshes.
		_, _ = w.Write([]byte(`{"code":0,"tenant_access_token":"t-short","expire":30}`))
	}))
	defer server.Close()

	source := NewTokenSource(TokenSourceOptions{BaseURL: server.URL, AppID: "a", AppSecret: "s"})
	for i := 0; i < 2; i++ {
		if _, err := source.Token(context.Background()); err != nil {
			t.Fatalf("token call %d failed: %v", i, err)
		}
	}
	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected refresh inside safety margin, got %d fetches", got)
	}
}

func TestTokenSourceDefaultExpiry(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":0,"tenant_access_token":"t-nodur"}`))
	}))
	defer server.Close()

	source := NewTokenSource(TokenSourceOptions{BaseURL: server.URL, AppID: "a", AppSecret: "s"})
	fixed := time.Now()
	source.now = func() time.Time { return fixed }
	if _, err := source.Token(context.Background()); err != nil {
		t.Fatalf("token fetch failed: %v", err)
	}
	want := fixed.Add(defaultTokenExpiry * time.Second)
	if !source.expiresAt.Equal(want) {
		t.Fatalf("expected default 3600s expiry, got %s want %s", source.expiresAt, want)
	}
}

func TestTokenSourceUpstreamError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"code":10003,"msg":"invalid app_secret"}`))
	}))
	defer server.Close()

	source := NewTokenSource(TokenSourceOptions{BaseURL: server.URL, AppID: "a", AppSecret: "bad"})
	if _, err := source.Token(context.Background()); err == nil {
		t.Fatalf("expected auth failure to propagate")
	}
}
