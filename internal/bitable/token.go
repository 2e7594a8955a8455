package bitable

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"
)

const (
	tokenPath          = "/open-apis/auth/v3/tenant_access_token/internal"
	tokenExpiryMargin  = 60 * time.Second
	defaultTokenExpiry = 3600 // seconds, when the response omits expire
)

type TokenSourceOptions struct {
	BaseURL    string
	AppID      string
	AppSecret  string
	HTTPClient *http.Client
}

// TokenSource caches the tenant access token and refreshes it before expiry.
//
// The mutex only guards the cached cell. The refresh itself runs unlocked, so
// concurrent callers hitting an expired token may each fetch once; both
// tokens are valid and the last writer wins. An extra token fetch is cheap
// and the upstream tolerates it, so no stricter in-flight sharing is applied
// here (unlike FieldMetaCache, where a fetch is expensive).
type TokenSource struct {
	baseURL    string
	appID      string
	appSecret  string
	httpClient *http.Client
	now        func() time.Time

	mu        sync.Mutex
	token     string
	expiresAt time.Time
}

func NewTokenSource(opts TokenSourceOptions) *TokenSource {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://open.feishu.cn"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &TokenSource{
		baseURL:    baseURL,
		appID:      strings.TrimSpace(opts.AppID),
		appSecret:  strings.TrimSpace(opts.AppSecret),
		httpClient: httpClient,
		now:        time.Now,
	}
}

// Token returns the cached credential, refreshing it when less than the
// safety margin remains before expiry.
func (s *TokenSource) Token(ctx context.Context) (string, error) {
	s.mu.Lock()
	if s.token != "" && s.now().Before(s.expiresAt.Add(-tokenExpiryMargin)) {
		token := s.token
		s.mu.Unlock()
		return token, nil
	}
	s.mu.Unlock()

	token, expiresAt, err := s.fetch(ctx)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	s.token = token
	s.expiresAt = expiresAt
	s.mu.Unlock()
	return token, nil
}

func (s *TokenSource) fetch(ctx context.Context) (string, time.Time, error) {
	payload, err := json.Marshal(map[string]string{
		"app_id":     s.appID,
		"app_secret": s.appSecret,
	})
	if err != nil {
		return "", time.Time{}, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+tokenPath, bytes.NewReader(payload))
	if err != nil {
		return "", time.Time{}, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", time.Time{}, err
	}
	body, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return "", time.Time{}, readErr
	}

	var parsed struct {
		Code              int    `json:"code"`
		Msg               string `json:"msg"`
		TenantAccessToken string `json:"tenant_access_token"`
		Expire            int    `json:"expire"`
	}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return "", time.Time{}, &APIError{StatusCode: resp.StatusCode, Message: "unparseable token response"}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 || parsed.Code != 0 {
		return "", time.Time{}, &APIError{StatusCode: resp.StatusCode, Code: parsed.Code, Message: parsed.Msg}
	}
	if strings.TrimSpace(parsed.TenantAccessToken) == "" {
		return "", time.Time{}, fmt.Errorf("token response missing tenant_access_token")
	}
	expire := parsed.Expire
	if expire <= 0 {
		expire = defaultTokenExpiry
	}
	return parsed.TenantAccessToken, s.now().Add(time.Duration(expire) * time.Second), nil
}
