package bitable

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

// TokenProvider supplies the current bearer credential for a request.
type TokenProvider func(ctx context.Context) (string, error)

type ClientOptions struct {
	BaseURL       string
	AppToken      string
	TableID       string
	TokenProvider TokenProvider
	HTTPClient    *http.Client
	MaxRetries    int           // extra attempts on top of the first, default 1
	BaseDelay     time.Duration // default 200ms, doubled per attempt
}

// Client is a thin retrying wrapper around the external store's record API.
// Its local retry budget is deliberately small: it papers over single
// transient blips (a dropped connection, a token refresh race), while the job
// queue owns the real retry schedule.
type Client struct {
	baseURL       string
	appToken      string
	tableID       string
	tokenProvider TokenProvider
	httpClient    *http.Client
	maxRetries    int
	baseDelay     time.Duration
}

func NewClient(opts ClientOptions) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = "https://open.feishu.cn"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	return &Client{
		baseURL:       baseURL,
		appToken:      strings.TrimSpace(opts.AppToken),
		tableID:       strings.TrimSpace(opts.TableID),
		tokenProvider: opts.TokenProvider,
		httpClient:    httpClient,
		maxRetries:    maxRetries,
		baseDelay:     baseDelay,
	}
}

type apiEnvelope struct {
	Code int             `json:"code"`
	Msg  string          `json:"msg"`
	Data json.RawMessage `json:"data"`
}

// Request performs one API call with the local retry wrapper. The response
// body is read as text first and opportunistically parsed; an unparseable
// body on a 2xx status is treated as an empty payload, not an error.
func (c *Client) Request(ctx context.Context, method, path string, body any, out any) error {
	for attempt := 0; ; attempt++ {
		err := c.do(ctx, method, path, body, out)
		if err == nil {
			return nil
		}
		if attempt >= c.maxRetries || !IsRetryable(err) {
			return err
		}
		delay := c.baseDelay << attempt
		if waitErr := sleepContext(ctx, delay); waitErr != nil {
			return waitErr
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	if c.tokenProvider == nil {
		return fmt.Errorf("bitable token provider is required")
	}
	token, err := c.tokenProvider(ctx)
	if err != nil {
		return fmt.Errorf("fetch token: %w", err)
	}

	var bodyReader io.Reader
	if body != nil {
		payload, marshalErr := json.Marshal(body)
		if marshalErr != nil {
			return marshalErr
		}
		bodyReader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	respBody, readErr := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if readErr != nil {
		return readErr
	}

	var envelope apiEnvelope
	parseErr := json.Unmarshal(respBody, &envelope)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		message := envelope.Msg
		if parseErr != nil || message == "" {
			message = strings.TrimSpace(string(respBody))
		}
		return &APIError{StatusCode: resp.StatusCode, Code: envelope.Code, Message: message}
	}
	if parseErr != nil {
		// Unparseable 2xx body: treat as empty payload.
		return nil
	}
	if envelope.Code != 0 {
		return &APIError{StatusCode: resp.StatusCode, Code: envelope.Code, Message: envelope.Msg}
	}
	if out == nil || len(envelope.Data) == 0 {
		return nil
	}
	return json.Unmarshal(envelope.Data, out)
}

type fieldDescriptor struct {
	FieldName string `json:"field_name"`
	Type      int    `json:"type"`
	UIType    string `json:"ui_type"`
	Property  struct {
		Options []struct {
			Name string `json:"name"`
			ID   string `json:"id"`
		} `json:"options"`
	} `json:"property"`
}

// FetchFieldMeta lists the table's field schema and builds FieldMeta entries,
// extracting single-select option catalogs. Only the first page is fetched;
// the page size cap of 200 covers every table this service writes to.
func (c *Client) FetchFieldMeta(ctx context.Context) (map[string]FieldMeta, error) {
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/fields?page_size=200", c.appToken, c.tableID)
	var data struct {
		Items []fieldDescriptor `json:"items"`
	}
	if err := c.Request(ctx, http.MethodGet, path, nil, &data); err != nil {
		return nil, err
	}

	metaByName := make(map[string]FieldMeta, len(data.Items))
	for _, item := range data.Items {
		name := strings.TrimSpace(item.FieldName)
		if name == "" {
			continue
		}
		meta := FieldMeta{
			Name:   name,
			Type:   item.Type,
			UIType: item.UIType,
		}
		if len(item.Property.Options) > 0 {
			meta.OptionsByName = make(map[string]string, len(item.Property.Options))
			meta.OptionIDs = make(map[string]struct{}, len(item.Property.Options))
			for _, option := range item.Property.Options {
				if option.Name == "" || option.ID == "" {
					continue
				}
				meta.OptionsByName[option.Name] = option.ID
				meta.OptionIDs[option.ID] = struct{}{}
			}
		}
		metaByName[name] = meta
	}
	return metaByName, nil
}

// CreateRecord creates one record and returns its id. A success response
// missing the record id is classified retryable: the upstream occasionally
// acknowledges before the record is addressable.
func (c *Client) CreateRecord(ctx context.Context, fields map[string]any) (string, error) {
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records", c.appToken, c.tableID)
	var data struct {
		Record struct {
			RecordID string `json:"record_id"`
		} `json:"record"`
	}
	if err := c.Request(ctx, http.MethodPost, path, map[string]any{"fields": fields}, &data); err != nil {
		return "", err
	}
	recordID := strings.TrimSpace(data.Record.RecordID)
	if recordID == "" {
		return "", &APIError{StatusCode: http.StatusOK, Message: "create record response missing record id", Transient: true}
	}
	return recordID, nil
}

func (c *Client) UpdateRecord(ctx context.Context, recordID string, fields map[string]any) error {
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records/%s", c.appToken, c.tableID, recordID)
	return c.Request(ctx, http.MethodPut, path, map[string]any{"fields": fields}, nil)
}

func (c *Client) DeleteRecord(ctx context.Context, recordID string) error {
	path := fmt.Sprintf("/open-apis/bitable/v1/apps/%s/tables/%s/records/%s", c.appToken, c.tableID, recordID)
	return c.Request(ctx, http.MethodDelete, path, nil, nil)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
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
