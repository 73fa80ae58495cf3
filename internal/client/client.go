// Package client talks to collab-api over HTTP and WebSocket.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/collab/internal/rows"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	restPathPrefix   = "/rest/v1/"
	realtimePath     = "/realtime/v1/websocket"
	authPathPrefix   = "/auth/v1/"
	objectMediaType  = "application/vnd.pgrst.object+json"
	mergeDuplicates  = "resolution=merge-duplicates"
	apiKeyHeader     = "apikey"
	defaultTimeout   = 30 * time.Second
	maxResponseBytes = 16 << 20
)

var (
	errMissingBaseURL = errors.New("client: base url required")
	errMissingAPIKey  = errors.New("client: api key required")
)

// Config configures a Client.
type Config struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
	Dialer     *websocket.Dialer
	Logger     *zap.Logger
}

// Client implements rows.Service and rows.Feed against collab-api.
type Client struct {
	baseURL    *url.URL
	apiKey     string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *zap.Logger

	mu          sync.RWMutex
	accessToken string
}

// New validates cfg and constructs a Client.
func New(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return nil, errMissingBaseURL
	}
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, errMissingAPIKey
	}
	baseURL, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("client: parse base url: %w", err)
	}
	if baseURL.Scheme != "http" && baseURL.Scheme != "https" {
		return nil, fmt.Errorf("client: unsupported base url scheme %q", baseURL.Scheme)
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: defaultTimeout}
	}
	dialer := cfg.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Client{
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		httpClient: httpClient,
		dialer:     dialer,
		logger:     logger,
	}, nil
}

// SetAccessToken switches the bearer credential to a session token. An empty
// token falls back to the api key.
func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = token
}

// AccessToken returns the current session token, if any.
func (c *Client) AccessToken() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.accessToken
}

func (c *Client) bearer() string {
	if token := c.AccessToken(); token != "" {
		return token
	}
	return c.apiKey
}

func (c *Client) endpoint(path string, query url.Values) string {
	target := *c.baseURL
	target.Path = strings.TrimRight(c.baseURL.Path, "/") + path
	target.RawQuery = ""
	if len(query) > 0 {
		target.RawQuery = query.Encode()
	}
	return target.String()
}

type request struct {
	method  string
	path    string
	query   url.Values
	body    []byte
	headers map[string]string
}

func (c *Client) do(ctx context.Context, operation string, req request) ([]byte, error) {
	var reader io.Reader = http.NoBody
	if req.body != nil {
		reader = bytes.NewReader(req.body)
	}
	httpRequest, err := http.NewRequestWithContext(ctx, req.method, c.endpoint(req.path, req.query), reader)
	if err != nil {
		return nil, fmt.Errorf("client: %s: build request: %w", operation, err)
	}
	httpRequest.Header.Set(apiKeyHeader, c.apiKey)
	httpRequest.Header.Set("Authorization", "Bearer "+c.bearer())
	httpRequest.Header.Set("Accept", "application/json")
	if req.body != nil {
		httpRequest.Header.Set("Content-Type", "application/json")
	}
	for key, value := range req.headers {
		httpRequest.Header.Set(key, value)
	}

	response, err := c.httpClient.Do(httpRequest)
	if err != nil {
		c.logger.Error("request failed", zap.String("operation", operation), zap.Error(err))
		return nil, fmt.Errorf("client: %s: %w", operation, err)
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("client: %s: read response: %w", operation, err)
	}
	if response.StatusCode >= http.StatusBadRequest {
		apiErr := decodeError(response.StatusCode, payload)
		if !rows.IsNoRows(apiErr) {
			c.logger.Warn("request rejected",
				zap.String("operation", operation),
				zap.Int("status", response.StatusCode),
				zap.String("code", apiErr.Code),
				zap.String("message", apiErr.Message))
		}
		return nil, apiErr
	}
	return payload, nil
}

// decodeError turns an error response into a rows.Error. Bodies without a
// code are reported under "http_<status>".
func decodeError(status int, payload []byte) *rows.Error {
	var apiErr rows.Error
	if err := json.Unmarshal(payload, &apiErr); err == nil && apiErr.Code != "" {
		return &apiErr
	}
	message := strings.TrimSpace(string(payload))
	if message == "" {
		message = http.StatusText(status)
	}
	return &rows.Error{Code: fmt.Sprintf("http_%d", status), Message: message}
}

func decodeRows(operation string, payload []byte) ([]json.RawMessage, error) {
	var found []json.RawMessage
	if err := json.Unmarshal(payload, &found); err != nil {
		return nil, fmt.Errorf("client: %s: decode rows: %w", operation, err)
	}
	return found, nil
}

// Select implements rows.Service.
func (c *Client) Select(ctx context.Context, table string, query rows.Query) ([]json.RawMessage, error) {
	req := request{method: http.MethodGet, path: restPathPrefix + table, query: query.Values()}
	if query.Single {
		req.headers = map[string]string{"Accept": objectMediaType}
	}
	payload, err := c.do(ctx, "select", req)
	if err != nil {
		return nil, err
	}
	if query.Single {
		return []json.RawMessage{json.RawMessage(payload)}, nil
	}
	return decodeRows("select", payload)
}

// Insert implements rows.Service.
func (c *Client) Insert(ctx context.Context, table string, records []json.RawMessage, options rows.InsertOptions) ([]json.RawMessage, error) {
	body, err := json.Marshal(records)
	if err != nil {
		return nil, fmt.Errorf("client: insert: encode records: %w", err)
	}
	req := request{method: http.MethodPost, path: restPathPrefix + table, body: body}
	if options.Upsert {
		req.headers = map[string]string{"Prefer": mergeDuplicates}
	}
	payload, err := c.do(ctx, "insert", req)
	if err != nil {
		return nil, err
	}
	return decodeRows("insert", payload)
}

// Update implements rows.Service.
func (c *Client) Update(ctx context.Context, table string, filters []rows.Filter, values json.RawMessage) ([]json.RawMessage, error) {
	payload, err := c.do(ctx, "update", request{
		method: http.MethodPatch,
		path:   restPathPrefix + table,
		query:  rows.FilterValues(filters),
		body:   values,
	})
	if err != nil {
		return nil, err
	}
	return decodeRows("update", payload)
}

// Delete implements rows.Service.
func (c *Client) Delete(ctx context.Context, table string, filters []rows.Filter) ([]json.RawMessage, error) {
	payload, err := c.do(ctx, "delete", request{
		method: http.MethodDelete,
		path:   restPathPrefix + table,
		query:  rows.FilterValues(filters),
	})
	if err != nil {
		return nil, err
	}
	return decodeRows("delete", payload)
}
