package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

// Client talks to a botkeeper daemon over its HTTP API.
type Client struct {
	baseURL string
	token   string
	user    string
	pass    string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations

	// Token is sent as a bearer token (API token or issued JWT).
	Token string
	// Username and Password are sent as basic credentials when Token is empty.
	Username string
	Password string

	CACert   string // PEM file trusted in addition to the system pool
	Insecure bool   // Skip TLS verification
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://127.0.0.1:8080/api",
		Timeout: 30 * time.Second,
	}
}

// APIError is returned for non-2xx answers.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("HTTP %d", e.StatusCode)
	}
	return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status.
func IsStatus(err error, code int) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == code
}

// New creates a client. TLS settings apply only to https base URLs.
func New(config Config) (*Client, error) {
	def := DefaultConfig()
	if config.BaseURL == "" {
		config.BaseURL = def.BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = def.Timeout
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if config.Insecure || config.CACert != "" {
		tlsConfig, err := setupClientTLS(config)
		if err != nil {
			return nil, err
		}
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL: strings.TrimRight(config.BaseURL, "/"),
		token:   config.Token,
		user:    config.Username,
		pass:    config.Password,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout, Transport: transport},
	}, nil
}

func setupClientTLS(config Config) (*tls.Config, error) {
	tlsConfig := &tls.Config{MinVersion: tls.VersionTLS12}
	if config.Insecure {
		tlsConfig.InsecureSkipVerify = true // #nosec G402 -- opt-in for self-signed daemons
		return tlsConfig, nil
	}
	pem, err := os.ReadFile(config.CACert)
	if err != nil {
		return nil, fmt.Errorf("read CA certificate: %w", err)
	}
	pool, err := x509.SystemCertPool()
	if err != nil || pool == nil {
		pool = x509.NewCertPool()
	}
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("no certificates found in %s", config.CACert)
	}
	tlsConfig.RootCAs = pool
	return tlsConfig, nil
}

// SetToken switches the client to bearer authentication.
func (c *Client) SetToken(token string) { c.token = token }

// Healthy checks /healthz, which lives at the server root.
func (c *Client) Healthy(ctx context.Context) bool {
	u, err := url.Parse(c.baseURL)
	if err != nil {
		return false
	}
	u.Path = "/healthz"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("daemon unreachable", "error", err)
		return false
	}
	defer func() { _ = resp.Body.Close() }()
	return resp.StatusCode == http.StatusOK
}

// Login exchanges the configured basic credentials for a token.
func (c *Client) Login(ctx context.Context) (Login, error) {
	var out Login
	err := c.do(ctx, http.MethodPost, "/auth/login", nil, nil, &out)
	return out, err
}

func (c *Client) ListWorkers(ctx context.Context) ([]Worker, error) {
	var out []Worker
	err := c.do(ctx, http.MethodGet, "/workers", nil, nil, &out)
	return out, err
}

func (c *Client) CreateWorker(ctx context.Context, req CreateWorkerRequest) (Worker, error) {
	var out Worker
	err := c.do(ctx, http.MethodPost, "/workers", nil, req, &out)
	return out, err
}

func (c *Client) GetWorker(ctx context.Context, id string) (Worker, error) {
	var out Worker
	err := c.do(ctx, http.MethodGet, workerPath(id, ""), nil, nil, &out)
	return out, err
}

func (c *Client) UpdateWorker(ctx context.Context, id string, req UpdateWorkerRequest) (Worker, error) {
	var out Worker
	err := c.do(ctx, http.MethodPatch, workerPath(id, ""), nil, req, &out)
	return out, err
}

// DeleteWorker stops the worker if needed and removes it with its logs.
func (c *Client) DeleteWorker(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, workerPath(id, ""), nil, nil, nil)
}

func (c *Client) Script(ctx context.Context, id string) (string, error) {
	var out struct {
		Content string `json:"content"`
	}
	err := c.do(ctx, http.MethodGet, workerPath(id, "/script"), nil, nil, &out)
	return out.Content, err
}

// Start launches the worker and returns its pid.
func (c *Client) Start(ctx context.Context, id string) (int, error) {
	var out struct {
		PID int `json:"pid"`
	}
	err := c.do(ctx, http.MethodPost, workerPath(id, "/start"), nil, nil, &out)
	return out.PID, err
}

// Stop terminates the worker and returns how it ended: graceful or forced.
func (c *Client) Stop(ctx context.Context, id string) (string, error) {
	var out struct {
		Outcome string `json:"outcome"`
	}
	err := c.do(ctx, http.MethodPost, workerPath(id, "/stop"), nil, nil, &out)
	return out.Outcome, err
}

func (c *Client) Restart(ctx context.Context, id string) (int, error) {
	var out struct {
		PID int `json:"pid"`
	}
	err := c.do(ctx, http.MethodPost, workerPath(id, "/restart"), nil, nil, &out)
	return out.PID, err
}

func (c *Client) Status(ctx context.Context, id string) (Status, error) {
	var out Status
	err := c.do(ctx, http.MethodGet, workerPath(id, "/status"), nil, nil, &out)
	return out, err
}

// ToggleAutoRestart flips the flag and returns the new value.
func (c *Client) ToggleAutoRestart(ctx context.Context, id string) (bool, error) {
	var out struct {
		AutoRestart bool `json:"auto_restart"`
	}
	err := c.do(ctx, http.MethodPost, workerPath(id, "/autorestart"), nil, nil, &out)
	return out.AutoRestart, err
}

// Logs returns up to limit recent entries; limit 0 uses the server default.
func (c *Client) Logs(ctx context.Context, id string, limit int) ([]LogEntry, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Entries []LogEntry `json:"entries"`
	}
	err := c.do(ctx, http.MethodGet, workerPath(id, "/logs"), q, nil, &out)
	return out.Entries, err
}

func (c *Client) ClearLogs(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, workerPath(id, "/logs"), nil, nil, nil)
}

func (c *Client) ClearAllLogs(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/logs", nil, nil, nil)
}

func (c *Client) RotateLogs(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/logs/rotate", nil, nil, nil)
}

func (c *Client) ListAccounts(ctx context.Context) ([]Account, error) {
	var out []Account
	err := c.do(ctx, http.MethodGet, "/accounts", nil, nil, &out)
	return out, err
}

func (c *Client) CreateAccount(ctx context.Context, req CreateAccountRequest) (Account, error) {
	var out Account
	err := c.do(ctx, http.MethodPost, "/accounts", nil, req, &out)
	return out, err
}

// GetAccount returns the account with its stored positions.
func (c *Client) GetAccount(ctx context.Context, id string) (Account, error) {
	var out Account
	err := c.do(ctx, http.MethodGet, accountPath(id, ""), nil, nil, &out)
	return out, err
}

func (c *Client) DeleteAccount(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, accountPath(id, ""), nil, nil, nil)
}

func (c *Client) Trades(ctx context.Context, id string, limit int) ([]Trade, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []Trade
	err := c.do(ctx, http.MethodGet, accountPath(id, "/trades"), q, nil, &out)
	return out, err
}

func (c *Client) PlaceOrder(ctx context.Context, id string, req OrderRequest) (Trade, error) {
	var out Trade
	err := c.do(ctx, http.MethodPost, accountPath(id, "/orders"), nil, req, &out)
	return out, err
}

// Sync reconciles the account with its exchange.
func (c *Client) Sync(ctx context.Context, id string) (SyncReport, error) {
	var out SyncReport
	err := c.do(ctx, http.MethodPost, accountPath(id, "/sync"), nil, nil, &out)
	return out, err
}

// Halt stops every worker bound to the account.
func (c *Client) Halt(ctx context.Context, id string) (GroupReport, error) {
	var out GroupReport
	err := c.do(ctx, http.MethodPost, accountPath(id, "/halt"), nil, nil, &out)
	return out, err
}

// Resume starts every worker bound to the account; on failure the ones it
// started are stopped again.
func (c *Client) Resume(ctx context.Context, id string) (GroupReport, error) {
	var out GroupReport
	err := c.do(ctx, http.MethodPost, accountPath(id, "/resume"), nil, nil, &out)
	return out, err
}

func workerPath(id, suffix string) string {
	return "/workers/" + url.PathEscape(id) + suffix
}

func accountPath(id, suffix string) string {
	return "/accounts/" + url.PathEscape(id) + suffix
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	u := c.baseURL + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	switch {
	case c.token != "":
		req.Header.Set("Authorization", "Bearer "+c.token)
	case c.user != "":
		req.SetBasicAuth(c.user, c.pass)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "method", method, "url", u)
		return fmt.Errorf("do request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return c.handleErrorResponse(resp)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func (c *Client) handleErrorResponse(resp *http.Response) error {
	var er ErrorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err != nil {
		return &APIError{StatusCode: resp.StatusCode}
	}
	c.logger.Debug("API request failed", "error", er.Error, "status", resp.StatusCode)
	return &APIError{StatusCode: resp.StatusCode, Message: er.Error}
}
