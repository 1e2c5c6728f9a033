// Package rest is the raw HTTPS transport to the broker. It knows about base
// URLs, headers and status codes; it does not know about session lifetimes,
// retries or throttling.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"tradeflow/internal/metrics"
	"tradeflow/logger"
	"tradeflow/models"
)

const (
	headerAPIKey        = "X-CAP-API-KEY"
	headerCST           = "CST"
	headerSecurityToken = "X-SECURITY-TOKEN"

	sessionPath = "/api/v1/session"
)

// Options configures a Client.
type Options struct {
	BaseURL      string
	UserAgent    string
	Timeout      time.Duration
	LocalIP      string
	MaxIdleConns int
}

// Client performs broker requests for one base URL.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        *logger.Log
}

type userAgentTransport struct {
	agent string
	base  http.RoundTripper
}

func (t userAgentTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.agent == "" {
		return t.base.RoundTrip(req)
	}
	req = req.Clone(req.Context())
	req.Header.Set("User-Agent", t.agent)
	return t.base.RoundTrip(req)
}

// New builds a client. A LocalIP binds outgoing connections to that address.
func New(opts Options) *Client {
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		MaxIdleConnsPerHost: opts.MaxIdleConns,
		IdleConnTimeout:     90 * time.Second,
	}
	if opts.LocalIP != "" {
		if ip := net.ParseIP(opts.LocalIP); ip != nil {
			dialer := &net.Dialer{LocalAddr: &net.TCPAddr{IP: ip}, Timeout: 10 * time.Second}
			transport.DialContext = dialer.DialContext
		}
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		httpClient: &http.Client{
			Transport: userAgentTransport{agent: opts.UserAgent, base: transport},
			Timeout:   timeout,
		},
		log: logger.GetLogger(),
	}
}

// BaseURL returns the REST host this client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

type errorBody struct {
	ErrorCode string `json:"errorCode"`
}

// Do sends an authenticated request. body is JSON encoded when non-nil and
// the response is decoded into out when non-nil.
func (c *Client) Do(ctx context.Context, sess *models.Session, method, path string, query url.Values, body, out interface{}) error {
	if sess == nil {
		return models.ErrSessionExpired
	}
	headers := http.Header{}
	headers.Set(headerCST, sess.CST)
	headers.Set(headerSecurityToken, sess.SecurityToken)
	_, err := c.send(ctx, method, path, query, headers, body, out)
	return err
}

// CreateSession performs the login handshake for cred.
func (c *Client) CreateSession(ctx context.Context, cred models.Credential) (*models.Session, error) {
	headers := http.Header{}
	headers.Set(headerAPIKey, cred.APIKey)

	reqBody := map[string]interface{}{
		"identifier":        cred.Identifier,
		"password":          cred.Password,
		"encryptedPassword": false,
	}

	var resp models.SessionResponse
	respHeaders, err := c.send(ctx, http.MethodPost, sessionPath, nil, headers, reqBody, &resp)
	if err != nil {
		var apiErr *models.APIError
		if !errors.Is(err, models.ErrRateLimited) && errors.As(err, &apiErr) && apiErr.Status >= 400 && apiErr.Status < 500 {
			return nil, &models.AuthenticationError{Reason: apiErr.Code, Status: apiErr.Status}
		}
		return nil, err
	}

	sess := &models.Session{
		CST:           respHeaders.Get(headerCST),
		SecurityToken: respHeaders.Get(headerSecurityToken),
		AccountID:     resp.CurrentAccountID,
		ClientID:      resp.ClientID,
		StreamingHost: resp.StreamingHost,
		CreatedAt:     time.Now(),
	}
	if sess.CST == "" || sess.SecurityToken == "" {
		return nil, &models.AuthenticationError{Reason: "session response missing security tokens"}
	}
	return sess, nil
}

func (c *Client) send(ctx context.Context, method, path string, query url.Values, headers http.Header, body, out interface{}) (http.Header, error) {
	route := method + " " + routeOf(path)
	log := c.log.WithComponent("rest_client").WithFields(logger.Fields{"route": route})

	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	for k, v := range headers {
		req.Header[k] = v
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		metrics.IncRequest(route, "error")
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &models.NetworkError{Op: route, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		metrics.IncRequest(route, "error")
		return nil, &models.NetworkError{Op: route, Err: err}
	}
	metrics.IncRequest(route, strconv.Itoa(resp.StatusCode))
	logger.LogDuration(log, "http_request", time.Since(start), logger.Fields{"status": resp.StatusCode})

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return resp.Header, statusError(resp.StatusCode, path, data)
	}

	if out != nil && len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return resp.Header, fmt.Errorf("failed to decode %s response: %w", route, err)
		}
	}
	return resp.Header, nil
}

// statusError maps a non-2xx response to the typed errors callers match on.
// The APIError is always wrapped so the status and broker code stay
// reachable through errors.As.
func statusError(status int, path string, data []byte) error {
	var eb errorBody
	_ = json.Unmarshal(data, &eb)
	apiErr := &models.APIError{Status: status, Code: eb.ErrorCode, Path: path}

	switch {
	case status == http.StatusTooManyRequests || strings.Contains(strings.ToLower(eb.ErrorCode), "too-many"):
		return fmt.Errorf("%w: %w", models.ErrRateLimited, apiErr)
	case status == http.StatusUnauthorized && path != sessionPath:
		return fmt.Errorf("%w: %w", models.ErrSessionExpired, apiErr)
	case status == http.StatusNotFound:
		return fmt.Errorf("%w: %w", models.ErrNotFound, apiErr)
	default:
		return apiErr
	}
}

// routeOf collapses identifiers so route labels stay low-cardinality.
func routeOf(path string) string {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	return "/" + strings.Join(parts, "/")
}
