// Package cloud provides the API client for the remote firewall service.
package cloud

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

// Client is the remote firewall surface the sync pipeline consumes. The
// remote API only supports full-object updates, so Submit carries the
// complete firewall: name, both rule directions, and associations.
type Client interface {
	FetchName(ctx context.Context, firewallID string) (string, error)
	FetchRules(ctx context.Context, firewallID string) (string, error)
	FetchAssociations(ctx context.Context, firewallID string) ([]string, error)
	Submit(ctx context.Context, u Update) error
}

// Update is the full-object write sent back to the remote API.
type Update struct {
	FirewallID    string
	Name          string
	InboundRules  string
	OutboundRules string
	Associations  []string
}

// APIError carries the remote service's own error message verbatim.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("remote API error (status %d): %s", e.Status, e.Message)
	}
	return fmt.Sprintf("remote API error (status %d)", e.Status)
}

// HTTPClient is an HTTP-based implementation of Client.
type HTTPClient struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// ClientOption configures the HTTPClient.
type ClientOption func(*HTTPClient)

// WithToken sets the bearer token for authentication.
func WithToken(token string) ClientOption {
	return func(c *HTTPClient) {
		c.token = token
	}
}

// WithTimeout sets the HTTP client timeout.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient.Timeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) {
		c.httpClient = hc
	}
}

// NewHTTPClient creates a client for the given API base URL.
func NewHTTPClient(baseURL string, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type firewallInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

type associationList struct {
	DropletIDs []string `json:"droplet_ids"`
}

type firewallUpdate struct {
	Name          string   `json:"name"`
	InboundRules  string   `json:"inbound_rules"`
	OutboundRules string   `json:"outbound_rules"`
	DropletIDs    []string `json:"droplet_ids"`
}

// FetchName returns the firewall's display name.
func (c *HTTPClient) FetchName(ctx context.Context, firewallID string) (string, error) {
	var info firewallInfo
	if err := c.doJSON(ctx, http.MethodGet, "/firewalls/"+firewallID, nil, &info); err != nil {
		return "", fmt.Errorf("fetch name for %s: %w", firewallID, err)
	}
	if info.Name == "" {
		return "", fmt.Errorf("fetch name for %s: empty name in response", firewallID)
	}
	return info.Name, nil
}

// FetchRules returns the raw rule text blob for both directions.
func (c *HTTPClient) FetchRules(ctx context.Context, firewallID string) (string, error) {
	blob, err := c.doText(ctx, "/firewalls/"+firewallID+"/rules")
	if err != nil {
		return "", fmt.Errorf("fetch rules for %s: %w", firewallID, err)
	}
	return blob, nil
}

// FetchAssociations returns the droplet IDs attached to the firewall.
func (c *HTTPClient) FetchAssociations(ctx context.Context, firewallID string) ([]string, error) {
	var list associationList
	if err := c.doJSON(ctx, http.MethodGet, "/firewalls/"+firewallID+"/droplets", nil, &list); err != nil {
		return nil, fmt.Errorf("fetch associations for %s: %w", firewallID, err)
	}
	return list.DropletIDs, nil
}

// Submit writes the full firewall object back.
func (c *HTTPClient) Submit(ctx context.Context, u Update) error {
	body := firewallUpdate{
		Name:          u.Name,
		InboundRules:  u.InboundRules,
		OutboundRules: u.OutboundRules,
		DropletIDs:    u.Associations,
	}
	if err := c.doJSON(ctx, http.MethodPut, "/firewalls/"+u.FirewallID, body, nil); err != nil {
		return fmt.Errorf("submit %s: %w", u.FirewallID, err)
	}
	return nil
}

// doJSON performs a request with an optional JSON body and decodes the JSON
// response into out when out is non-nil.
func (c *HTTPClient) doJSON(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return readAPIError(resp)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// doText performs a GET and returns the raw response body.
func (c *HTTPClient) doText(ctx context.Context, path string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", err
	}
	c.setAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", readAPIError(resp)
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

func (c *HTTPClient) setAuth(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// readAPIError extracts the remote error message, preferring the JSON
// message field and falling back to the raw body.
func readAPIError(resp *http.Response) error {
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	var payload struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal(data, &payload); err == nil && payload.Message != "" {
		return &APIError{Status: resp.StatusCode, Message: payload.Message}
	}
	return &APIError{Status: resp.StatusCode, Message: strings.TrimSpace(string(data))}
}
