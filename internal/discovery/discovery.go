// Package discovery resolves the host's current public IPv4 address by
// asking a fixed ordered list of plain-text providers.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"grimm.is/driftwall/internal/logging"
)

// ErrAllProvidersFailed is returned when every provider either errored or
// answered with something that is not a dotted-quad address.
var ErrAllProvidersFailed = errors.New("all address providers failed")

// DefaultProviders are tried in order; the first well-formed answer wins.
var DefaultProviders = []string{
	"https://api.ipify.org",
	"https://icanhazip.com",
	"https://ifconfig.me/ip",
}

// addressPattern accepts four dot-separated 1-3 digit groups. Octet range
// checking is intentionally not done here; the remote API rejects garbage.
var addressPattern = regexp.MustCompile(`^\d{1,3}(\.\d{1,3}){3}$`)

// Resolver discovers the current public address.
type Resolver interface {
	Discover(ctx context.Context) (string, error)
}

// HTTPResolver asks plain-text WAN address providers over HTTPS.
type HTTPResolver struct {
	providers []string
	client    *http.Client
	logger    *logging.Logger
}

// Option configures the HTTPResolver.
type Option func(*HTTPResolver)

// WithProviders overrides the provider list.
func WithProviders(urls []string) Option {
	return func(r *HTTPResolver) {
		if len(urls) > 0 {
			r.providers = urls
		}
	}
}

// WithHTTPClient overrides the HTTP client (tests use httptest servers).
func WithHTTPClient(c *http.Client) Option {
	return func(r *HTTPResolver) {
		r.client = c
	}
}

// New creates a resolver with the default provider list and a 10 second
// per-attempt timeout.
func New(logger *logging.Logger, opts ...Option) *HTTPResolver {
	r := &HTTPResolver{
		providers: DefaultProviders,
		client:    &http.Client{Timeout: 10 * time.Second},
		logger:    logger.WithComponent("discovery"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Discover returns the first well-formed address any provider reports.
func (r *HTTPResolver) Discover(ctx context.Context) (string, error) {
	for _, provider := range r.providers {
		addr, err := r.fetch(ctx, provider)
		if err != nil {
			r.logger.Warn("provider failed", "provider", provider, "error", err)
			continue
		}
		if !addressPattern.MatchString(addr) {
			r.logger.Warn("provider returned malformed address", "provider", provider, "body", addr)
			continue
		}
		r.logger.Debug("address discovered", "provider", provider, "address", addr)
		return addr, nil
	}
	return "", ErrAllProvidersFailed
}

func (r *HTTPResolver) fetch(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	// Providers answer with a single short line; cap reads anyway.
	body, err := io.ReadAll(io.LimitReader(resp.Body, 256))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(body)), nil
}
