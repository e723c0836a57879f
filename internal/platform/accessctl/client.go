// Package accessctl provides role checkers for the fill and treasury
// surfaces. The HTTP client defers to an external authority and caches
// answers briefly; Static serves role grants straight from configuration.
package accessctl

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/alanyoungcy/dcavault/internal/domain"
)

// Client checks roles against an external access-control service.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client

	cacheTTL time.Duration
	mu       sync.Mutex
	cache    map[string]cacheEntry
	now      func() time.Time
}

type cacheEntry struct {
	granted   bool
	expiresAt time.Time
}

// NewClient creates an HTTP role checker. cacheTTL bounds how long a
// grant or denial is reused before re-asking the authority.
func NewClient(baseURL, apiKey string, cacheTTL time.Duration) *Client {
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		cacheTTL: cacheTTL,
		cache:    make(map[string]cacheEntry),
		now:      time.Now,
	}
}

type checkResponse struct {
	Granted bool `json:"granted"`
}

// HasRole reports whether the principal holds the role. Cached answers are
// served until their TTL lapses; a transport failure is returned as an error
// rather than treated as a denial.
func (c *Client) HasRole(ctx context.Context, principal string, role domain.Role) (bool, error) {
	key := principal + "|" + string(role)

	c.mu.Lock()
	if entry, ok := c.cache[key]; ok && c.now().Before(entry.expiresAt) {
		c.mu.Unlock()
		return entry.granted, nil
	}
	c.mu.Unlock()

	granted, err := c.check(ctx, principal, role)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{granted: granted, expiresAt: c.now().Add(c.cacheTTL)}
	c.mu.Unlock()
	return granted, nil
}

func (c *Client) check(ctx context.Context, principal string, role domain.Role) (bool, error) {
	q := url.Values{}
	q.Set("principal", principal)
	q.Set("role", string(role))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/check?"+q.Encode(), nil)
	if err != nil {
		return false, fmt.Errorf("accessctl: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("accessctl: check %s/%s: %w", principal, role, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return false, fmt.Errorf("accessctl: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("accessctl: status %d: %s", resp.StatusCode, string(body))
	}

	var result checkResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return false, fmt.Errorf("accessctl: decode response: %w", err)
	}
	return result.Granted, nil
}

var _ domain.RoleChecker = (*Client)(nil)
