package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/smallbiznis/tpp-broker/internal/domain"
)

// DiscoveryClient fetches OpenID provider configuration documents.
type DiscoveryClient interface {
	FetchOpenIDConfig(ctx context.Context, uri string) (*domain.OpenIDConfig, error)
}

// HTTPDiscoveryClient is the default DiscoveryClient.
type HTTPDiscoveryClient struct {
	httpClient *http.Client
}

// NewHTTPDiscoveryClient constructs a DiscoveryClient; nil uses a 10s client.
func NewHTTPDiscoveryClient(client *http.Client) *HTTPDiscoveryClient {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &HTTPDiscoveryClient{httpClient: client}
}

// FetchOpenIDConfig GETs and decodes the discovery document at uri.
func (c *HTTPDiscoveryClient) FetchOpenIDConfig(ctx context.Context, uri string) (*domain.OpenIDConfig, error) {
	if strings.TrimSpace(uri) == "" {
		return nil, fmt.Errorf("openid config uri missing")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, fmt.Errorf("build openid config request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("openid config request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read openid config: %w", err)
	}
	if resp.StatusCode >= 300 {
		return nil, domain.UpstreamRejected(resp.StatusCode, fmt.Sprintf("openid config fetch failed: status=%d", resp.StatusCode), nil)
	}

	var cfg domain.OpenIDConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		return nil, fmt.Errorf("decode openid config: %w", err)
	}
	return &cfg, nil
}
