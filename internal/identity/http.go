package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"creditrail/internal/errors"
)

// HTTPResolverConfig configures the remote identity lookup.
type HTTPResolverConfig struct {
	Endpoint       string
	TimeoutSeconds int
}

// HTTPResolver introspects tokens against an external identity service.
type HTTPResolver struct {
	endpoint string
	client   *http.Client
}

type introspectionResponse struct {
	Active  bool   `json:"active"`
	AgentID string `json:"agent_id"`
}

// NewHTTPResolver validates the endpoint and builds the resolver.
func NewHTTPResolver(cfg HTTPResolverConfig) (*HTTPResolver, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, errors.New(errors.CodeInvalidArgument, "identity endpoint must be configured")
	}
	if cfg.TimeoutSeconds <= 0 {
		cfg.TimeoutSeconds = 5
	}
	return &HTTPResolver{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
	}, nil
}

func (r *HTTPResolver) Resolve(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("build introspection request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return "", errors.Wrap(errors.CodeInternal, err, "identity introspection")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return "", ErrUnknownToken
	}
	if resp.StatusCode >= 400 {
		return "", errors.New(errors.CodeInternal, "identity introspection failed: "+resp.Status)
	}

	var introspect introspectionResponse
	if err := json.NewDecoder(resp.Body).Decode(&introspect); err != nil {
		return "", fmt.Errorf("decode introspection: %w", err)
	}
	if !introspect.Active || introspect.AgentID == "" {
		return "", ErrUnknownToken
	}
	return introspect.AgentID, nil
}

var _ Resolver = (*HTTPResolver)(nil)
