// Package identity resolves caller bearer tokens to agent ids. Offers and
// activity are attributed to the resolved agent, so every authenticated
// route runs through a Resolver.
package identity

import (
	"context"
	"strings"

	"creditrail/internal/errors"
)

const (
	CodeMissingToken errors.Code = "IDENTITY_MISSING_TOKEN"
	CodeUnknownToken errors.Code = "IDENTITY_UNKNOWN_TOKEN"
)

func init() {
	errors.Register(CodeMissingToken, errors.Attributes{
		Message:  "missing bearer token",
		Severity: errors.SeverityInfo,
	})
	errors.Register(CodeUnknownToken, errors.Attributes{
		Message:  "token does not map to a known agent",
		Severity: errors.SeverityWarning,
	})
}

var (
	ErrMissingToken = errors.New(CodeMissingToken, "missing bearer token")
	ErrUnknownToken = errors.New(CodeUnknownToken, "unknown token")
)

// Resolver maps a bearer token to an agent id.
type Resolver interface {
	Resolve(ctx context.Context, token string) (agentID string, err error)
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", ErrMissingToken
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", ErrMissingToken
	}
	token := strings.TrimSpace(parts[1])
	if token == "" {
		return "", ErrMissingToken
	}
	return token, nil
}

type agentKey struct{}

// WithAgentID stores the resolved agent id in the context.
func WithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentKey{}, agentID)
}

// AgentFromContext extracts the resolved agent id, if any.
func AgentFromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	agentID, ok := ctx.Value(agentKey{}).(string)
	return agentID, ok && agentID != ""
}
