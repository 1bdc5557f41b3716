package identity

import "context"

// StaticResolver serves a fixed token to agent mapping from configuration.
// Meant for development and tests.
type StaticResolver struct {
	tokens map[string]string
}

// NewStaticResolver copies the provided mapping.
func NewStaticResolver(tokens map[string]string) *StaticResolver {
	copied := make(map[string]string, len(tokens))
	for token, agentID := range tokens {
		copied[token] = agentID
	}
	return &StaticResolver{tokens: copied}
}

func (r *StaticResolver) Resolve(_ context.Context, token string) (string, error) {
	agentID, ok := r.tokens[token]
	if !ok {
		return "", ErrUnknownToken
	}
	return agentID, nil
}

var _ Resolver = (*StaticResolver)(nil)
