package agent

import (
	"context"
	"errors"
)

type (
	// RuntimeContext carries per-request identity and scoped configuration.
	// It is treated as immutable once attached to a request: refreshing the
	// context on a cached agent replaces the whole value.
	RuntimeContext struct {
		UserID             string         `json:"user_id"`
		AccessToken        string         `json:"access_token,omitempty"`
		SelectedLibraryIDs []string       `json:"selected_library_ids,omitempty"`
		SearchPolicy       string         `json:"search_policy,omitempty"`
		Language           string         `json:"language,omitempty"`
		AgentConfig        map[string]any `json:"agent_config,omitempty"`
	}

	// TokenProvider yields the current access token. Implementations may
	// trigger a refresh against the identity provider; callers must never
	// capture a token by value across suspension points.
	TokenProvider interface {
		Token(ctx context.Context) (string, error)
	}

	// TokenProviderFunc adapts a closure to TokenProvider.
	TokenProviderFunc func(ctx context.Context) (string, error)
)

// ErrNoToken indicates no access token is available for the request.
var ErrNoToken = errors.New("no access token available")

// Token implements TokenProvider.
func (f TokenProviderFunc) Token(ctx context.Context) (string, error) { return f(ctx) }

// StaticToken returns a provider that always yields the given token.
func StaticToken(token string) TokenProvider {
	return TokenProviderFunc(func(context.Context) (string, error) {
		if token == "" {
			return "", ErrNoToken
		}
		return token, nil
	})
}

// Clone returns a deep-enough copy for safe per-request mutation of slices
// and the config map.
func (rc *RuntimeContext) Clone() *RuntimeContext {
	if rc == nil {
		return nil
	}
	out := *rc
	out.SelectedLibraryIDs = append([]string(nil), rc.SelectedLibraryIDs...)
	if rc.AgentConfig != nil {
		out.AgentConfig = make(map[string]any, len(rc.AgentConfig))
		for k, v := range rc.AgentConfig {
			out.AgentConfig[k] = v
		}
	}
	return &out
}
