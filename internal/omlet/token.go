package omlet

import (
	"sync"

	"golang.org/x/oauth2"
)

// tokenSource hands the current API key to oauth2.Transport.
// The key never expires on its own; it is swapped by SetToken.
type tokenSource struct {
	mu    sync.RWMutex
	token string
}

func (s *tokenSource) Token() (*oauth2.Token, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.token == "" {
		return nil, ErrNoToken
	}
	return &oauth2.Token{AccessToken: s.token, TokenType: "Bearer"}, nil
}

func (s *tokenSource) set(token string) {
	s.mu.Lock()
	s.token = token
	s.mu.Unlock()
}
