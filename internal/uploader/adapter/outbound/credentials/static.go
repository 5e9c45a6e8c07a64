// Package credentials supplies bearer credentials for uploads resumed without
// a caller present.
package credentials

import (
	"context"
	"errors"
	"sync"

	"github.com/anthanhphan/go-resilient-upload/internal/uploader/port"
)

var ErrNoCredential = errors.New("no credential available")

// Static serves a configured default token, overridable per user.
type Static struct {
	mu      sync.RWMutex
	def     string
	perUser map[string]string
}

func NewStatic(token string) *Static {
	return &Static{def: token, perUser: make(map[string]string)}
}

// Remember stores the credential a user last started an upload with.
func (s *Static) Remember(userID, token string) {
	if userID == "" || token == "" {
		return
	}
	s.mu.Lock()
	s.perUser[userID] = token
	s.mu.Unlock()
}

func (s *Static) Credential(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if token, ok := s.perUser[userID]; ok {
		return token, nil
	}
	if s.def == "" {
		return "", ErrNoCredential
	}
	return s.def, nil
}

var _ port.CredentialSource = (*Static)(nil)
