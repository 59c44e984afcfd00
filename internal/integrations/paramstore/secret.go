package paramstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
)

// Source yields a credential value on demand.
type Source interface {
	Value(ctx context.Context) (string, error)
}

// Static is a credential known at startup.
type Static string

func (s Static) Value(context.Context) (string, error) {
	v := strings.TrimSpace(string(s))
	if v == "" {
		return "", errors.New("paramstore: static secret is empty")
	}
	return v, nil
}

// tokenPayload is the JSON shape credentials are stored in.
type tokenPayload struct {
	Token string `json:"token"`
}

// Secret fetches a parameter on first use and caches it for the process
// lifetime. A failed fetch is retried on the next call.
type Secret struct {
	getter Getter
	name   string

	mu     sync.Mutex
	value  string
	loaded bool
}

func NewSecret(getter Getter, name string) *Secret {
	return &Secret{getter: getter, name: strings.TrimSpace(name)}
}

// Name returns the full parameter name.
func (s *Secret) Name() string {
	return s.name
}

func (s *Secret) Value(ctx context.Context) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return s.value, nil
	}
	if s.getter == nil {
		return "", errors.New("paramstore: secret getter is nil")
	}
	if s.name == "" {
		return "", errors.New("paramstore: secret name is empty")
	}

	raw, err := s.getter.GetParameter(ctx, s.name)
	if err != nil {
		return "", fmt.Errorf("paramstore: resolve secret %q: %w", s.name, err)
	}
	token, err := decodeToken(raw)
	if err != nil {
		return "", fmt.Errorf("paramstore: secret %q: %w", s.name, err)
	}
	s.value = token
	s.loaded = true
	return token, nil
}

// decodeToken accepts either {"token":"..."} or a bare value.
func decodeToken(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if strings.HasPrefix(raw, "{") {
		var tp tokenPayload
		if err := json.Unmarshal([]byte(raw), &tp); err != nil {
			return "", fmt.Errorf("unmarshal token JSON: %w", err)
		}
		raw = strings.TrimSpace(tp.Token)
	}
	if raw == "" {
		return "", errors.New("token is empty")
	}
	return raw, nil
}
