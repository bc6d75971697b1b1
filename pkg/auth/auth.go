// Package auth guards the flywheel API with static API keys. Keys are held
// only as bcrypt hashes; plaintext never touches persistent state.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// APIKeyManager manages the API keys accepted by the server
type APIKeyManager struct {
	hashes map[string][]byte // key id -> bcrypt hash
	mu     sync.RWMutex
}

// NewAPIKeyManager creates an empty key manager
func NewAPIKeyManager() *APIKeyManager {
	return &APIKeyManager{hashes: make(map[string][]byte)}
}

// GenerateAPIKey mints a new key under the given id and returns the
// plaintext. The plaintext is shown exactly once; only the hash is kept.
func (m *APIKeyManager) GenerateAPIKey(id string) (string, error) {
	keyBytes := make([]byte, 32)
	if _, err := rand.Read(keyBytes); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	key := base64.URLEncoding.EncodeToString(keyBytes)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash API key: %w", err)
	}

	m.mu.Lock()
	m.hashes[id] = hash
	m.mu.Unlock()
	return key, nil
}

// AddKey registers an externally provisioned plaintext key under an id
func (m *APIKeyManager) AddKey(id, key string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash API key: %w", err)
	}
	m.mu.Lock()
	m.hashes[id] = hash
	m.mu.Unlock()
	return nil
}

// ValidateAPIKey checks a plaintext key against every registered hash
func (m *APIKeyManager) ValidateAPIKey(key string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, hash := range m.hashes {
		if bcrypt.CompareHashAndPassword(hash, []byte(key)) == nil {
			return true
		}
	}
	return false
}

// RevokeAPIKey removes the key registered under id
func (m *APIKeyManager) RevokeAPIKey(id string) {
	m.mu.Lock()
	delete(m.hashes, id)
	m.mu.Unlock()
}

// Middleware rejects requests without a valid bearer key. The health
// endpoint stays open for probes.
func (m *APIKeyManager) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		if key == "" || !m.ValidateAPIKey(key) {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
