// Package auth guards the control API with bearer API keys. Keys are kept
// only as bcrypt hashes.
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

var ErrInvalidKey = errors.New("invalid API key")

// KeySet holds the API keys allowed to call the control API
type KeySet struct {
	mu     sync.RWMutex
	hashes [][]byte
	// public paths skip authentication
	public map[string]bool
}

// NewKeySet hashes keys. An empty set disables authentication.
func NewKeySet(keys ...string) (*KeySet, error) {
	ks := &KeySet{public: map[string]bool{"/health": true}}
	for _, k := range keys {
		if err := ks.Add(k); err != nil {
			return nil, err
		}
	}
	return ks, nil
}

// Add allows one more key
func (ks *KeySet) Add(key string) error {
	if key == "" {
		return errors.New("empty API key")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("failed to hash API key: %w", err)
	}
	ks.mu.Lock()
	ks.hashes = append(ks.hashes, hash)
	ks.mu.Unlock()
	return nil
}

// AllowPublic lets path through without a key
func (ks *KeySet) AllowPublic(path string) {
	ks.mu.Lock()
	ks.public[path] = true
	ks.mu.Unlock()
}

// Enabled reports whether any key is configured
func (ks *KeySet) Enabled() bool {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	return len(ks.hashes) > 0
}

// Validate checks key against every configured hash
func (ks *KeySet) Validate(key string) error {
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	for _, h := range ks.hashes {
		if bcrypt.CompareHashAndPassword(h, []byte(key)) == nil {
			return nil
		}
	}
	return ErrInvalidKey
}

// Middleware rejects requests without a valid "Authorization: Bearer <key>"
// header. It passes everything through while no key is configured.
func (ks *KeySet) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.mu.RLock()
		public := ks.public[r.URL.Path]
		ks.mu.RUnlock()
		if public || !ks.Enabled() {
			next.ServeHTTP(w, r)
			return
		}

		key, ok := BearerToken(r)
		if !ok {
			w.Header().Set("WWW-Authenticate", `Bearer realm="clipfetch"`)
			http.Error(w, "Missing API key", http.StatusUnauthorized)
			return
		}
		if err := ks.Validate(key); err != nil {
			http.Error(w, "Invalid API key", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// BearerToken extracts the token of an Authorization: Bearer header
func BearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !SecureCompare(strings.ToLower(header[:len(prefix)]), "bearer ") {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

// GenerateKey returns a new random API key
func GenerateKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate API key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

// SecureCompare performs constant-time comparison
func SecureCompare(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
