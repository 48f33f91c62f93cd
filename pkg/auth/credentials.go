package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// UserRecord is one entry in the development credential file. Production
// deployments authenticate against an identity provider; this store exists so
// a gate can be stood up and exercised without one.
type UserRecord struct {
	Username     string   `json:"username"`
	PasswordHash string   `json:"password_hash"`
	Roles        []string `json:"roles"`
	Plan         string   `json:"plan,omitempty"`
}

// CredentialStore holds bcrypt-hashed credentials loaded from a JSON file.
type CredentialStore struct {
	mu    sync.RWMutex
	users map[string]UserRecord
}

// LoadCredentials reads a JSON array of UserRecord from path.
func LoadCredentials(path string) (*CredentialStore, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	var records []UserRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}

	users := make(map[string]UserRecord, len(records))
	for _, r := range records {
		if r.Username == "" || r.PasswordHash == "" {
			return nil, fmt.Errorf("credential entry missing username or password_hash")
		}
		users[r.Username] = r
	}
	return &CredentialStore{users: users}, nil
}

// NewCredentialStore builds a store from in-memory records (tests, seeding).
func NewCredentialStore(records ...UserRecord) *CredentialStore {
	users := make(map[string]UserRecord, len(records))
	for _, r := range records {
		users[r.Username] = r
	}
	return &CredentialStore{users: users}
}

// Authenticate checks a username/password pair. It returns the matching
// record only when the bcrypt comparison succeeds.
func (s *CredentialStore) Authenticate(username, password string) (UserRecord, bool) {
	s.mu.RLock()
	rec, ok := s.users[username]
	s.mu.RUnlock()
	if !ok {
		return UserRecord{}, false
	}
	if bcrypt.CompareHashAndPassword([]byte(rec.PasswordHash), []byte(password)) != nil {
		return UserRecord{}, false
	}
	return rec, true
}

// HashPassword produces a bcrypt hash suitable for a credential file entry.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
