// Package session manages server-side session records with sliding-window
// expiry and a per-user concurrency cap. Records live in a pluggable Store;
// the Manager owns policy (inactivity timeout, concurrent-session limit).
package session

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when no record exists for a session ID.
	ErrNotFound = errors.New("session: not found")

	// ErrExpired is returned by Touch when the session lapsed through
	// inactivity. The record is deleted before this is returned, so the
	// caller can translate it into an automatic-logoff response.
	ErrExpired = errors.New("session: expired")
)

// MinIDLength is the minimum session identifier length. Generated IDs are
// 64 hex characters (32 random bytes).
const MinIDLength = 32

// Record is one active session. Timestamps are normalized to UTC and
// truncated to whole seconds so every serialization is a fixed-format
// RFC 3339 string.
type Record struct {
	SessionID    string            `json:"session_id"`
	UserID       string            `json:"user_id"`
	Username     string            `json:"username,omitempty"`
	Roles        []string          `json:"roles,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	LastAccessed time.Time         `json:"last_accessed"`
	ExpiresAt    time.Time         `json:"expires_at"`
}

// Validate checks the record invariants before it is persisted.
func (r *Record) Validate() error {
	if len(r.SessionID) < MinIDLength {
		return fmt.Errorf("session: id shorter than %d characters", MinIDLength)
	}
	if r.UserID == "" {
		return errors.New("session: user id is required")
	}
	return nil
}

// Encode serializes the record for storage.
func (r *Record) Encode() ([]byte, error) {
	return json.Marshal(r)
}

// DecodeRecord parses a stored record. Together with Encode it reproduces
// every field exactly, including the canonical timestamp format.
func DecodeRecord(data []byte) (*Record, error) {
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("session: decode record: %w", err)
	}
	return &rec, nil
}

// clone returns a deep copy so store internals never alias caller state.
func (r *Record) clone() *Record {
	cp := *r
	if r.Roles != nil {
		cp.Roles = append([]string(nil), r.Roles...)
	}
	if r.Metadata != nil {
		cp.Metadata = make(map[string]string, len(r.Metadata))
		for k, v := range r.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}

// newSessionID returns a 64-character hex identifier from 32 random bytes.
func newSessionID() (string, error) {
	var buf [32]byte
	if _, err := rand.Read(buf[:]); err != nil {
		return "", fmt.Errorf("session: generate id: %w", err)
	}
	return hex.EncodeToString(buf[:]), nil
}
