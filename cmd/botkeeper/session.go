package main

import (
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"
)

// Session is a token saved by `botkeeper login`.
type Session struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	ServerURL string    `json:"server_url"`
}

// SessionManager stores the session under the user's home directory.
type SessionManager struct {
	sessionPath string
}

// NewSessionManager uses dir, or ~/.botkeeper when dir is empty.
func NewSessionManager(dir string) *SessionManager {
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			home = "."
		}
		dir = filepath.Join(home, ".botkeeper")
	}
	return &SessionManager{sessionPath: filepath.Join(dir, "session.json")}
}

func (sm *SessionManager) Save(s *Session) error {
	if err := os.MkdirAll(filepath.Dir(sm.sessionPath), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(sm.sessionPath, data, 0o600)
}

// Load returns the saved session for serverURL, or nil when there is none,
// it has expired, or it belongs to another server.
func (sm *SessionManager) Load(serverURL string) (*Session, error) {
	data, err := os.ReadFile(sm.sessionPath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	if time.Now().After(s.ExpiresAt) {
		_ = sm.Clear()
		return nil, nil
	}
	if serverURL != "" && s.ServerURL != serverURL {
		return nil, nil
	}
	return &s, nil
}

func (sm *SessionManager) Clear() error {
	if err := os.Remove(sm.sessionPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (sm *SessionManager) Path() string { return sm.sessionPath }
