// Package session persists the authenticated browsing state of scraped
// target services between runs, so the daemon does not have to sign in
// on every sync.
package session

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shelfsync/shelfsync/internal/logger"
)

// CurrentVersion is the current version of the session file format.
const CurrentVersion = "1.0"

// Session holds the cookies and anti-forgery token of one signed-in
// service account. Safe for concurrent use.
type Session struct {
	Version string   `json:"version"`
	Service string   `json:"service"`
	Cookies []Cookie `json:"cookies,omitempty"`
	// Token is the last seen CSRF token. It is page-scoped on most
	// services and refreshed on every fetch, persisting it just warms
	// the first request.
	Token   string    `json:"token,omitempty"`
	SavedAt time.Time `json:"saved_at"`

	mu sync.RWMutex
}

// Cookie is the persisted subset of http.Cookie.
type Cookie struct {
	Name     string    `json:"name"`
	Value    string    `json:"value"`
	Domain   string    `json:"domain,omitempty"`
	Path     string    `json:"path,omitempty"`
	Expires  time.Time `json:"expires,omitempty"`
	Secure   bool      `json:"secure,omitempty"`
	HTTPOnly bool      `json:"http_only,omitempty"`
}

// New returns an empty session for the named service.
func New(service string) *Session {
	return &Session{
		Version: CurrentVersion,
		Service: service,
	}
}

// Load reads a session from path. A missing file, a file for a
// different service or an unknown format version all yield a fresh
// empty session rather than an error, since the caller can always
// recover by signing in again. Only an unreadable or syntactically
// broken file is reported.
func Load(path, service string) (*Session, error) {
	log := logger.Get()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return New(service), nil
		}
		return nil, fmt.Errorf("failed to read session file at %q: %w", path, err)
	}

	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("invalid session file format: %w", err)
	}

	if s.Version != CurrentVersion {
		log.Warn("Discarding session file with unknown version", map[string]interface{}{
			"path":    path,
			"version": s.Version,
		})
		return New(service), nil
	}
	if s.Service != service {
		log.Warn("Discarding session file for different service", map[string]interface{}{
			"path":    path,
			"found":   s.Service,
			"wanted":  service,
		})
		return New(service), nil
	}

	return &s, nil
}

// Save writes the session to path atomically: encode to a temp file in
// the target directory, fsync, then rename over the destination. The
// file is chmodded to 0600 because it carries live credentials.
func (s *Session) Save(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.SavedAt = time.Now().UTC()

	targetDir := filepath.Dir(path)
	if err := os.MkdirAll(targetDir, 0755); err != nil {
		return fmt.Errorf("failed to create session directory %q: %w", targetDir, err)
	}

	tmpFile, err := os.CreateTemp(targetDir, filepath.Base(path)+".tmp.*")
	if err != nil {
		return fmt.Errorf("failed to create temp file in %q: %w", targetDir, err)
	}
	tmpPath := tmpFile.Name()
	defer func() {
		tmpFile.Close()
		if _, err := os.Stat(tmpPath); err == nil {
			os.Remove(tmpPath)
		}
	}()

	encoder := json.NewEncoder(tmpFile)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(s); err != nil {
		return fmt.Errorf("failed to encode session: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync session file: %w", err)
	}
	// Close before renaming, required on Windows.
	if err := tmpFile.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := os.Remove(path); err != nil {
			return fmt.Errorf("failed to remove existing session file: %w", err)
		}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("failed to rename temp file to %q: %w", path, err)
	}
	if err := os.Chmod(path, 0600); err != nil {
		return fmt.Errorf("failed to set permissions on session file: %w", err)
	}
	return nil
}

// SetCookies replaces the stored cookies with the jar's current state.
func (s *Session) SetCookies(cookies []*http.Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.Cookies = make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		s.Cookies = append(s.Cookies, Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HTTPOnly: c.HttpOnly,
		})
	}
}

// HTTPCookies returns the stored cookies in http.Cookie form, ready to
// seed a cookie jar.
func (s *Session) HTTPCookies() []*http.Cookie {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*http.Cookie, 0, len(s.Cookies))
	for _, c := range s.Cookies {
		out = append(out, &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Expires:  c.Expires,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		})
	}
	return out
}

// SetToken stores the latest CSRF token.
func (s *Session) SetToken(token string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Token = token
}

// GetToken returns the stored CSRF token, empty when none is known.
func (s *Session) GetToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Token
}

// Clear drops all authentication state, forcing the next BeginSession
// to sign in from scratch.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Cookies = nil
	s.Token = ""
	s.SavedAt = time.Time{}
}

// Expired reports whether the session cannot be trusted anymore: it has
// never been saved, holds no cookies, any persisted cookie has passed
// its expiry, or the session is older than maxAge (0 disables the age
// check).
func (s *Session) Expired(maxAge time.Duration) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.SavedAt.IsZero() || len(s.Cookies) == 0 {
		return true
	}
	now := time.Now()
	for _, c := range s.Cookies {
		if !c.Expires.IsZero() && c.Expires.Before(now) {
			return true
		}
	}
	if maxAge > 0 && now.Sub(s.SavedAt) > maxAge {
		return true
	}
	return false
}
