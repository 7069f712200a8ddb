package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/x-dm-automation/pkg/logger"
)

// Cookie mirrors the record layout browsers export through the DevTools
// protocol, so a cookies.json produced by other tooling loads unchanged.
type Cookie struct {
	Name     string  `json:"name"`
	Value    string  `json:"value"`
	Domain   string  `json:"domain"`
	Path     string  `json:"path"`
	Expires  float64 `json:"expires,omitempty"`
	Size     int     `json:"size,omitempty"`
	HTTPOnly bool    `json:"httpOnly"`
	Secure   bool    `json:"secure"`
	Session  bool    `json:"session,omitempty"`
	SameSite string  `json:"sameSite,omitempty"`
}

// CookieStore persists session cookies as a JSON array in a single file.
type CookieStore struct {
	path string
	log  *logger.Logger
}

func NewCookieStore(path string) *CookieStore {
	return &CookieStore{
		path: path,
		log:  logger.WithComponent("cookies"),
	}
}

func (s *Storage) Cookies() *CookieStore {
	return NewCookieStore(s.filepath(s.config.CookiesFile))
}

func (cs *CookieStore) Path() string {
	return cs.path
}

// Load never fails: a missing, empty or malformed file means no session.
func (cs *CookieStore) Load() []Cookie {
	data, err := os.ReadFile(cs.path)
	if err != nil {
		if !os.IsNotExist(err) {
			cs.log.Warn("Failed to read cookies from %s: %v", cs.path, err)
		}
		return []Cookie{}
	}

	if len(data) == 0 {
		return []Cookie{}
	}

	var cookies []Cookie
	if err := json.Unmarshal(data, &cookies); err != nil {
		cs.log.Warn("Ignoring malformed cookie file %s: %v", cs.path, err)
		return []Cookie{}
	}

	if cookies == nil {
		cookies = []Cookie{}
	}
	return cookies
}

func (cs *CookieStore) Save(cookies []Cookie) error {
	if err := os.MkdirAll(filepath.Dir(cs.path), 0700); err != nil {
		return fmt.Errorf("failed to create cookie directory: %w", err)
	}

	if cookies == nil {
		cookies = []Cookie{}
	}

	data, err := json.MarshalIndent(cookies, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal cookies: %w", err)
	}

	if err := os.WriteFile(cs.path, data, 0600); err != nil {
		return fmt.Errorf("failed to write cookies: %w", err)
	}

	return nil
}

func (cs *CookieStore) Clear() error {
	if err := os.Remove(cs.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
