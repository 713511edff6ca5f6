package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrInvalidServerURI is returned for destinations that cannot be parsed
// as an absolute URI.
var ErrInvalidServerURI = errors.New("invalid server uri")

// ValidateServerURI checks that raw is an absolute URI and returns it
// trimmed. Query parameters such as streamid or passphrase are kept.
func ValidateServerURI(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w %q: %v", ErrInvalidServerURI, raw, err)
	}
	if u.Scheme == "" || (u.Host == "" && u.Opaque == "") {
		return "", fmt.Errorf("%w %q: missing scheme or host", ErrInvalidServerURI, raw)
	}
	return u.String(), nil
}

// Prefs are the user-editable settings persisted between runs.
type Prefs struct {
	ServerURI string `yaml:"server_uri"`
}

// PrefsStore reads and writes Prefs as YAML.
type PrefsStore struct {
	path       string
	defaultURI string
}

// NewPrefsStore returns a store at path. defaultURI is used whenever no
// server uri is stored.
func NewPrefsStore(path, defaultURI string) *PrefsStore {
	return &PrefsStore{path: path, defaultURI: defaultURI}
}

// Load returns the stored preferences. A missing file yields defaults.
func (s *PrefsStore) Load() (*Prefs, error) {
	prefs := &Prefs{ServerURI: s.defaultURI}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return prefs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read prefs: %w", err)
	}
	if err := yaml.Unmarshal(data, prefs); err != nil {
		return nil, fmt.Errorf("decode prefs %s: %w", s.path, err)
	}
	if prefs.ServerURI == "" {
		prefs.ServerURI = s.defaultURI
	}
	return prefs, nil
}

// SetServerURI validates and stores uri. An empty uri resets the stored
// value to the default; an invalid one leaves the file untouched.
func (s *PrefsStore) SetServerURI(uri string) (string, error) {
	prefs, err := s.Load()
	if err != nil {
		return "", err
	}

	if strings.TrimSpace(uri) == "" {
		prefs.ServerURI = s.defaultURI
	} else {
		valid, err := ValidateServerURI(uri)
		if err != nil {
			return "", err
		}
		prefs.ServerURI = valid
	}

	if err := s.save(prefs); err != nil {
		return "", err
	}
	return prefs.ServerURI, nil
}

func (s *PrefsStore) save(prefs *Prefs) error {
	data, err := yaml.Marshal(prefs)
	if err != nil {
		return fmt.Errorf("encode prefs: %w", err)
	}
	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create prefs dir: %w", err)
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write prefs: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("replace prefs: %w", err)
	}
	return nil
}
