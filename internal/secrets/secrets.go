// Package secrets loads credentials that must not live in the main config
// file: Google OAuth client credentials and refresh token, and private ICS
// feed URLs. The refresh token may also be kept in the OS keyring.
package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"

	appLog "calalert/internal/log"
)

const (
	KeyringService   = "calalert"
	KeyringTokenUser = "google-refresh-token"
)

// swapped in tests
var keyringGet = keyring.Get

// Google holds OAuth2 installed-app credentials.
type Google struct {
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	RefreshToken string `yaml:"refresh_token"`
}

// Secrets is the content of the secrets file.
type Secrets struct {
	Google Google `yaml:"google"`
	// ICS maps an ICS source id to its private feed URL.
	ICS map[string]string `yaml:"ics"`
}

// Load reads the secrets file at path. A missing file yields empty secrets;
// a world-readable file is accepted but logged.
func Load(path string) (*Secrets, error) {
	s := &Secrets{ICS: map[string]string{}}
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, s); err != nil {
				return nil, fmt.Errorf("secrets: parse %s: %w", path, err)
			}
			if s.ICS == nil {
				s.ICS = map[string]string{}
			}
			if info, serr := os.Stat(path); serr == nil && info.Mode().Perm()&0o077 != 0 {
				appLog.Warn("secrets file is readable by other users", "path", path, "mode", info.Mode().Perm().String())
			}
		case errors.Is(err, fs.ErrNotExist):
			appLog.Debug("no secrets file", "path", path)
		default:
			return nil, fmt.Errorf("secrets: read %s: %w", path, err)
		}
	}
	return s, nil
}

// GoogleCredentials returns the Google credentials, filling a missing
// refresh token from the OS keyring.
func (s *Secrets) GoogleCredentials() (Google, error) {
	g := s.Google
	if g.ClientID == "" || g.ClientSecret == "" {
		return g, errors.New("secrets: google client_id and client_secret are required")
	}
	if g.RefreshToken != "" {
		return g, nil
	}
	tok, err := keyringGet(KeyringService, KeyringTokenUser)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return g, errors.New("secrets: no google refresh_token in secrets file or keyring")
		}
		return g, fmt.Errorf("secrets: keyring lookup: %w", err)
	}
	g.RefreshToken = tok
	return g, nil
}

// ICSURL returns the private feed URL stored for the given source id.
func (s *Secrets) ICSURL(id string) (string, bool) {
	u, ok := s.ICS[id]
	return u, ok && u != ""
}
