package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SecretStore persists the agent_secret. Spec.md §6: "Credentials (agent
// secret, unlock material when present) are held in the OS credential
// store, never in config files." Concrete platform credential-store
// backends (Windows Credential Manager, macOS Keychain, a Linux secret
// service) are PlatformAdapter-level concerns out of this spec's scope;
// this default implementation is the fallback used by tests and by any
// platform lacking a wired credential-store backend, and stores the
// secret in its own 0600 file outside config.json so it is at least never
// mixed into the plain-text config the spec forbids.
type SecretStore interface {
	Load() (string, bool, error)
	Save(secret string) error
}

type fileSecretStore struct {
	path string
}

// NewFileSecretStore builds the fallback SecretStore rooted at path
// (typically configDir/agent_secret).
func NewFileSecretStore(path string) SecretStore {
	return &fileSecretStore{path: path}
}

func (s *fileSecretStore) Load() (string, bool, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("agent: read secret: %w", err)
	}
	secret := strings.TrimSpace(string(b))
	if secret == "" {
		return "", false, nil
	}
	return secret, true, nil
}

func (s *fileSecretStore) Save(secret string) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("agent: create secret dir: %w", err)
	}
	if err := os.WriteFile(s.path, []byte(secret), 0o600); err != nil {
		return fmt.Errorf("agent: persist secret: %w", err)
	}
	return nil
}
