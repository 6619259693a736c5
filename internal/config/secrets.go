package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SecretsStore persists provider API keys to a local file, separate from config.yaml.
type SecretsStore struct {
	path string
	mu   sync.Mutex

	// getenv is swapped in tests.
	getenv func(string) string
}

func NewSecretsStore(path string) *SecretsStore {
	return &SecretsStore{path: filepath.Clean(strings.TrimSpace(path)), getenv: os.Getenv}
}

type secretsFile struct {
	SchemaVersion   int               `json:"schema_version"`
	ProviderAPIKeys map[string]string `json:"provider_api_keys,omitempty"`
}

// SetProviderAPIKey stores a key. An empty key clears it.
func (s *SecretsStore) SetProviderAPIKey(providerID string, apiKey string) error {
	if s == nil {
		return errors.New("nil secrets store")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return errors.New("missing provider id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	sf, err := s.loadLocked()
	if err != nil {
		return err
	}
	if sf.ProviderAPIKeys == nil {
		sf.ProviderAPIKeys = make(map[string]string)
	}
	if key := strings.TrimSpace(apiKey); key != "" {
		sf.ProviderAPIKeys[providerID] = key
	} else {
		delete(sf.ProviderAPIKeys, providerID)
	}
	if len(sf.ProviderAPIKeys) == 0 {
		sf.ProviderAPIKeys = nil
	}
	return s.saveLocked(sf)
}

// ProviderAPIKey returns the key for a provider. The secrets file wins; otherwise the environment is
// consulted: <PROVIDER_ID>_API_KEY, then the conventional variable for the provider type.
func (s *SecretsStore) ProviderAPIKey(providerID string, providerType string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("nil secrets store")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return "", false, errors.New("missing provider id")
	}

	s.mu.Lock()
	sf, err := s.loadLocked()
	s.mu.Unlock()
	if err != nil {
		return "", false, err
	}
	if v := strings.TrimSpace(sf.ProviderAPIKeys[providerID]); v != "" {
		return v, true, nil
	}

	getenv := s.getenv
	if getenv == nil {
		getenv = os.Getenv
	}
	candidates := []string{envName(providerID) + "_API_KEY"}
	switch strings.TrimSpace(providerType) {
	case "anthropic":
		candidates = append(candidates, "ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		candidates = append(candidates, "OPENAI_API_KEY")
	}
	for _, name := range candidates {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			return v, true, nil
		}
	}
	return "", false, nil
}

func envName(id string) string {
	var sb strings.Builder
	for _, r := range strings.ToUpper(id) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			sb.WriteRune(r)
		} else {
			sb.WriteByte('_')
		}
	}
	return sb.String()
}

func (s *SecretsStore) loadLocked() (*secretsFile, error) {
	path := strings.TrimSpace(s.path)
	if path == "" || path == "." {
		return nil, errors.New("missing secrets path")
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &secretsFile{SchemaVersion: 1}, nil
		}
		return nil, err
	}
	var sf secretsFile
	if err := json.Unmarshal(b, &sf); err != nil {
		return nil, err
	}
	if sf.SchemaVersion == 0 {
		sf.SchemaVersion = 1
	}
	return &sf, nil
}

func (s *SecretsStore) saveLocked(sf *secretsFile) error {
	path := strings.TrimSpace(s.path)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	b, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return err
	}
	b = append(b, '\n')

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
