package settings

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// SecretsStore persists oracle provider API keys to a local file kept apart
// from config.json. Keys are never echoed back; callers only see whether a
// key is set.
type SecretsStore struct {
	path string
	mu   sync.Mutex
}

func NewSecretsStore(path string) *SecretsStore {
	return &SecretsStore{path: filepath.Clean(strings.TrimSpace(path))}
}

func (s *SecretsStore) Path() string {
	if s == nil {
		return ""
	}
	return strings.TrimSpace(s.path)
}

type secretsFile struct {
	SchemaVersion int            `json:"schema_version"`
	Oracle        *oracleSecrets `json:"oracle,omitempty"`
}

type oracleSecrets struct {
	ProviderAPIKeys map[string]string `json:"provider_api_keys,omitempty"`
}

func (s *SecretsStore) GetProviderAPIKey(providerID string) (string, bool, error) {
	if s == nil {
		return "", false, errors.New("nil secrets store")
	}
	providerID = strings.TrimSpace(providerID)
	if providerID == "" {
		return "", false, errors.New("missing provider id")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return "", false, err
	}
	if sf.Oracle == nil {
		return "", false, nil
	}
	v := strings.TrimSpace(sf.Oracle.ProviderAPIKeys[providerID])
	return v, v != "", nil
}

func (s *SecretsStore) SetProviderAPIKey(providerID string, apiKey string) error {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return errors.New("missing api key")
	}
	return s.update(providerID, &apiKey)
}

func (s *SecretsStore) ClearProviderAPIKey(providerID string) error {
	return s.update(providerID, nil)
}

// update sets the key for providerID, or clears it when apiKey is nil.
func (s *SecretsStore) update(providerID string, apiKey *string) error {
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
	if sf.Oracle == nil {
		sf.Oracle = &oracleSecrets{}
	}
	if sf.Oracle.ProviderAPIKeys == nil {
		sf.Oracle.ProviderAPIKeys = make(map[string]string)
	}
	if apiKey == nil {
		delete(sf.Oracle.ProviderAPIKeys, providerID)
	} else {
		sf.Oracle.ProviderAPIKeys[providerID] = *apiKey
	}
	if len(sf.Oracle.ProviderAPIKeys) == 0 {
		sf.Oracle = nil
	}
	return s.saveLocked(sf)
}

// KeyStatus reports, per provider id, whether a key is stored.
func (s *SecretsStore) KeyStatus(providerIDs []string) (map[string]bool, error) {
	if s == nil {
		return nil, errors.New("nil secrets store")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sf, err := s.loadLocked()
	if err != nil {
		return nil, err
	}

	var keys map[string]string
	if sf.Oracle != nil {
		keys = sf.Oracle.ProviderAPIKeys
	}
	out := make(map[string]bool, len(providerIDs))
	for _, id := range providerIDs {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		out[id] = strings.TrimSpace(keys[id]) != ""
	}
	return out, nil
}

func (s *SecretsStore) loadLocked() (*secretsFile, error) {
	path := strings.TrimSpace(s.path)
	if path == "" {
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
	if path == "" {
		return errors.New("missing secrets path")
	}
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
