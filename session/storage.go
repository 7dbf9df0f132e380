package session

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const credentialFile = "credentials.json"

// CredentialStorage persists the credential pair across process restarts.
// Both tokens live and die together: Save writes the pair atomically and
// Delete removes it as a unit.
type CredentialStorage interface {
	Save(pair CredentialPair) error
	Load() (CredentialPair, error)
	Delete() error
}

// FileCredentialStorage stores the credential pair as a JSON file with
// owner-only permissions.
type FileCredentialStorage struct {
	basePath string
}

// NewFileCredentialStorage creates storage rooted at basePath, creating the
// directory if needed.
func NewFileCredentialStorage(basePath string) (*FileCredentialStorage, error) {
	if basePath == "" {
		basePath = "data"
	}
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}
	return &FileCredentialStorage{basePath: basePath}, nil
}

func (f *FileCredentialStorage) path() string {
	return filepath.Join(f.basePath, credentialFile)
}

// Save writes the pair to disk, readable by the owner only.
func (f *FileCredentialStorage) Save(pair CredentialPair) error {
	data, err := json.MarshalIndent(pair, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal credentials: %w", err)
	}
	if err := os.WriteFile(f.path(), data, 0600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	return nil
}

// Load reads the persisted pair. A missing file maps to ErrNoCredentials.
func (f *FileCredentialStorage) Load() (CredentialPair, error) {
	data, err := os.ReadFile(f.path())
	if err != nil {
		if os.IsNotExist(err) {
			return CredentialPair{}, ErrNoCredentials
		}
		return CredentialPair{}, fmt.Errorf("read credential file: %w", err)
	}
	var pair CredentialPair
	if err := json.Unmarshal(data, &pair); err != nil {
		return CredentialPair{}, fmt.Errorf("unmarshal credentials: %w", err)
	}
	return pair, nil
}

// Delete removes the persisted pair. Already gone is not an error.
func (f *FileCredentialStorage) Delete() error {
	if err := os.Remove(f.path()); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("delete credential file: %w", err)
	}
	return nil
}
