package registry

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/tributary-ai/llm-relay/internal/types"
)

// Store persists the provider inventory. Implementations must be safe
// for concurrent use.
type Store interface {
	Load(ctx context.Context) ([]*types.Provider, error)
	Save(ctx context.Context, providers []*types.Provider) error
}

// providersDocument is the on-disk YAML layout.
type providersDocument struct {
	Providers []*types.Provider `yaml:"providers"`
}

// FileStore keeps the provider inventory in a single YAML file.
type FileStore struct {
	path string
	mu   sync.Mutex
}

// NewFileStore creates a file store backed by the given path.
func NewFileStore(path string) *FileStore {
	return &FileStore{path: path}
}

// Path returns the file the store reads and writes.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads the full inventory from disk. A missing file is treated
// as an empty inventory so a fresh install starts clean.
func (s *FileStore) Load(ctx context.Context) ([]*types.Provider, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read providers file %s: %w", s.path, err)
	}

	var doc providersDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse providers file %s: %w", s.path, err)
	}

	return doc.Providers, nil
}

// Save writes the full inventory to disk. The write goes to a temp
// file in the same directory followed by a rename, so readers never
// observe a partially written file.
func (s *FileStore) Save(ctx context.Context, providers []*types.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := yaml.Marshal(&providersDocument{Providers: providers})
	if err != nil {
		return fmt.Errorf("failed to marshal providers: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".providers-*.yaml")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("failed to replace providers file: %w", err)
	}

	return nil
}
