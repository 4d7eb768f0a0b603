package persistedmap

import (
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// PersistedMap is a yaml-file-backed map. Every Set rewrites the whole file,
// which is fine for the handful of keys we keep (checkpoint state, binlog
// position).
type PersistedMap[T any] struct {
	filePath string
	data     map[string]T
}

func New[T any](filePath string) (*PersistedMap[T], error) {
	persistedMap := &PersistedMap[T]{
		filePath: filePath,
		data:     make(map[string]T),
	}

	data, err := loadFromFile[T](filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to load persisted map from %q: %w", filePath, err)
	}

	if len(data) > 0 {
		persistedMap.data = data
	}

	return persistedMap, nil
}

func (p *PersistedMap[T]) Set(key string, value T) error {
	p.data[key] = value

	yamlBytes, err := yaml.Marshal(p.data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}

	// Write-then-rename so a crash mid-write can't corrupt the file.
	tempPath := p.filePath + ".tmp"
	if err = os.WriteFile(tempPath, yamlBytes, 0o644); err != nil {
		return fmt.Errorf("failed to write to file: %w", err)
	}

	return os.Rename(tempPath, p.filePath)
}

func (p *PersistedMap[T]) Get(key string) (T, bool) {
	value, isOk := p.data[key]
	return value, isOk
}

func loadFromFile[T any](filePath string) (map[string]T, error) {
	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}

		return nil, fmt.Errorf("failed to open file: %w", err)
	}

	defer file.Close()
	readBytes, err := io.ReadAll(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	var data map[string]T
	if err = yaml.Unmarshal(readBytes, &data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal data: %w", err)
	}

	return data, nil
}
