package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/dukex/cadmaflow/pkg/persistence"
)

// store keeps one JSON document per object under root/<collection>/<id>.json.
// A single lock serializes writes so read-modify-write operations such as
// freezing or claiming a branch marker are atomic within the process.
type store struct {
	root string
	mu   sync.RWMutex
}

func newStore(root string) *store {
	return &store{root: root}
}

// validateID validates that the ID is safe for file operations.
func validateID(id string) error {
	if id == "" {
		return fmt.Errorf("%w: ID cannot be empty", persistence.ErrInvalidID)
	}

	// Check for path traversal attempts
	if strings.Contains(id, "..") || strings.Contains(id, "/") || strings.Contains(id, "\\") {
		return fmt.Errorf("%w: ID %q contains invalid characters", persistence.ErrInvalidID, id)
	}

	return nil
}

func (s *store) dir(collection string) string {
	return filepath.Join(s.root, collection)
}

func (s *store) path(collection, id string) (string, error) {
	if err := validateID(id); err != nil {
		return "", err
	}

	return filepath.Join(s.dir(collection), id+".json"), nil
}

// read loads collection/id into v and reports whether it existed.
func (s *store) read(collection, id string, v any) (bool, error) {
	filePath, err := s.path(collection, id)
	if err != nil {
		return false, err
	}

	body, err := os.ReadFile(filePath) // #nosec G304 -- path built from a validated ID
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}

		return false, fmt.Errorf("failed to read %s/%s: %w", collection, id, err)
	}

	if err := json.Unmarshal(body, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s/%s: %w", collection, id, err)
	}

	return true, nil
}

// write stores v atomically by writing a temporary file and renaming it.
func (s *store) write(collection, id string, v any) error {
	filePath, err := s.path(collection, id)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(s.dir(collection), 0750); err != nil {
		return fmt.Errorf("failed to create %s directory: %w", collection, err)
	}

	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal %s/%s: %w", collection, id, err)
	}

	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s/%s: %w", collection, id, err)
	}

	if err := os.Rename(tmp, filePath); err != nil {
		return fmt.Errorf("failed to commit %s/%s: %w", collection, id, err)
	}

	return nil
}

func (s *store) remove(collection, id string) error {
	filePath, err := s.path(collection, id)
	if err != nil {
		return err
	}

	if err := os.Remove(filePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s/%s: %w", collection, id, err)
	}

	return nil
}

// ids lists the identifiers stored in collection.
func (s *store) ids(collection string) ([]string, error) {
	jsonFiles, err := fs.Glob(os.DirFS(s.dir(collection)), "*.json")
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", collection, err)
	}

	ids := make([]string, 0, len(jsonFiles))
	for _, file := range jsonFiles {
		ids = append(ids, strings.TrimSuffix(file, ".json"))
	}

	return ids, nil
}

// readAll loads every document of a collection.
func readAll[T any](s *store, collection string) ([]*T, error) {
	ids, err := s.ids(collection)
	if err != nil {
		return nil, err
	}

	items := make([]*T, 0, len(ids))

	for _, id := range ids {
		var item T

		found, err := s.read(collection, id, &item)
		if err != nil {
			return nil, err
		}

		if found {
			items = append(items, &item)
		}
	}

	return items, nil
}
