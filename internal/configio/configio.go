// Package configio provides small helpers for loading and atomically
// saving YAML-encoded on-disk files, used by internal/selection for the
// repository's config file.
package configio

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/nb-backup/nb/internal/filesystem"
)

// LoadAndUnmarshalYAML reads the file at path and decodes it as YAML into
// value. It returns the underlying os.IsNotExist error unmodified so that
// callers can distinguish a missing config file from a malformed one.
func LoadAndUnmarshalYAML(path string, value interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return err
		}
		return fmt.Errorf("unable to load file: %w", err)
	}
	if err := yaml.Unmarshal(data, value); err != nil {
		return fmt.Errorf("unable to unmarshal data: %w", err)
	}
	return nil
}

// MarshalAndSaveYAML encodes value as YAML and writes it atomically to
// path with user-only permissions.
func MarshalAndSaveYAML(path string, value interface{}) error {
	data, err := yaml.Marshal(value)
	if err != nil {
		return fmt.Errorf("unable to marshal message: %w", err)
	}
	if err := filesystem.WriteFileAtomic(path, data, 0600); err != nil {
		return fmt.Errorf("unable to write message data: %w", err)
	}
	return nil
}
