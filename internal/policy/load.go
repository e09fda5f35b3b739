package policy

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// Load reads a policy table from a file (JSON or YAML). Domains present in the
// file replace the built-in rows wholesale; the result must validate.
func Load(path string) (*Table, error) {
	data, err := os.ReadFile(path) // #nosec G304
	if err != nil {
		return nil, fmt.Errorf("failed to read policy file: %w", err)
	}

	t := Default()
	ext := strings.ToLower(filepath.Ext(path))

	switch ext {
	case ".json":
		if err := json.Unmarshal(data, t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal JSON policy: %w", err)
		}
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, t); err != nil {
			return nil, fmt.Errorf("failed to unmarshal YAML policy: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported policy format: %s (use .json or .yaml)", ext)
	}

	if res := t.Validate(); !res.Valid {
		return nil, fmt.Errorf("invalid policy %s: %s", path, strings.Join(res.Errors, "; "))
	}
	return t, nil
}

// Save writes t as YAML so it can be edited and loaded back.
func Save(t *Table, path string) error {
	data, err := yaml.Marshal(t)
	if err != nil {
		return fmt.Errorf("failed to marshal policy: %w", err)
	}
	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write policy file: %w", err)
	}
	return nil
}
