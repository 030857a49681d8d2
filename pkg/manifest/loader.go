package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// LoadOptions tunes loading.
type LoadOptions struct {
	// ProjectRoot overrides ${PROJECT_ROOT} discovery.
	ProjectRoot string

	// WorkDir is the base for defaults derived from project.name.
	// Default: the process working directory.
	WorkDir string
}

// Load reads and validates a manifest from the given file path.
//
// JSON is a subset of the YAML accepted here, so both formats go through the
// same parser regardless of extension.
//
// Returns an error if:
//   - The file cannot be read (not found, permission denied, etc.)
//   - The content is not valid YAML or JSON
//   - Variables reference each other in a cycle
//   - The manifest fails schema or semantic validation
func Load(path string) (*Manifest, error) {
	return LoadWithOptions(path, LoadOptions{})
}

// LoadWithOptions is Load with explicit options.
func LoadWithOptions(path string, opts LoadOptions) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("manifest file not found: %s: %w", path, os.ErrNotExist)
		}
		if os.IsPermission(err) {
			return nil, fmt.Errorf("permission denied reading manifest: %s", path)
		}
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}
	return LoadFromBytes(data, path, opts)
}

// LoadFromReader reads and validates a manifest from an io.Reader.
func LoadFromReader(r io.Reader, path string, opts LoadOptions) (*Manifest, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	return LoadFromBytes(data, path, opts)
}

// LoadFromBytes parses, substitutes, validates and defaults a manifest.
//
// The path is used for error messages and for locating ${PROJECT_ROOT}.
//
// Variables are substituted on the document tree before schema validation so
// substituted numbers validate as numbers. Validation runs on the generic
// representation, which still carries unknown fields the typed struct would
// drop.
func LoadFromBytes(data []byte, path string, opts LoadOptions) (*Manifest, error) {
	if len(data) == 0 {
		return nil, errors.New("manifest file is empty")
	}

	var root yaml.Node
	if err := yaml.Unmarshal(data, &root); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	if root.Kind == 0 || (root.Kind == yaml.DocumentNode && len(root.Content) == 0) {
		return nil, errors.New("manifest file is empty")
	}

	var configPath string
	configDir := "."
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			configPath = abs
			configDir = filepath.Dir(abs)
		}
	}
	projectRoot := opts.ProjectRoot
	if projectRoot == "" {
		projectRoot = FindProjectRoot(configDir)
	}

	vars, err := ResolveVariables(collectVariables(&root, projectRoot))
	if err != nil {
		return nil, err
	}
	substituteNode(&root, vars)

	jsonData, err := nodeToJSON(&root)
	if err != nil {
		return nil, err
	}
	if err := ValidateRaw(jsonData); err != nil {
		return nil, err
	}

	var m Manifest
	if err := root.Decode(&m); err != nil {
		return nil, fmt.Errorf("invalid manifest: %w", err)
	}
	m.ConfigPath = configPath
	m.ProjectRoot = projectRoot

	workDir := opts.WorkDir
	if workDir == "" {
		workDir, _ = os.Getwd()
	}
	if err := m.ApplyDefaults(workDir); err != nil {
		return nil, err
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// nodeToJSON converts a YAML document to JSON for schema validation.
func nodeToJSON(root *yaml.Node) ([]byte, error) {
	var raw any
	if err := root.Decode(&raw); err != nil {
		return nil, fmt.Errorf("invalid YAML in manifest: %w", err)
	}
	jsonData, err := json.Marshal(normalizeJSON(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to convert manifest to JSON: %w", err)
	}
	return jsonData, nil
}

// normalizeJSON converts map[any]any (non-string YAML keys) into
// map[string]any so the document can be marshalled.
func normalizeJSON(v any) any {
	switch x := v.(type) {
	case map[string]any:
		for k, val := range x {
			x[k] = normalizeJSON(val)
		}
		return x
	case map[any]any:
		out := make(map[string]any, len(x))
		for k, val := range x {
			out[fmt.Sprint(k)] = normalizeJSON(val)
		}
		return out
	case []any:
		for i, val := range x {
			x[i] = normalizeJSON(val)
		}
		return x
	}
	return v
}
