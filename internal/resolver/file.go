package resolver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// FileProvider resolves ref://file/<path>[#dotted.key]. Without a key the
// whole file is returned with one trailing newline stripped. With a key
// the file is parsed as YAML and the dotted path is looked up.
type FileProvider struct {
	baseDir string
}

// NewFileProvider returns a provider that resolves relative paths against
// baseDir, normally the project root.
func NewFileProvider(baseDir string) *FileProvider {
	return &FileProvider{baseDir: baseDir}
}

func (p *FileProvider) Resolve(_ context.Context, arg string) (string, error) {
	path, key := splitKeyArg(arg)
	if path == "" {
		return "", fmt.Errorf("file path is required")
	}
	if p.baseDir != "" && !filepath.IsAbs(path) {
		path = filepath.Join(p.baseDir, path)
	}
	path = filepath.Clean(path)
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	if key == "" {
		return strings.TrimSuffix(string(raw), "\n"), nil
	}
	data := make(map[string]interface{})
	if err := yaml.Unmarshal(raw, &data); err != nil {
		return "", fmt.Errorf("parse %s: %w", path, err)
	}
	val, err := lookupDottedPath(data, key)
	if err != nil {
		return "", fmt.Errorf("%s: %w", path, err)
	}
	return val, nil
}

// splitKeyArg splits "path#key" arguments shared by the file, vault and
// secretsmanager resolvers.
func splitKeyArg(raw string) (string, string) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ""
	}
	parts := strings.SplitN(raw, "#", 2)
	path := strings.TrimSpace(parts[0])
	key := ""
	if len(parts) > 1 {
		key = strings.TrimSpace(parts[1])
	}
	return path, key
}

func lookupDottedPath(data map[string]interface{}, key string) (string, error) {
	var current interface{} = data
	for _, part := range strings.Split(key, ".") {
		if part == "" {
			continue
		}
		switch typed := current.(type) {
		case map[string]interface{}:
			val, ok := typed[part]
			if !ok {
				return "", fmt.Errorf("key %q not found", key)
			}
			current = val
		case map[interface{}]interface{}:
			val, ok := typed[part]
			if !ok {
				return "", fmt.Errorf("key %q not found", key)
			}
			current = val
		default:
			return "", fmt.Errorf("key %q does not resolve to a value", key)
		}
	}
	if current == nil {
		return "", fmt.Errorf("key %q resolves to an empty value", key)
	}
	switch typed := current.(type) {
	case string:
		return typed, nil
	case []byte:
		return string(typed), nil
	case bool, int, int64, float64:
		return fmt.Sprintf("%v", typed), nil
	default:
		return "", fmt.Errorf("key %q resolved to a non-scalar value", key)
	}
}
