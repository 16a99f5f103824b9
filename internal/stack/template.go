// File: internal/stack/template.go
// Brief: Loads template bodies for deployment.

package stack

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// TemplateSource produces the opaque template body for a stack. Bodies are
// submitted as-is; nothing in here understands the template language.
type TemplateSource interface {
	TemplateBody(ctx context.Context, s *ResolvedStack) (string, error)
}

// fileTemplateSource reads templates from the path compiled into the stack.
type fileTemplateSource struct{}

func (fileTemplateSource) TemplateBody(_ context.Context, s *ResolvedStack) (string, error) {
	path := strings.TrimSpace(s.Template)
	if path == "" {
		return "", fmt.Errorf("stack %s has no template", s.Name)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", fmt.Errorf("stack %s: template %s: %w", s.Name, path, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("stack %s: template %s is a directory", s.Name, path)
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("stack %s: read template %s: %w", s.Name, path, err)
	}
	return string(raw), nil
}

// isTemplateURL reports whether the template reference is a remote URL that
// should be handed to the control plane instead of read from disk.
func isTemplateURL(template string) bool {
	return strings.Contains(template, "://")
}
