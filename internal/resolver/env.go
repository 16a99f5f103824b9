package resolver

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// EnvProvider resolves ref://env/NAME from the process environment. An
// unset variable is an error; an empty value is returned as-is.
type EnvProvider struct{}

func (EnvProvider) Resolve(_ context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("environment variable name is required")
	}
	val, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("environment variable %q is not set", name)
	}
	return val, nil
}
