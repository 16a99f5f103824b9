package resolver

import (
	"context"
	"fmt"
	"strings"
)

// OutputSource supplies stack output values to output references. The run
// engine backs this with outputs collected during the current run; the
// external variant fetches from the control plane directly.
type OutputSource interface {
	StackOutput(ctx context.Context, stack, key string) (string, error)
}

// OutputProvider resolves ref://output/<stack>::<key> style references.
type OutputProvider struct {
	source OutputSource
}

func NewOutputProvider(source OutputSource) *OutputProvider {
	return &OutputProvider{source: source}
}

func (p *OutputProvider) Resolve(ctx context.Context, arg string) (string, error) {
	name, key, err := SplitOutputArg(arg)
	if err != nil {
		return "", err
	}
	return p.source.StackOutput(ctx, name, key)
}

// SplitOutputArg splits "<stack>::<key>" arguments used by output and
// xoutput references.
func SplitOutputArg(arg string) (string, string, error) {
	parts := strings.SplitN(arg, "::", 2)
	if len(parts) != 2 {
		return "", "", fmt.Errorf("output reference %q must be <stack>::<output-key>", arg)
	}
	name := strings.TrimSpace(parts[0])
	key := strings.TrimSpace(parts[1])
	if name == "" || key == "" {
		return "", "", fmt.Errorf("output reference %q must be <stack>::<output-key>", arg)
	}
	return name, key, nil
}
