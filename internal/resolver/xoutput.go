package resolver

import (
	"context"
	"fmt"
	"net/url"
	"strings"
)

// ExternalSourceFunc returns an OutputSource for the named profile. An empty
// profile selects the invocation's default target.
type ExternalSourceFunc func(ctx context.Context, profile string) (OutputSource, error)

// ExternalOutputProvider resolves ref://xoutput/<stack>::<key>[?profile=<p>]
// references against stacks deployed outside the current run. Unlike output
// references, these never imply an execution-order edge.
type ExternalOutputProvider struct {
	source ExternalSourceFunc
}

func NewExternalOutputProvider(source ExternalSourceFunc) *ExternalOutputProvider {
	return &ExternalOutputProvider{source: source}
}

func (p *ExternalOutputProvider) Resolve(ctx context.Context, arg string) (string, error) {
	target, profile, err := splitExternalArg(arg)
	if err != nil {
		return "", err
	}
	name, key, err := SplitOutputArg(target)
	if err != nil {
		return "", err
	}
	src, err := p.source(ctx, profile)
	if err != nil {
		return "", err
	}
	return src.StackOutput(ctx, name, key)
}

func splitExternalArg(arg string) (target string, profile string, err error) {
	base, query, ok := strings.Cut(arg, "?")
	if !ok {
		return arg, "", nil
	}
	vals, err := url.ParseQuery(query)
	if err != nil {
		return "", "", fmt.Errorf("external output reference %q has a malformed query: %w", arg, err)
	}
	return base, vals.Get("profile"), nil
}
