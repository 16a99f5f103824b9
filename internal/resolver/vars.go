package resolver

import (
	"context"
	"fmt"
	"strings"
)

// VarProvider resolves ref://var/NAME from variables supplied on the
// command line or in profile config.
type VarProvider struct {
	vars map[string]string
}

func NewVarProvider(vars map[string]string) *VarProvider {
	return &VarProvider{vars: vars}
}

func (p *VarProvider) Resolve(_ context.Context, name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return "", fmt.Errorf("variable name is required")
	}
	val, ok := p.vars[name]
	if !ok {
		return "", fmt.Errorf("variable %q is not defined (pass --var %s=<value> or set it in project config)", name, name)
	}
	return val, nil
}
