// File: internal/stack/merge.go
// Brief: Inheritance and merge rules.

package stack

import (
	"maps"
	"path/filepath"
	"strings"
)

// mergeDefaults applies one cascade layer onto a stack. Scalars override,
// maps merge per key, hooks append.
func mergeDefaults(dst *ResolvedStack, d StackDefaults) {
	mergeCloud(&dst.Cloud, d.Cloud)
	if d.Protected != nil {
		dst.Protected = *d.Protected
	}
	if d.PollInterval != nil {
		dst.PollInterval = *d.PollInterval
	}
	if d.TemplateBucket != "" {
		dst.TemplateBucket = d.TemplateBucket
	}
	if d.Tags != nil {
		if dst.Tags == nil {
			dst.Tags = map[string]string{}
		}
		maps.Copy(dst.Tags, d.Tags)
	}
	if d.Vars != nil {
		if dst.Vars == nil {
			dst.Vars = map[string]string{}
		}
		maps.Copy(dst.Vars, d.Vars)
	}
	mergeDeploy(&dst.Deploy, d.Deploy)
	if d.Hooks != nil {
		mergeHooks(&dst.Hooks, *d.Hooks)
	}
}

func mergeCloud(dst *CloudTarget, src CloudTarget) {
	if src.Region != "" {
		dst.Region = src.Region
	}
	if src.Profile != "" {
		dst.Profile = src.Profile
	}
	if src.RoleARN != "" {
		dst.RoleARN = src.RoleARN
	}
}

func mergeDeploy(dst *DeployOptions, src DeployOptions) {
	if src.OnFailure != "" {
		dst.OnFailure = src.OnFailure
	}
	if len(src.Capabilities) > 0 {
		dst.Capabilities = append([]string(nil), src.Capabilities...)
	}
	if len(src.NotificationARNs) > 0 {
		dst.NotificationARNs = append([]string(nil), src.NotificationARNs...)
	}
	if src.DisableRollback != nil {
		dst.DisableRollback = src.DisableRollback
	}
	if src.Timeout != nil {
		dst.Timeout = src.Timeout
	}
}

// mergeStackOverride applies the stack's own file on top of the cascaded
// defaults. dir is the stack directory for path resolution.
func mergeStackOverride(dst *ResolvedStack, dir string, s StackSpecFile) {
	if s.Name != "" {
		dst.Name = s.Name
	}
	if s.Template != "" {
		dst.Template = resolvePath(dir, s.Template)
	}
	if s.StackName != "" {
		dst.StackName = s.StackName
	}
	if s.Parameters != nil {
		if dst.Parameters == nil {
			dst.Parameters = map[string]any{}
		}
		maps.Copy(dst.Parameters, s.Parameters)
	}
	if s.UserData != nil {
		if dst.UserData == nil {
			dst.UserData = map[string]any{}
		}
		maps.Copy(dst.UserData, s.UserData)
	}
	if len(s.DependsOn) > 0 {
		dst.DependsOn = append([]string(nil), s.DependsOn...)
	}
	mergeCloud(&dst.Cloud, s.Cloud)
	mergeDeploy(&dst.Deploy, s.Deploy)
	if s.Protected != nil {
		dst.Protected = *s.Protected
	}
	if s.PollInterval != nil {
		dst.PollInterval = *s.PollInterval
	}
	if s.Tags != nil {
		if dst.Tags == nil {
			dst.Tags = map[string]string{}
		}
		maps.Copy(dst.Tags, s.Tags)
	}
	if s.Vars != nil {
		if dst.Vars == nil {
			dst.Vars = map[string]string{}
		}
		maps.Copy(dst.Vars, s.Vars)
	}
	if s.Hooks != nil {
		mergeHooks(&dst.Hooks, *s.Hooks)
	}
}

// resolvePath joins relative paths onto baseDir. Reference strings and
// absolute paths pass through untouched.
func resolvePath(baseDir, p string) string {
	if p == "" || baseDir == "" {
		return p
	}
	if strings.Contains(p, "://") || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(baseDir, p)
}
