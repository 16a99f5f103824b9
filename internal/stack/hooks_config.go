// File: internal/stack/hooks_config.go
// Brief: Hook configuration and validation.

package stack

import (
	"fmt"
	"strings"
	"time"

	"github.com/example/stackctl/internal/cloud"
)

// HookSpec is one hook attached to a lifecycle point. Exactly one of Run,
// Script, HTTP and Use must be set; Run is shell-style shorthand for Script,
// Use names a hook kind registered at startup and passes Arg to it.
// When applies to after-hooks only: success (default), failure or always.
type HookSpec struct {
	Name    string         `yaml:"name,omitempty" json:"name,omitempty"`
	When    string         `yaml:"when,omitempty" json:"when,omitempty"`
	Retry   *int           `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout *time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	Run    string          `yaml:"run,omitempty" json:"run,omitempty"`
	Script *ScriptHookSpec `yaml:"script,omitempty" json:"script,omitempty"`
	HTTP   *HTTPHookSpec   `yaml:"http,omitempty" json:"http,omitempty"`
	Use    string          `yaml:"use,omitempty" json:"use,omitempty"`
	Arg    string          `yaml:"arg,omitempty" json:"arg,omitempty"`
}

type ScriptHookSpec struct {
	Command []string          `yaml:"command,omitempty" json:"command,omitempty"`
	WorkDir string            `yaml:"workDir,omitempty" json:"workDir,omitempty"`
	Env     map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

type HTTPHookSpec struct {
	URL          string            `yaml:"url,omitempty" json:"url,omitempty"`
	Method       string            `yaml:"method,omitempty" json:"method,omitempty"`
	Headers      map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Body         string            `yaml:"body,omitempty" json:"body,omitempty"`
	ExpectStatus *int              `yaml:"expectStatus,omitempty" json:"expectStatus,omitempty"`
}

// Kind names the hook mechanism for display and events.
func (h HookSpec) Kind() string {
	switch {
	case h.HTTP != nil:
		return "http"
	case strings.TrimSpace(h.Use) != "":
		return h.Use
	default:
		return "script"
	}
}

// DisplayName identifies a hook in logs. Falls back to kind plus list
// position when the hook is unnamed.
func (h HookSpec) DisplayName(i int) string {
	if strings.TrimSpace(h.Name) != "" {
		return h.Name
	}
	return fmt.Sprintf("%s#%d", h.Kind(), i)
}

// StackHooks groups hooks by lifecycle point. Launch hooks fire for the
// launch action as a whole, not for the concrete action it picks.
type StackHooks struct {
	BeforeCreate []HookSpec `yaml:"beforeCreate,omitempty" json:"beforeCreate,omitempty"`
	AfterCreate  []HookSpec `yaml:"afterCreate,omitempty" json:"afterCreate,omitempty"`
	BeforeUpdate []HookSpec `yaml:"beforeUpdate,omitempty" json:"beforeUpdate,omitempty"`
	AfterUpdate  []HookSpec `yaml:"afterUpdate,omitempty" json:"afterUpdate,omitempty"`
	BeforeDelete []HookSpec `yaml:"beforeDelete,omitempty" json:"beforeDelete,omitempty"`
	AfterDelete  []HookSpec `yaml:"afterDelete,omitempty" json:"afterDelete,omitempty"`
	BeforeLaunch []HookSpec `yaml:"beforeLaunch,omitempty" json:"beforeLaunch,omitempty"`
	AfterLaunch  []HookSpec `yaml:"afterLaunch,omitempty" json:"afterLaunch,omitempty"`
}

func (h StackHooks) Empty() bool {
	return len(h.BeforeCreate) == 0 && len(h.AfterCreate) == 0 &&
		len(h.BeforeUpdate) == 0 && len(h.AfterUpdate) == 0 &&
		len(h.BeforeDelete) == 0 && len(h.AfterDelete) == 0 &&
		len(h.BeforeLaunch) == 0 && len(h.AfterLaunch) == 0
}

// Before returns the hooks for the before-point of an action.
func (h StackHooks) Before(action cloud.Action) []HookSpec {
	switch action {
	case cloud.ActionCreate:
		return h.BeforeCreate
	case cloud.ActionUpdate:
		return h.BeforeUpdate
	case cloud.ActionDelete:
		return h.BeforeDelete
	case cloud.ActionLaunch:
		return h.BeforeLaunch
	}
	return nil
}

// After returns the hooks for the after-point of an action.
func (h StackHooks) After(action cloud.Action) []HookSpec {
	switch action {
	case cloud.ActionCreate:
		return h.AfterCreate
	case cloud.ActionUpdate:
		return h.AfterUpdate
	case cloud.ActionDelete:
		return h.AfterDelete
	case cloud.ActionLaunch:
		return h.AfterLaunch
	}
	return nil
}

func mergeHooks(dst *StackHooks, src StackHooks) {
	if dst == nil {
		return
	}
	dst.BeforeCreate = append(dst.BeforeCreate, src.BeforeCreate...)
	dst.AfterCreate = append(dst.AfterCreate, src.AfterCreate...)
	dst.BeforeUpdate = append(dst.BeforeUpdate, src.BeforeUpdate...)
	dst.AfterUpdate = append(dst.AfterUpdate, src.AfterUpdate...)
	dst.BeforeDelete = append(dst.BeforeDelete, src.BeforeDelete...)
	dst.AfterDelete = append(dst.AfterDelete, src.AfterDelete...)
	dst.BeforeLaunch = append(dst.BeforeLaunch, src.BeforeLaunch...)
	dst.AfterLaunch = append(dst.AfterLaunch, src.AfterLaunch...)
}

func validateHooks(h StackHooks, where string) error {
	points := []struct {
		name  string
		hooks []HookSpec
	}{
		{"beforeCreate", h.BeforeCreate},
		{"afterCreate", h.AfterCreate},
		{"beforeUpdate", h.BeforeUpdate},
		{"afterUpdate", h.AfterUpdate},
		{"beforeDelete", h.BeforeDelete},
		{"afterDelete", h.AfterDelete},
		{"beforeLaunch", h.BeforeLaunch},
		{"afterLaunch", h.AfterLaunch},
	}
	for _, p := range points {
		for _, spec := range p.hooks {
			if err := validateHookSpec(spec, where+"."+p.name); err != nil {
				return err
			}
		}
	}
	return nil
}

func validateHookSpec(h HookSpec, where string) error {
	set := 0
	if strings.TrimSpace(h.Run) != "" {
		set++
	}
	if h.Script != nil {
		set++
	}
	if h.HTTP != nil {
		set++
	}
	if strings.TrimSpace(h.Use) != "" {
		set++
	}
	switch set {
	case 0:
		return fmt.Errorf("%s: hook needs one of run|script|http|use", where)
	case 1:
	default:
		return fmt.Errorf("%s: hook must set exactly one of run|script|http|use", where)
	}
	if h.Script != nil && len(h.Script.Command) == 0 {
		return fmt.Errorf("%s: script hook requires script.command", where)
	}
	if h.HTTP != nil {
		if strings.TrimSpace(h.HTTP.URL) == "" {
			return fmt.Errorf("%s: http hook requires http.url", where)
		}
		if h.HTTP.ExpectStatus != nil && (*h.HTTP.ExpectStatus < 100 || *h.HTTP.ExpectStatus > 599) {
			return fmt.Errorf("%s: http expectStatus must be a valid status code (got %d)", where, *h.HTTP.ExpectStatus)
		}
	}
	if h.Retry != nil && *h.Retry < 1 {
		return fmt.Errorf("%s: retry must be >= 1 (got %d)", where, *h.Retry)
	}
	if h.Timeout != nil && *h.Timeout <= 0 {
		return fmt.Errorf("%s: timeout must be > 0 (got %s)", where, *h.Timeout)
	}
	switch strings.ToLower(strings.TrimSpace(h.When)) {
	case "", "success", "failure", "always":
	default:
		return fmt.Errorf("%s: when must be success|failure|always (got %q)", where, h.When)
	}
	return nil
}
