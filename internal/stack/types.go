// File: internal/stack/types.go
// Brief: Project and stack configuration types.

package stack

import "time"

type APIVersionKind struct {
	APIVersion string `yaml:"apiVersion,omitempty" json:"apiVersion,omitempty"`
	Kind       string `yaml:"kind,omitempty" json:"kind,omitempty"`
}

// CloudTarget pins a stack to one control-plane endpoint: a region plus the
// credentials used to reach it. RoleARN, when set, is assumed on top of the
// base credentials resolved from Profile.
type CloudTarget struct {
	Region  string `yaml:"region,omitempty" json:"region,omitempty"`
	Profile string `yaml:"profile,omitempty" json:"profile,omitempty"`
	RoleARN string `yaml:"roleArn,omitempty" json:"roleArn,omitempty"`
}

type DeployOptions struct {
	OnFailure        string         `yaml:"onFailure,omitempty" json:"onFailure,omitempty"`
	Capabilities     []string       `yaml:"capabilities,omitempty" json:"capabilities,omitempty"`
	NotificationARNs []string       `yaml:"notificationArns,omitempty" json:"notificationArns,omitempty"`
	DisableRollback  *bool          `yaml:"disableRollback,omitempty" json:"disableRollback,omitempty"`
	Timeout          *time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
}

// StackDefaults carries every per-stack setting that cascades from project
// and group config down to individual stacks. Pointer fields distinguish
// "unset" from an explicit zero.
type StackDefaults struct {
	Cloud          CloudTarget       `yaml:"cloud,omitempty" json:"cloud,omitempty"`
	Protected      *bool             `yaml:"protected,omitempty" json:"protected,omitempty"`
	Deploy         DeployOptions     `yaml:"deploy,omitempty" json:"deploy,omitempty"`
	PollInterval   *time.Duration    `yaml:"pollInterval,omitempty" json:"pollInterval,omitempty"`
	TemplateBucket string            `yaml:"templateBucket,omitempty" json:"templateBucket,omitempty"`
	Tags           map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Vars           map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
	Hooks          *StackHooks       `yaml:"hooks,omitempty" json:"hooks,omitempty"`
}

type ProjectProfile struct {
	Defaults StackDefaults `yaml:"defaults,omitempty" json:"defaults,omitempty"`
}

// ProjectFile is the root project.yaml. Subdirectories may carry their own
// project.yaml restricted to defaults, which merge over their ancestors.
type ProjectFile struct {
	APIVersionKind `yaml:",inline" json:",inline"`

	Name           string                    `yaml:"name,omitempty" json:"name,omitempty"`
	DefaultProfile string                    `yaml:"defaultProfile,omitempty" json:"defaultProfile,omitempty"`
	Profiles       map[string]ProjectProfile `yaml:"profiles,omitempty" json:"profiles,omitempty"`

	Defaults  StackDefaults    `yaml:"defaults,omitempty" json:"defaults,omitempty"`
	Runner    RunnerConfig     `yaml:"runner,omitempty" json:"runner,omitempty"`
	Resolvers ResolverSettings `yaml:"resolvers,omitempty" json:"resolvers,omitempty"`
}

// StackSpecFile is a stack.yaml. Parameter values may be plain scalars,
// lists, or ref:// strings resolved at deploy time.
type StackSpecFile struct {
	APIVersionKind `yaml:",inline" json:",inline"`

	Name       string         `yaml:"name,omitempty" json:"name,omitempty"`
	Template   string         `yaml:"template,omitempty" json:"template,omitempty"`
	StackName  string         `yaml:"stackName,omitempty" json:"stackName,omitempty"`
	Parameters map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	UserData   map[string]any `yaml:"userData,omitempty" json:"userData,omitempty"`
	DependsOn  []string       `yaml:"dependsOn,omitempty" json:"dependsOn,omitempty"`

	Cloud        CloudTarget       `yaml:"cloud,omitempty" json:"cloud,omitempty"`
	Deploy       DeployOptions     `yaml:"deploy,omitempty" json:"deploy,omitempty"`
	Protected    *bool             `yaml:"protected,omitempty" json:"protected,omitempty"`
	PollInterval *time.Duration    `yaml:"pollInterval,omitempty" json:"pollInterval,omitempty"`
	Tags         map[string]string `yaml:"tags,omitempty" json:"tags,omitempty"`
	Vars         map[string]string `yaml:"vars,omitempty" json:"vars,omitempty"`
	Hooks        *StackHooks       `yaml:"hooks,omitempty" json:"hooks,omitempty"`
}

// ResolverSettings configures the external reference resolvers declared in
// project.yaml.
type ResolverSettings struct {
	Vault *VaultSettings `yaml:"vault,omitempty" json:"vault,omitempty"`
}

type VaultSettings struct {
	Address   string `yaml:"address,omitempty" json:"address,omitempty"`
	Token     string `yaml:"token,omitempty" json:"token,omitempty"`
	TokenFile string `yaml:"tokenFile,omitempty" json:"tokenFile,omitempty"`
	Namespace string `yaml:"namespace,omitempty" json:"namespace,omitempty"`
	Mount     string `yaml:"mount,omitempty" json:"mount,omitempty"`
	KVVersion int    `yaml:"kvVersion,omitempty" json:"kvVersion,omitempty"`
}

type RunnerConfig struct {
	Concurrency  *int           `yaml:"concurrency,omitempty" json:"concurrency,omitempty"`
	PollInterval *time.Duration `yaml:"pollInterval,omitempty" json:"pollInterval,omitempty"`
	Timeout      *time.Duration `yaml:"timeout,omitempty" json:"timeout,omitempty"`
	FailFast     *bool          `yaml:"failFast,omitempty" json:"failFast,omitempty"`
	MaxAttempts  *int           `yaml:"maxAttempts,omitempty" json:"maxAttempts,omitempty"`
}

// InferredReason records why a dependency edge was added without being
// declared in dependsOn.
type InferredReason struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
	Path string `json:"path,omitempty"`
}

type InferredNeed struct {
	Name    string           `json:"name"`
	Reasons []InferredReason `json:"reasons,omitempty"`
}

// ResolvedStack is one stack after config cascade and profile merge. Needs
// is the union of declared and inferred dependencies, deduplicated.
type ResolvedStack struct {
	ID        string      `json:"id"`
	Name      string      `json:"name"`
	Dir       string      `json:"dir"`
	StackName string      `json:"stackName"`
	Cloud     CloudTarget `json:"cloud"`

	Template   string         `json:"template"`
	Parameters map[string]any `json:"parameters,omitempty"`
	UserData   map[string]any `json:"userData,omitempty"`

	Tags          map[string]string `json:"tags,omitempty"`
	DependsOn     []string          `json:"dependsOn,omitempty"`
	InferredNeeds []InferredNeed    `json:"inferredNeeds,omitempty"`
	Needs         []string          `json:"needs,omitempty"`

	Protected      bool          `json:"protected,omitempty"`
	Deploy         DeployOptions `json:"deploy"`
	PollInterval   time.Duration `json:"pollInterval,omitempty"`
	TemplateBucket string        `json:"templateBucket,omitempty"`

	Vars  map[string]string `json:"-"`
	Hooks StackHooks        `json:"hooks,omitempty"`

	SelectedBy     []string `json:"selectedBy,omitempty"`
	ExecutionGroup int      `json:"executionGroup,omitempty"`
}

type Plan struct {
	ProjectName string           `json:"projectName,omitempty"`
	Profile     string           `json:"profile,omitempty"`
	StackRoot   string           `json:"stackRoot,omitempty"`
	Nodes       []*ResolvedStack `json:"nodes"`

	Runner    RunnerConfig     `json:"runner,omitempty"`
	Resolvers ResolverSettings `json:"resolvers,omitempty"`

	byID map[string]*ResolvedStack
}

func (p *Plan) reindex() {
	p.byID = make(map[string]*ResolvedStack, len(p.Nodes))
	for _, n := range p.Nodes {
		p.byID[n.ID] = n
	}
}

// Node returns the stack with the given ID, or nil.
func (p *Plan) Node(id string) *ResolvedStack {
	if p.byID == nil {
		p.reindex()
	}
	return p.byID[id]
}

func (p *Plan) IDs() []string {
	out := make([]string, 0, len(p.Nodes))
	for _, n := range p.Nodes {
		out = append(out, n.ID)
	}
	return out
}
