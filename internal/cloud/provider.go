// Package cloud abstracts the remote control plane that stack actions run
// against. The production implementation targets AWS CloudFormation.
package cloud

import (
	"context"
	"time"
)

// Action is a stack mutation submitted to the control plane.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionLaunch Action = "launch"
)

// State classifies a remote status into the outcomes the engine acts on.
type State string

const (
	StateInProgress State = "in_progress"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
)

// Status is one poll observation of a submitted action.
type Status struct {
	State  State
	Raw    string
	Reason string
}

// Handle identifies a submitted action for polling and cancellation.
// NoChange marks submissions the control plane had nothing to do for;
// such actions count as succeeded without polling.
type Handle struct {
	StackName string
	StackID   string
	Action    Action
	NoChange  bool
}

// Request carries everything needed to submit one stack action. Exactly
// one of TemplateBody and TemplateURL is set for create and update.
type Request struct {
	StackName        string
	Action           Action
	TemplateBody     string
	TemplateURL      string
	Parameters       map[string]string
	Tags             map[string]string
	Capabilities     []string
	RoleARN          string
	NotificationARNs []string
	OnFailure        string
	DisableRollback  bool
	Timeout          time.Duration
	ClientToken      string
}

// StackDescription is the remote view of a deployed stack.
type StackDescription struct {
	Name         string
	StackID      string
	Status       string
	StatusReason string
	CreatedAt    time.Time
	UpdatedAt    time.Time
	Parameters   map[string]string
	Outputs      map[string]string
	Tags         map[string]string
}

// Provider submits stack actions to a control plane and reports on their
// progress. Implementations must be safe for concurrent use.
type Provider interface {
	// Describe returns the remote stack, or nil when it does not exist.
	Describe(ctx context.Context, stackName string) (*StackDescription, error)
	// Submit starts an action and returns a handle for polling.
	Submit(ctx context.Context, req Request) (Handle, error)
	// PollStatus reports the current status of a submitted action.
	PollStatus(ctx context.Context, h Handle) (Status, error)
	// FetchOutputs returns the outputs of a deployed stack.
	FetchOutputs(ctx context.Context, stackName string) (map[string]string, error)
	// Cancel makes a best-effort attempt to stop an in-flight action.
	// Actions the control plane cannot interrupt return nil.
	Cancel(ctx context.Context, h Handle) error
}

// NeedsRecreate reports whether a stack in this remote status cannot be
// updated and must be deleted and created again.
func NeedsRecreate(status string) bool {
	switch status {
	case "CREATE_FAILED", "ROLLBACK_COMPLETE", "ROLLBACK_FAILED", "REVIEW_IN_PROGRESS":
		return true
	}
	return false
}
