// File: internal/stack/cloud_exec.go
// Brief: Cloud executor: resolves references and drives stack actions to completion.

package stack

import (
	"context"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/example/stackctl/internal/cloud"
	"github.com/example/stackctl/internal/resolver"
)

// effectiveTarget fills target gaps from the run default.
func effectiveTarget(n *ResolvedStack, def cloud.Target) cloud.Target {
	t := cloud.Target{Region: n.Cloud.Region, Profile: n.Cloud.Profile, RoleARN: n.Cloud.RoleARN}
	if t.Region == "" {
		t.Region = def.Region
	}
	if t.Profile == "" {
		t.Profile = def.Profile
	}
	if t.RoleARN == "" {
		t.RoleARN = def.RoleARN
	}
	return t
}

// outputStore holds outputs published by stacks that completed in this
// run. The output resolver reads only from here, never from the control
// plane, so a reference to a stack that did not succeed fails loudly.
type outputStore struct {
	mu      sync.Mutex
	byStack map[string]map[string]string
}

func newOutputStore() *outputStore {
	return &outputStore{byStack: make(map[string]map[string]string)}
}

func (o *outputStore) Publish(stack string, outputs map[string]string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	cp := make(map[string]string, len(outputs))
	for k, v := range outputs {
		cp[k] = v
	}
	o.byStack[stack] = cp
}

func (o *outputStore) Drop(stack string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.byStack, stack)
}

func (o *outputStore) StackOutput(_ context.Context, stack, key string) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	outs, ok := o.byStack[stack]
	if !ok {
		return "", fmt.Errorf("outputs for stack %q are not available in this run", stack)
	}
	v, ok := outs[key]
	if !ok {
		return "", fmt.Errorf("stack %q has no output %q", stack, key)
	}
	return v, nil
}

type errProvider struct{ err error }

func (p errProvider) Resolve(context.Context, string) (string, error) {
	return "", p.err
}

// cloudExecutor deploys and deletes stacks through the cloud connection
// for each stack's target. It is the production NodeExecutor.
type cloudExecutor struct {
	run          *runState
	conns        *cloud.Connections
	defTarget    cloud.Target
	templates    TemplateSource
	custom       *resolver.Registry
	outputs      *outputStore
	pollInterval time.Duration
	timeout      time.Duration

	vaultOnce sync.Once
	vaultProv resolver.Provider
}

func newCloudExecutor(run *runState, conns *cloud.Connections, defTarget cloud.Target, templates TemplateSource, custom *resolver.Registry, pollInterval, timeout time.Duration) *cloudExecutor {
	return &cloudExecutor{
		run:          run,
		conns:        conns,
		defTarget:    defTarget,
		templates:    templates,
		custom:       custom,
		outputs:      newOutputStore(),
		pollInterval: pollInterval,
		timeout:      timeout,
	}
}

func (e *cloudExecutor) RunNode(ctx context.Context, node *runNode, action cloud.Action) error {
	target := effectiveTarget(node.ResolvedStack, e.defTarget)
	conn, err := e.conns.Get(ctx, target)
	if err != nil {
		return fmt.Errorf("stack %s: connect to %s: %w", node.ID, target.String(), err)
	}
	switch action {
	case cloud.ActionCreate, cloud.ActionUpdate:
		req, err := e.buildDeployRequest(ctx, node, conn, target, action)
		if err != nil {
			return err
		}
		return e.submitAndAwait(ctx, node, conn, *req)
	case cloud.ActionDelete:
		return e.deleteStack(ctx, node, conn, target)
	case cloud.ActionLaunch:
		return e.launch(ctx, node, conn, target)
	}
	return fmt.Errorf("stack %s: unsupported action %q", node.ID, action)
}

// launch picks the concrete action from the remote state: create when the
// stack is absent, delete then create when it is stuck in a state that
// cannot be updated, update otherwise.
func (e *cloudExecutor) launch(ctx context.Context, node *runNode, conn *cloud.Conn, target cloud.Target) error {
	desc, err := conn.Describe(ctx, node.StackName)
	if err != nil {
		return fmt.Errorf("stack %s: describe %s: %w", node.ID, node.StackName, err)
	}
	if desc != nil && cloud.NeedsRecreate(desc.Status) {
		e.run.NodeLogf(node.ID, "stack %s is %s, recreating", node.StackName, desc.Status)
		if err := e.deleteStack(ctx, node, conn, target); err != nil {
			return err
		}
		desc = nil
	}
	action := cloud.ActionUpdate
	if desc == nil {
		action = cloud.ActionCreate
	}
	e.run.NodeLogf(node.ID, "launch resolved to %s", action)
	req, err := e.buildDeployRequest(ctx, node, conn, target, action)
	if err != nil {
		return err
	}
	return e.submitAndAwait(ctx, node, conn, *req)
}

// deleteStack skips reference resolution: tearing a stack down must not
// depend on its inputs still being resolvable.
func (e *cloudExecutor) deleteStack(ctx context.Context, node *runNode, conn *cloud.Conn, target cloud.Target) error {
	req := cloud.Request{
		StackName:   node.StackName,
		Action:      cloud.ActionDelete,
		RoleARN:     target.RoleARN,
		ClientToken: clientToken(e.run.RunID, node.ID, node.Attempt),
	}
	return e.submitAndAwait(ctx, node, conn, req)
}

func (e *cloudExecutor) buildDeployRequest(ctx context.Context, node *runNode, conn *cloud.Conn, target cloud.Target, action cloud.Action) (*cloud.Request, error) {
	res := e.resolverFor(node, conn, target)

	params, err := resolveStackParameters(ctx, node.ID, node.Parameters, res)
	if err != nil {
		return nil, err
	}
	if len(node.UserData) > 0 {
		userData := deepCopyValues(node.UserData)
		if err := res.ResolveValues(ctx, userData); err != nil {
			return nil, &UnresolvedReferenceError{Stack: node.ID, Err: err}
		}
	}
	if audit := res.Audit(); len(audit) > 0 {
		e.run.NodeLogf(node.ID, "resolved %d references", len(audit))
	}

	body, url, err := e.templateFor(ctx, node, conn)
	if err != nil {
		return nil, err
	}

	req := &cloud.Request{
		StackName:        node.StackName,
		Action:           action,
		TemplateBody:     body,
		TemplateURL:      url,
		Parameters:       params,
		Tags:             node.Tags,
		Capabilities:     node.Deploy.Capabilities,
		RoleARN:          target.RoleARN,
		NotificationARNs: node.Deploy.NotificationARNs,
		OnFailure:        node.Deploy.OnFailure,
		ClientToken:      clientToken(e.run.RunID, node.ID, node.Attempt),
	}
	if node.Deploy.DisableRollback != nil {
		req.DisableRollback = *node.Deploy.DisableRollback
	}
	if node.Deploy.Timeout != nil {
		req.Timeout = *node.Deploy.Timeout
	}
	return req, nil
}

// templateFor loads the template body, or passes a remote template
// reference through untouched.
func (e *cloudExecutor) templateFor(ctx context.Context, node *runNode, conn *cloud.Conn) (string, string, error) {
	if isTemplateURL(node.Template) {
		return "", node.Template, nil
	}
	body, err := e.templates.TemplateBody(ctx, node.ResolvedStack)
	if err != nil {
		return "", "", err
	}
	return conn.PrepareTemplate(ctx, node.StackName, body, cloud.UploadConfig{Bucket: node.TemplateBucket})
}

// resolverFor builds the per-node resolver. Backed providers bind to the
// node's own target so ssm and secretsmanager reads hit the right account
// and region; var binds to the node's merged vars.
func (e *cloudExecutor) resolverFor(node *runNode, conn *cloud.Conn, target cloud.Target) *resolver.Resolver {
	reg := resolver.NewRegistry()
	_ = reg.Register("env", resolver.EnvProvider{})
	_ = reg.Register("var", resolver.NewVarProvider(node.Vars))
	_ = reg.Register("file", resolver.NewFileProvider(e.run.Plan.StackRoot))
	_ = reg.Register("output", resolver.NewOutputProvider(e.outputs))
	_ = reg.Register("xoutput", resolver.NewExternalOutputProvider(externalConnSource(e.conns, target)))
	_ = reg.Register("ssm", resolver.NewSSMProvider(conn.SSM()))
	_ = reg.Register("secretsmanager", resolver.NewSecretsManagerProvider(conn.SecretsManager()))
	if p := e.vaultProvider(); p != nil {
		_ = reg.Register("vault", p)
	}
	if e.custom != nil {
		// Built-in names win on collision.
		for _, name := range e.custom.Names() {
			if p, ok := e.custom.Provider(name); ok {
				_ = reg.Register(name, p)
			}
		}
	}
	return resolver.New(reg)
}

// externalConnSource reaches stacks outside the run, optionally through
// another profile from the reference's query string.
func externalConnSource(conns *cloud.Connections, target cloud.Target) resolver.ExternalSourceFunc {
	return func(ctx context.Context, profile string) (resolver.OutputSource, error) {
		t := target
		if profile != "" {
			t.Profile = profile
		}
		conn, err := conns.Get(ctx, t)
		if err != nil {
			return nil, err
		}
		return conn, nil
	}
}

// vaultProviderFromSettings builds the vault provider, falling back to
// VAULT_ADDR. Unconfigured vault returns nil; a misconfigured one returns
// a provider that resolves to its setup error.
func vaultProviderFromSettings(vs *VaultSettings) resolver.Provider {
	if vs == nil && strings.TrimSpace(os.Getenv("VAULT_ADDR")) == "" {
		return nil
	}
	var cfg resolver.VaultConfig
	if vs != nil {
		cfg = resolver.VaultConfig{
			Address:   vs.Address,
			Token:     vs.Token,
			TokenFile: vs.TokenFile,
			Namespace: vs.Namespace,
			Mount:     vs.Mount,
			KVVersion: vs.KVVersion,
		}
	}
	p, err := resolver.NewVaultProvider(cfg)
	if err != nil {
		return errProvider{fmt.Errorf("vault resolver unavailable: %w", err)}
	}
	return p
}

func (e *cloudExecutor) vaultProvider() resolver.Provider {
	e.vaultOnce.Do(func() {
		e.vaultProv = vaultProviderFromSettings(e.run.Plan.Resolvers.Vault)
	})
	return e.vaultProv
}

// resolveStackParameters assembles the final string parameters. List
// values resolve element by element and join with commas, matching what
// the control plane expects for comma-delimited list parameters.
func resolveStackParameters(ctx context.Context, stackID string, params map[string]any, res *resolver.Resolver) (map[string]string, error) {
	if len(params) == 0 {
		return nil, nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make(map[string]string, len(keys))
	for _, k := range keys {
		v, err := resolveParamValue(ctx, stackID, params[k], res)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

func resolveParamValue(ctx context.Context, stackID string, value any, res *resolver.Resolver) (string, error) {
	switch val := value.(type) {
	case nil:
		return "", nil
	case string:
		s, _, err := res.ResolveString(ctx, val)
		if err != nil {
			ref := ""
			if resolver.IsRef(val) {
				ref = val
			}
			return "", &UnresolvedReferenceError{Stack: stackID, Ref: ref, Err: err}
		}
		return s, nil
	case []any:
		parts := make([]string, 0, len(val))
		for _, item := range val {
			s, err := resolveParamValue(ctx, stackID, item, res)
			if err != nil {
				return "", err
			}
			parts = append(parts, s)
		}
		return strings.Join(parts, ","), nil
	default:
		return fmt.Sprint(val), nil
	}
}

// submitAndAwait submits one request and polls it to a terminal state.
// Polling and the outputs fetch run on a context detached from
// cancellation so an interrupt never abandons an in-flight action.
func (e *cloudExecutor) submitAndAwait(ctx context.Context, node *runNode, conn *cloud.Conn, req cloud.Request) error {
	h, err := conn.Submit(ctx, req)
	if err != nil {
		return fmt.Errorf("stack %s: submit %s: %w", node.ID, req.Action, err)
	}
	if h.NoChange {
		e.run.NodeLogf(node.ID, "%s %s: no changes", req.Action, req.StackName)
		return e.publishOutputs(ctx, node, conn, req.Action)
	}
	e.run.AppendEvent(node.ID, NodeSubmitted, node.Attempt,
		fmt.Sprintf("%s %s submitted", req.Action, req.StackName),
		map[string]any{"stackName": req.StackName, "stackId": h.StackID}, nil)

	interval := node.PollInterval
	if interval <= 0 {
		interval = e.pollInterval
	}
	lastRaw := ""
	p := &poller{
		provider: conn,
		interval: interval,
		timeout:  e.timeout,
		onPoll: func(st cloud.Status) {
			if st.Raw != lastRaw {
				lastRaw = st.Raw
				e.run.AppendEvent(node.ID, NodePolling, node.Attempt, st.Raw, nil, nil)
				return
			}
			e.run.EmitEphemeralEvent(node.ID, NodePolling, node.Attempt, st.Raw, nil)
		},
		onRetry: func(attempt int, backoff time.Duration, err error) {
			e.run.AppendEvent(node.ID, RetryScheduled, node.Attempt,
				fmt.Sprintf("poll error %d: %v, retrying in %s", attempt, err, backoff.Round(time.Millisecond)),
				nil, runErrorFrom(err))
		},
	}
	final, err := p.Await(context.WithoutCancel(ctx), h)
	if err != nil {
		return fmt.Errorf("stack %s: %w", node.ID, err)
	}
	if final.State != cloud.StateSucceeded {
		return &StackActionFailedError{
			Stack:  node.ID,
			Action: string(req.Action),
			Status: final.Raw,
			Reason: final.Reason,
		}
	}
	return e.publishOutputs(ctx, node, conn, req.Action)
}

func (e *cloudExecutor) publishOutputs(ctx context.Context, node *runNode, conn *cloud.Conn, action cloud.Action) error {
	if action == cloud.ActionDelete {
		e.outputs.Drop(node.ID)
		return nil
	}
	outs, err := conn.FetchOutputs(context.WithoutCancel(ctx), node.StackName)
	if err != nil {
		return fmt.Errorf("stack %s: fetch outputs: %w", node.ID, err)
	}
	e.outputs.Publish(node.ID, outs)
	if len(outs) > 0 {
		e.run.NodeLogf(node.ID, "published %d outputs", len(outs))
	}
	return nil
}

// clientToken builds an idempotency token the control plane accepts:
// alphanumerics and dashes, at most 128 characters.
func clientToken(runID string, nodeID string, attempt int) string {
	raw := fmt.Sprintf("stackctl-%s-%s-%d", runID, nodeID, attempt)
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-':
			return r
		}
		return '-'
	}, raw)
	if len(mapped) > 128 {
		mapped = mapped[:128]
	}
	return mapped
}

func deepCopyValues(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = deepCopyValue(v)
	}
	return out
}

func deepCopyValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyValues(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = deepCopyValue(item)
		}
		return out
	default:
		return v
	}
}
