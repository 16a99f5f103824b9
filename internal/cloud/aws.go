// File: internal/cloud/aws.go
// Brief: CloudFormation-backed Provider implementation.

package cloud

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudformation"
	cfntypes "github.com/aws/aws-sdk-go-v2/service/cloudformation/types"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/aws/smithy-go"
)

// maxTemplateBody is the largest template the API accepts inline. Bigger
// templates must be uploaded to a bucket and passed by URL.
const maxTemplateBody = 51200

// Conn is one authenticated connection to a control-plane target. It
// implements Provider and exposes the satellite service clients used by
// the reference resolvers.
type Conn struct {
	cfn     *cloudformation.Client
	s3      *s3.Client
	ssm     *ssm.Client
	secrets *secretsmanager.Client
	region  string
}

func NewConn(cfg aws.Config) *Conn {
	return &Conn{
		cfn:     cloudformation.NewFromConfig(cfg),
		s3:      s3.NewFromConfig(cfg),
		ssm:     ssm.NewFromConfig(cfg),
		secrets: secretsmanager.NewFromConfig(cfg),
		region:  cfg.Region,
	}
}

func (c *Conn) Region() string                         { return c.region }
func (c *Conn) SSM() *ssm.Client                       { return c.ssm }
func (c *Conn) SecretsManager() *secretsmanager.Client { return c.secrets }

func (c *Conn) Describe(ctx context.Context, stackName string) (*StackDescription, error) {
	out, err := c.cfn.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		if isNotExistsError(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("describe stack %s: %w", stackName, err)
	}
	if len(out.Stacks) == 0 {
		return nil, nil
	}
	return describeFromAPI(out.Stacks[0]), nil
}

func describeFromAPI(s cfntypes.Stack) *StackDescription {
	desc := &StackDescription{
		Name:         aws.ToString(s.StackName),
		StackID:      aws.ToString(s.StackId),
		Status:       string(s.StackStatus),
		StatusReason: aws.ToString(s.StackStatusReason),
		Parameters:   map[string]string{},
		Outputs:      map[string]string{},
		Tags:         map[string]string{},
	}
	if s.CreationTime != nil {
		desc.CreatedAt = *s.CreationTime
	}
	if s.LastUpdatedTime != nil {
		desc.UpdatedAt = *s.LastUpdatedTime
	}
	for _, p := range s.Parameters {
		desc.Parameters[aws.ToString(p.ParameterKey)] = aws.ToString(p.ParameterValue)
	}
	for _, o := range s.Outputs {
		desc.Outputs[aws.ToString(o.OutputKey)] = aws.ToString(o.OutputValue)
	}
	for _, t := range s.Tags {
		desc.Tags[aws.ToString(t.Key)] = aws.ToString(t.Value)
	}
	return desc
}

func (c *Conn) Submit(ctx context.Context, req Request) (Handle, error) {
	switch req.Action {
	case ActionCreate:
		return c.submitCreate(ctx, req)
	case ActionUpdate:
		return c.submitUpdate(ctx, req)
	case ActionDelete:
		return c.submitDelete(ctx, req)
	default:
		return Handle{}, fmt.Errorf("unsupported action %q", req.Action)
	}
}

func (c *Conn) submitCreate(ctx context.Context, req Request) (Handle, error) {
	in := &cloudformation.CreateStackInput{
		StackName:    aws.String(req.StackName),
		Parameters:   apiParameters(req.Parameters),
		Tags:         apiTags(req.Tags),
		Capabilities: apiCapabilities(req.Capabilities),
	}
	if req.TemplateURL != "" {
		in.TemplateURL = aws.String(req.TemplateURL)
	} else {
		in.TemplateBody = aws.String(req.TemplateBody)
	}
	if req.RoleARN != "" {
		in.RoleARN = aws.String(req.RoleARN)
	}
	if len(req.NotificationARNs) > 0 {
		in.NotificationARNs = req.NotificationARNs
	}
	if req.ClientToken != "" {
		in.ClientRequestToken = aws.String(req.ClientToken)
	}
	if req.Timeout > 0 {
		minutes := int32(req.Timeout / time.Minute)
		if minutes < 1 {
			minutes = 1
		}
		in.TimeoutInMinutes = aws.Int32(minutes)
	}
	// The API rejects requests that set both.
	if req.DisableRollback {
		in.DisableRollback = aws.Bool(true)
	} else if req.OnFailure != "" {
		in.OnFailure = cfntypes.OnFailure(req.OnFailure)
	}
	out, err := c.cfn.CreateStack(ctx, in)
	if err != nil {
		return Handle{}, fmt.Errorf("create stack %s: %w", req.StackName, err)
	}
	return Handle{StackName: req.StackName, StackID: aws.ToString(out.StackId), Action: ActionCreate}, nil
}

func (c *Conn) submitUpdate(ctx context.Context, req Request) (Handle, error) {
	in := &cloudformation.UpdateStackInput{
		StackName:    aws.String(req.StackName),
		Parameters:   apiParameters(req.Parameters),
		Tags:         apiTags(req.Tags),
		Capabilities: apiCapabilities(req.Capabilities),
	}
	if req.TemplateURL != "" {
		in.TemplateURL = aws.String(req.TemplateURL)
	} else {
		in.TemplateBody = aws.String(req.TemplateBody)
	}
	if req.RoleARN != "" {
		in.RoleARN = aws.String(req.RoleARN)
	}
	if len(req.NotificationARNs) > 0 {
		in.NotificationARNs = req.NotificationARNs
	}
	if req.ClientToken != "" {
		in.ClientRequestToken = aws.String(req.ClientToken)
	}
	if req.DisableRollback {
		in.DisableRollback = aws.Bool(true)
	}
	out, err := c.cfn.UpdateStack(ctx, in)
	if err != nil {
		if isNoUpdateError(err) {
			return Handle{StackName: req.StackName, Action: ActionUpdate, NoChange: true}, nil
		}
		return Handle{}, fmt.Errorf("update stack %s: %w", req.StackName, err)
	}
	return Handle{StackName: req.StackName, StackID: aws.ToString(out.StackId), Action: ActionUpdate}, nil
}

func (c *Conn) submitDelete(ctx context.Context, req Request) (Handle, error) {
	// Deleting through the stack ID keeps the stack pollable after it
	// reaches DELETE_COMPLETE and drops out of name lookups.
	desc, err := c.Describe(ctx, req.StackName)
	if err != nil {
		return Handle{}, err
	}
	if desc == nil {
		return Handle{StackName: req.StackName, Action: ActionDelete, NoChange: true}, nil
	}
	in := &cloudformation.DeleteStackInput{StackName: aws.String(desc.StackID)}
	if req.RoleARN != "" {
		in.RoleARN = aws.String(req.RoleARN)
	}
	if req.ClientToken != "" {
		in.ClientRequestToken = aws.String(req.ClientToken)
	}
	if _, err := c.cfn.DeleteStack(ctx, in); err != nil {
		return Handle{}, fmt.Errorf("delete stack %s: %w", req.StackName, err)
	}
	return Handle{StackName: req.StackName, StackID: desc.StackID, Action: ActionDelete}, nil
}

func (c *Conn) PollStatus(ctx context.Context, h Handle) (Status, error) {
	ident := h.StackID
	if ident == "" {
		ident = h.StackName
	}
	out, err := c.cfn.DescribeStacks(ctx, &cloudformation.DescribeStacksInput{
		StackName: aws.String(ident),
	})
	if err != nil {
		if isNotExistsError(err) {
			if h.Action == ActionDelete {
				return Status{State: StateSucceeded, Raw: "DELETE_COMPLETE"}, nil
			}
			return Status{State: StateFailed, Raw: "DELETE_COMPLETE", Reason: "stack no longer exists"}, nil
		}
		return Status{}, err
	}
	if len(out.Stacks) == 0 {
		if h.Action == ActionDelete {
			return Status{State: StateSucceeded, Raw: "DELETE_COMPLETE"}, nil
		}
		return Status{State: StateFailed, Raw: "DELETE_COMPLETE", Reason: "stack no longer exists"}, nil
	}
	s := out.Stacks[0]
	status := Status{
		State:  classifyStatus(h.Action, string(s.StackStatus)),
		Raw:    string(s.StackStatus),
		Reason: aws.ToString(s.StackStatusReason),
	}
	if status.State == StateFailed && status.Reason == "" {
		status.Reason = c.failureReason(ctx, ident)
	}
	return status, nil
}

// failureReason digs the oldest resource-level failure out of the recent
// event page, which usually names the root cause.
func (c *Conn) failureReason(ctx context.Context, ident string) string {
	out, err := c.cfn.DescribeStackEvents(ctx, &cloudformation.DescribeStackEventsInput{
		StackName: aws.String(ident),
	})
	if err != nil {
		return ""
	}
	reason := ""
	for _, ev := range out.StackEvents { // newest first
		status := string(ev.ResourceStatus)
		msg := aws.ToString(ev.ResourceStatusReason)
		if !strings.HasSuffix(status, "_FAILED") || msg == "" {
			continue
		}
		if strings.Contains(msg, "Resource creation cancelled") {
			continue
		}
		reason = fmt.Sprintf("%s %s: %s", aws.ToString(ev.LogicalResourceId), status, msg)
	}
	return reason
}

func (c *Conn) FetchOutputs(ctx context.Context, stackName string) (map[string]string, error) {
	desc, err := c.Describe(ctx, stackName)
	if err != nil {
		return nil, err
	}
	if desc == nil {
		return nil, fmt.Errorf("stack %s does not exist", stackName)
	}
	return desc.Outputs, nil
}

// StackOutput implements the resolver lookup for outputs of stacks that
// are not part of the current run.
func (c *Conn) StackOutput(ctx context.Context, stackName, key string) (string, error) {
	outputs, err := c.FetchOutputs(ctx, stackName)
	if err != nil {
		return "", err
	}
	val, ok := outputs[key]
	if !ok {
		return "", fmt.Errorf("stack %s has no output %q", stackName, key)
	}
	return val, nil
}

func (c *Conn) Cancel(ctx context.Context, h Handle) error {
	// Only an in-flight update can be interrupted.
	if h.Action != ActionUpdate {
		return nil
	}
	_, err := c.cfn.CancelUpdateStack(ctx, &cloudformation.CancelUpdateStackInput{
		StackName: aws.String(h.StackName),
	})
	if err != nil && !isNotExistsError(err) {
		return fmt.Errorf("cancel update of %s: %w", h.StackName, err)
	}
	return nil
}

// UploadConfig names the bucket used for templates above the inline limit.
type UploadConfig struct {
	Bucket string
	Prefix string
}

// PrepareTemplate returns either an inline body or an uploaded URL. When a
// bucket is configured the template is always uploaded, matching what the
// API requires for oversized bodies and keeping behavior uniform.
func (c *Conn) PrepareTemplate(ctx context.Context, stackName, body string, uploads UploadConfig) (string, string, error) {
	if uploads.Bucket == "" {
		if len(body) > maxTemplateBody {
			return "", "", fmt.Errorf("template for %s is %d bytes (inline limit %d); configure templateBucket to upload it", stackName, len(body), maxTemplateBody)
		}
		return body, "", nil
	}
	url, err := c.uploadTemplate(ctx, stackName, body, uploads)
	if err != nil {
		return "", "", err
	}
	return "", url, nil
}

func (c *Conn) uploadTemplate(ctx context.Context, stackName, body string, uploads UploadConfig) (string, error) {
	sum := sha256.Sum256([]byte(body))
	key := fmt.Sprintf("%s-%s.template", stackName, hex.EncodeToString(sum[:8]))
	if prefix := strings.Trim(uploads.Prefix, "/"); prefix != "" {
		key = prefix + "/" + key
	}
	_, err := c.s3.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(uploads.Bucket),
		Key:    aws.String(key),
		Body:   strings.NewReader(body),
	})
	if err != nil {
		return "", fmt.Errorf("upload template to s3://%s/%s: %w", uploads.Bucket, key, err)
	}
	return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", uploads.Bucket, c.region, key), nil
}

// TemplateCheck is the control-plane view of a validated template.
type TemplateCheck struct {
	Description string
	Parameters  []TemplateParameter
}

type TemplateParameter struct {
	Key         string
	Default     string
	NoEcho      bool
	Description string
}

func (c *Conn) ValidateTemplate(ctx context.Context, body string) (*TemplateCheck, error) {
	out, err := c.cfn.ValidateTemplate(ctx, &cloudformation.ValidateTemplateInput{
		TemplateBody: aws.String(body),
	})
	if err != nil {
		return nil, err
	}
	check := &TemplateCheck{Description: aws.ToString(out.Description)}
	for _, p := range out.Parameters {
		check.Parameters = append(check.Parameters, TemplateParameter{
			Key:         aws.ToString(p.ParameterKey),
			Default:     aws.ToString(p.DefaultValue),
			NoEcho:      aws.ToBool(p.NoEcho),
			Description: aws.ToString(p.Description),
		})
	}
	sort.Slice(check.Parameters, func(i, j int) bool {
		return check.Parameters[i].Key < check.Parameters[j].Key
	})
	return check, nil
}

// CurrentTemplate returns the deployed template body, or "" when the
// stack does not exist.
func (c *Conn) CurrentTemplate(ctx context.Context, stackName string) (string, error) {
	out, err := c.cfn.GetTemplate(ctx, &cloudformation.GetTemplateInput{
		StackName: aws.String(stackName),
	})
	if err != nil {
		if isNotExistsError(err) {
			return "", nil
		}
		return "", fmt.Errorf("get template for %s: %w", stackName, err)
	}
	return aws.ToString(out.TemplateBody), nil
}

func apiParameters(params map[string]string) []cfntypes.Parameter {
	if len(params) == 0 {
		return nil
	}
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]cfntypes.Parameter, 0, len(keys))
	for _, k := range keys {
		out = append(out, cfntypes.Parameter{
			ParameterKey:   aws.String(k),
			ParameterValue: aws.String(params[k]),
		})
	}
	return out
}

func apiTags(tags map[string]string) []cfntypes.Tag {
	if len(tags) == 0 {
		return nil
	}
	keys := make([]string, 0, len(tags))
	for k := range tags {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]cfntypes.Tag, 0, len(keys))
	for _, k := range keys {
		out = append(out, cfntypes.Tag{Key: aws.String(k), Value: aws.String(tags[k])})
	}
	return out
}

func apiCapabilities(caps []string) []cfntypes.Capability {
	if len(caps) == 0 {
		return nil
	}
	out := make([]cfntypes.Capability, 0, len(caps))
	for _, c := range caps {
		out = append(out, cfntypes.Capability(c))
	}
	return out
}

func isNoUpdateError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "No updates are to be performed")
}

func isNotExistsError(err error) bool {
	var apiErr smithy.APIError
	if !errors.As(err, &apiErr) {
		return false
	}
	return apiErr.ErrorCode() == "ValidationError" &&
		strings.Contains(apiErr.ErrorMessage(), "does not exist")
}
