package resolver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
)

// SecretsManagerAPI is the slice of the Secrets Manager client used by the
// secret resolver.
type SecretsManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerProvider resolves ref://secretsmanager/<id>[#json-key].
// With a key the secret string must be a JSON object and the key's value
// is returned.
type SecretsManagerProvider struct {
	client SecretsManagerAPI
}

func NewSecretsManagerProvider(client SecretsManagerAPI) *SecretsManagerProvider {
	return &SecretsManagerProvider{client: client}
}

func (p *SecretsManagerProvider) Resolve(ctx context.Context, arg string) (string, error) {
	id, key := splitKeyArg(arg)
	if id == "" {
		return "", fmt.Errorf("secret id is required")
	}
	out, err := p.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(id),
	})
	if err != nil {
		return "", fmt.Errorf("get secret %s: %w", id, err)
	}
	raw := ""
	switch {
	case out.SecretString != nil:
		raw = *out.SecretString
	case len(out.SecretBinary) > 0:
		raw = string(out.SecretBinary)
	default:
		return "", fmt.Errorf("secret %s has no value", id)
	}
	if key == "" {
		return raw, nil
	}
	var doc map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("secret %s is not a JSON object: %w", id, err)
	}
	val, ok := doc[key]
	if !ok {
		return "", fmt.Errorf("secret %s has no key %q", id, key)
	}
	switch typed := val.(type) {
	case string:
		return typed, nil
	case bool, float64:
		return fmt.Sprintf("%v", typed), nil
	default:
		return "", fmt.Errorf("secret %s key %q is not a scalar", id, key)
	}
}
