package resolver

import (
	"context"
	"fmt"
	"os"
	"strings"

	vault "github.com/hashicorp/vault/api"
)

// VaultConfig carries the settings needed to reach a Vault KV mount.
type VaultConfig struct {
	Address   string
	Token     string
	TokenFile string
	Namespace string
	Mount     string
	KVVersion int
}

// VaultProvider resolves ref://vault/<path>[#key] from a Vault KV secret
// engine. Without a key the secret must hold a "value" entry or exactly
// one entry.
type VaultProvider struct {
	client    *vault.Client
	mount     string
	kvVersion int
}

func NewVaultProvider(cfg VaultConfig) (*VaultProvider, error) {
	address := strings.TrimSpace(cfg.Address)
	if address == "" {
		address = strings.TrimSpace(os.Getenv("VAULT_ADDR"))
	}
	if address == "" {
		return nil, fmt.Errorf("vault address is required")
	}
	apiCfg := vault.DefaultConfig()
	apiCfg.Address = address
	client, err := vault.NewClient(apiCfg)
	if err != nil {
		return nil, err
	}
	if ns := strings.TrimSpace(cfg.Namespace); ns != "" {
		client.SetNamespace(ns)
	}
	token, err := vaultToken(cfg)
	if err != nil {
		return nil, err
	}
	client.SetToken(token)

	mount := strings.Trim(strings.TrimSpace(cfg.Mount), "/")
	if mount == "" {
		mount = "secret"
	}
	kvVersion := cfg.KVVersion
	if kvVersion == 0 {
		kvVersion = 2
	}
	if kvVersion != 1 && kvVersion != 2 {
		return nil, fmt.Errorf("vault kvVersion must be 1 or 2")
	}
	return &VaultProvider{client: client, mount: mount, kvVersion: kvVersion}, nil
}

func vaultToken(cfg VaultConfig) (string, error) {
	if token := strings.TrimSpace(cfg.Token); token != "" {
		return token, nil
	}
	if path := strings.TrimSpace(cfg.TokenFile); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return "", fmt.Errorf("read vault token file: %w", err)
		}
		token := strings.TrimSpace(string(raw))
		if token == "" {
			return "", fmt.Errorf("vault token file %s is empty", path)
		}
		return token, nil
	}
	if token := strings.TrimSpace(os.Getenv("VAULT_TOKEN")); token != "" {
		return token, nil
	}
	return "", fmt.Errorf("vault token is required (set token, tokenFile, or VAULT_TOKEN)")
}

func (p *VaultProvider) Resolve(ctx context.Context, arg string) (string, error) {
	if p == nil {
		return "", fmt.Errorf("vault resolver is not initialized")
	}
	path, key := splitKeyArg(arg)
	if path == "" {
		return "", fmt.Errorf("vault secret path is required")
	}
	data, err := p.read(ctx, path)
	if err != nil {
		return "", err
	}
	return selectVaultValue(data, key)
}

func (p *VaultProvider) read(ctx context.Context, path string) (map[string]interface{}, error) {
	path = strings.Trim(strings.TrimSpace(path), "/")
	if path == "" {
		return nil, fmt.Errorf("vault secret path is required")
	}
	switch p.kvVersion {
	case 1:
		secret, err := p.client.Logical().ReadWithContext(ctx, fmt.Sprintf("%s/%s", p.mount, path))
		if err != nil {
			return nil, err
		}
		if secret == nil || secret.Data == nil {
			return nil, fmt.Errorf("vault secret %s not found", path)
		}
		return secret.Data, nil
	case 2:
		secret, err := p.client.KVv2(p.mount).Get(ctx, path)
		if err != nil {
			return nil, err
		}
		if secret == nil || secret.Data == nil {
			return nil, fmt.Errorf("vault secret %s not found", path)
		}
		return secret.Data, nil
	default:
		return nil, fmt.Errorf("vault kvVersion must be 1 or 2")
	}
}

func selectVaultValue(data map[string]interface{}, key string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("vault secret is empty")
	}
	candidates := []string{}
	if key != "" {
		candidates = append(candidates, key)
	}
	candidates = append(candidates, "value")
	for _, candidate := range candidates {
		if val, ok := data[candidate]; ok {
			return coerceScalar(val)
		}
	}
	if len(data) == 1 {
		for _, val := range data {
			return coerceScalar(val)
		}
	}
	if key == "" {
		return "", fmt.Errorf("vault secret is ambiguous; specify #key")
	}
	return "", fmt.Errorf("vault secret has no key %q", key)
}

func coerceScalar(val interface{}) (string, error) {
	switch typed := val.(type) {
	case string:
		return typed, nil
	case []byte:
		return string(typed), nil
	default:
		return "", fmt.Errorf("secret value must be a string")
	}
}
