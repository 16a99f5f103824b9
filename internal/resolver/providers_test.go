package resolver

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEnvProvider(t *testing.T) {
	t.Setenv("STACKCTL_TEST_VALUE", "from-env")
	t.Setenv("STACKCTL_TEST_EMPTY", "")

	ctx := context.Background()
	p := EnvProvider{}

	got, err := p.Resolve(ctx, "STACKCTL_TEST_VALUE")
	if err != nil || got != "from-env" {
		t.Fatalf("resolve: %q, %v", got, err)
	}
	if got, err := p.Resolve(ctx, "STACKCTL_TEST_EMPTY"); err != nil || got != "" {
		t.Fatalf("empty value: %q, %v", got, err)
	}
	if _, err := p.Resolve(ctx, "STACKCTL_TEST_UNSET"); err == nil ||
		!strings.Contains(err.Error(), "is not set") {
		t.Fatalf("unset err=%v", err)
	}
	if _, err := p.Resolve(ctx, "  "); err == nil {
		t.Fatal("expected error for blank name")
	}
}

func TestVarProvider(t *testing.T) {
	p := NewVarProvider(map[string]string{"env_name": "staging"})
	ctx := context.Background()

	got, err := p.Resolve(ctx, "env_name")
	if err != nil || got != "staging" {
		t.Fatalf("resolve: %q, %v", got, err)
	}
	_, err = p.Resolve(ctx, "missing")
	if err == nil || !strings.Contains(err.Error(), "--var missing=<value>") {
		t.Fatalf("missing err=%v", err)
	}
}

func TestFileProvider_WholeFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "token.txt"), []byte("s3cr3t\n"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p := NewFileProvider(dir)

	got, err := p.Resolve(context.Background(), "token.txt")
	if err != nil || got != "s3cr3t" {
		t.Fatalf("resolve: %q, %v", got, err)
	}
	if _, err := p.Resolve(context.Background(), "nope.txt"); err == nil {
		t.Fatal("expected read error")
	}
}

func TestFileProvider_DottedKey(t *testing.T) {
	dir := t.TempDir()
	yamlBody := "db:\n  host: db.internal\n  port: 5432\n  opts: [a, b]\n"
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yamlBody), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	p := NewFileProvider(dir)
	ctx := context.Background()

	if got, err := p.Resolve(ctx, "config.yaml#db.host"); err != nil || got != "db.internal" {
		t.Fatalf("host: %q, %v", got, err)
	}
	if got, err := p.Resolve(ctx, "config.yaml#db.port"); err != nil || got != "5432" {
		t.Fatalf("port: %q, %v", got, err)
	}
	if _, err := p.Resolve(ctx, "config.yaml#db.missing"); err == nil ||
		!strings.Contains(err.Error(), "not found") {
		t.Fatalf("missing key err=%v", err)
	}
	if _, err := p.Resolve(ctx, "config.yaml#db.opts"); err == nil ||
		!strings.Contains(err.Error(), "non-scalar") {
		t.Fatalf("non-scalar err=%v", err)
	}
}

func TestSplitOutputArg(t *testing.T) {
	name, key, err := SplitOutputArg("network/vpc::VpcId")
	if err != nil || name != "network/vpc" || key != "VpcId" {
		t.Fatalf("split: %q %q %v", name, key, err)
	}
	for _, bad := range []string{"no-separator", "::", "stack::", "::key"} {
		if _, _, err := SplitOutputArg(bad); err == nil {
			t.Errorf("SplitOutputArg(%q) expected error", bad)
		}
	}
}

type mapOutputSource map[string]string

func (m mapOutputSource) StackOutput(_ context.Context, stack, key string) (string, error) {
	return m[stack+"::"+key], nil
}

func TestOutputProvider(t *testing.T) {
	p := NewOutputProvider(mapOutputSource{"data/rds::Endpoint": "rds.internal"})
	got, err := p.Resolve(context.Background(), "data/rds::Endpoint")
	if err != nil || got != "rds.internal" {
		t.Fatalf("resolve: %q, %v", got, err)
	}
	if _, err := p.Resolve(context.Background(), "bad-arg"); err == nil {
		t.Fatal("expected split error")
	}
}

func TestExternalOutputProvider_ProfileQuery(t *testing.T) {
	var gotProfile string
	p := NewExternalOutputProvider(func(_ context.Context, profile string) (OutputSource, error) {
		gotProfile = profile
		return mapOutputSource{"shared-dns::ZoneId": "Z123"}, nil
	})
	ctx := context.Background()

	got, err := p.Resolve(ctx, "shared-dns::ZoneId?profile=network-prod")
	if err != nil || got != "Z123" {
		t.Fatalf("resolve: %q, %v", got, err)
	}
	if gotProfile != "network-prod" {
		t.Fatalf("profile=%q", gotProfile)
	}

	if _, err := p.Resolve(ctx, "shared-dns::ZoneId"); err != nil {
		t.Fatalf("no query: %v", err)
	}
	if gotProfile != "" {
		t.Fatalf("default profile=%q", gotProfile)
	}

	if _, err := p.Resolve(ctx, "shared-dns::ZoneId?pro%zzfile=x"); err == nil ||
		!strings.Contains(err.Error(), "malformed query") {
		t.Fatalf("bad query err=%v", err)
	}
}
