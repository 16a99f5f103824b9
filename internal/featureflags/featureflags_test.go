package featureflags

import (
	"context"
	"errors"
	"testing"
)

func TestResolve(t *testing.T) {
	flags, err := Resolve([]string{"adaptive-concurrency"})
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if !flags.Enabled(FeatureAdaptiveConcurrency) {
		t.Fatalf("expected feature %s to be enabled", FeatureAdaptiveConcurrency)
	}
}

func TestResolveUnknown(t *testing.T) {
	_, err := Resolve([]string{"not-a-real-flag"})
	if !errors.Is(err, ErrUnknownFeature) {
		t.Fatalf("expected ErrUnknownFeature, got %v", err)
	}
}

func TestEnabledFromEnv(t *testing.T) {
	env := []string{
		"STACKCTL_FEATURE_ADAPTIVE_CONCURRENCY=1",
		"SOME_OTHER=value",
		"STACKCTL_FEATURE_BOGUS=0",
	}
	list := EnabledFromEnv(env)
	flags, err := Resolve(list)
	if err != nil {
		t.Fatalf("Resolve returned error: %v", err)
	}
	if !flags.Enabled(FeatureAdaptiveConcurrency) {
		t.Fatalf("expected env to enable %s", FeatureAdaptiveConcurrency)
	}
}

func TestContextHelpers(t *testing.T) {
	flags, err := Resolve([]string{"adaptive-concurrency"})
	if err != nil {
		t.Fatal(err)
	}
	ctx := ContextWithFlags(context.Background(), flags)
	actual := FromContext(ctx)
	if !actual.Enabled(FeatureAdaptiveConcurrency) {
		t.Fatalf("expected flag to survive context round-trip")
	}
	if FromContext(context.Background()).Enabled(FeatureAdaptiveConcurrency) {
		t.Fatalf("zero context should not report feature enabled")
	}
}

func TestEnabledFromEnvUsesProcessEnv(t *testing.T) {
	t.Setenv("STACKCTL_FEATURE_ADAPTIVE_CONCURRENCY", "true")
	list := EnabledFromEnv(nil)
	if len(list) != 1 {
		t.Fatalf("expected 1 env flag, got %d", len(list))
	}
	flags, err := Resolve(list)
	if err != nil {
		t.Fatal(err)
	}
	if !flags.Enabled(FeatureAdaptiveConcurrency) {
		t.Fatalf("expected process env to enable flag")
	}
}

func TestDefinitionEnvVar(t *testing.T) {
	def, ok := DefinitionByName(FeatureAdaptiveConcurrency)
	if !ok {
		t.Fatalf("flag %s not registered", FeatureAdaptiveConcurrency)
	}
	if got := def.EnvVar(); got != "STACKCTL_FEATURE_ADAPTIVE_CONCURRENCY" {
		t.Fatalf("EnvVar = %q", got)
	}
}
