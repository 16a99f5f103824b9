package stack

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileTemplateSource(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vpc.yaml")
	if err := os.WriteFile(path, []byte("Resources:\n  Vpc: {}\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	src := fileTemplateSource{}
	body, err := src.TemplateBody(context.Background(), &ResolvedStack{Name: "network/vpc", Template: path})
	if err != nil || !strings.Contains(body, "Vpc:") {
		t.Fatalf("body=%q err=%v", body, err)
	}

	_, err = src.TemplateBody(context.Background(), &ResolvedStack{Name: "network/vpc", Template: filepath.Join(dir, "missing.yaml")})
	if err == nil || !strings.Contains(err.Error(), "template") {
		t.Fatalf("err=%v", err)
	}
	_, err = src.TemplateBody(context.Background(), &ResolvedStack{Name: "network/vpc", Template: dir})
	if err == nil || !strings.Contains(err.Error(), "is a directory") {
		t.Fatalf("err=%v", err)
	}
	_, err = src.TemplateBody(context.Background(), &ResolvedStack{Name: "network/vpc"})
	if err == nil || !strings.Contains(err.Error(), "has no template") {
		t.Fatalf("err=%v", err)
	}
}

func TestIsTemplateURL(t *testing.T) {
	cases := map[string]bool{
		"https://bucket.s3.amazonaws.com/vpc.yaml": true,
		"s3://bucket/templates/vpc.yaml":           true,
		"templates/vpc.yaml":                       false,
		"/abs/path/vpc.yaml":                       false,
	}
	for in, want := range cases {
		if got := isTemplateURL(in); got != want {
			t.Errorf("isTemplateURL(%q) = %v", in, got)
		}
	}
}
