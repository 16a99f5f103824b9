// File: internal/stack/discovery.go
// Brief: Filesystem discovery of project.yaml/stack.yaml.

package stack

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	projectFileName = "project.yaml"
	stackFileName   = "stack.yaml"
	apiVersion      = "stackctl.dev/v1"
)

type discoveredStack struct {
	Dir  string
	File StackSpecFile
}

// Universe is everything discovery found under the project root before
// the cascade runs: the root project file, per-directory defaults, and
// the stack files.
type Universe struct {
	RootDir        string
	ProjectName    string
	DefaultProfile string

	Project  ProjectFile
	Defaults map[string]StackDefaults
	Stacks   []discoveredStack
}

// Discover walks root for project.yaml and stack.yaml files. The root
// project.yaml is required; subdirectory project.yaml files may only
// carry defaults.
func Discover(root string) (*Universe, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	u := &Universe{
		RootDir:  absRoot,
		Defaults: map[string]StackDefaults{},
	}

	foundRoot := false
	err = filepath.WalkDir(absRoot, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if d.IsDir() {
			name := d.Name()
			if name == ".git" || name == "bin" || name == "dist" || name == runsDirName {
				return fs.SkipDir
			}
			return nil
		}
		switch filepath.Base(path) {
		case projectFileName:
			pf, err := readProjectFile(path)
			if err != nil {
				return err
			}
			dir := filepath.Dir(path)
			if samePath(dir, absRoot) {
				foundRoot = true
				u.Project = *pf
				if strings.TrimSpace(pf.Name) != "" {
					u.ProjectName = pf.Name
				}
				if strings.TrimSpace(pf.DefaultProfile) != "" {
					u.DefaultProfile = pf.DefaultProfile
				}
			} else {
				if err := requireDefaultsOnly(path, pf); err != nil {
					return err
				}
			}
			u.Defaults[dir] = pf.Defaults
		case stackFileName:
			sf, err := readStackSpecFile(path)
			if err != nil {
				return err
			}
			u.Stacks = append(u.Stacks, discoveredStack{
				Dir:  filepath.Dir(path),
				File: *sf,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if !foundRoot {
		return nil, fmt.Errorf("no %s found at project root %s", projectFileName, absRoot)
	}
	if strings.TrimSpace(u.ProjectName) == "" {
		u.ProjectName = filepath.Base(absRoot)
	}
	return u, nil
}

func readProjectFile(path string) (*ProjectFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var pf ProjectFile
	if err := yaml.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if pf.Kind != "" && pf.Kind != "Project" {
		return nil, fmt.Errorf("%s: kind must be Project (got %q)", path, pf.Kind)
	}
	if pf.APIVersion != "" && pf.APIVersion != apiVersion {
		return nil, fmt.Errorf("%s: apiVersion must be %s (got %q)", path, apiVersion, pf.APIVersion)
	}
	if pf.Defaults.Hooks != nil {
		if err := validateHooks(*pf.Defaults.Hooks, path+": defaults.hooks"); err != nil {
			return nil, err
		}
	}
	for name, profile := range pf.Profiles {
		if profile.Defaults.Hooks != nil {
			if err := validateHooks(*profile.Defaults.Hooks, fmt.Sprintf("%s: profiles.%s.defaults.hooks", path, name)); err != nil {
				return nil, err
			}
		}
	}
	return &pf, nil
}

// requireDefaultsOnly rejects subdirectory project.yaml files that try to
// carry anything beyond cascading defaults.
func requireDefaultsOnly(path string, pf *ProjectFile) error {
	if strings.TrimSpace(pf.Name) != "" {
		return fmt.Errorf("%s: name is only allowed in the root project.yaml", path)
	}
	if strings.TrimSpace(pf.DefaultProfile) != "" {
		return fmt.Errorf("%s: defaultProfile is only allowed in the root project.yaml", path)
	}
	if len(pf.Profiles) > 0 {
		return fmt.Errorf("%s: profiles are only allowed in the root project.yaml", path)
	}
	empty := RunnerConfig{}
	if pf.Runner != empty {
		return fmt.Errorf("%s: runner settings are only allowed in the root project.yaml", path)
	}
	if pf.Resolvers.Vault != nil {
		return fmt.Errorf("%s: resolver settings are only allowed in the root project.yaml", path)
	}
	return nil
}

func readStackSpecFile(path string) (*StackSpecFile, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var sf StackSpecFile
	if err := yaml.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if sf.Kind != "" && sf.Kind != "Stack" {
		return nil, fmt.Errorf("%s: kind must be Stack (got %q)", path, sf.Kind)
	}
	if sf.APIVersion != "" && sf.APIVersion != apiVersion {
		return nil, fmt.Errorf("%s: apiVersion must be %s (got %q)", path, apiVersion, sf.APIVersion)
	}
	if strings.TrimSpace(sf.Template) == "" {
		return nil, errors.New(path + ": template is required")
	}
	if sf.Hooks != nil {
		if err := validateHooks(*sf.Hooks, path+": hooks"); err != nil {
			return nil, err
		}
	}
	return &sf, nil
}

func samePath(a, b string) bool {
	aa, _ := filepath.Abs(a)
	bb, _ := filepath.Abs(b)
	return filepath.Clean(aa) == filepath.Clean(bb)
}
