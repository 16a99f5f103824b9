package resolver

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Provider resolves one reference argument into a plain string value.
type Provider interface {
	Resolve(ctx context.Context, arg string) (string, error)
}

// Registry maps resolver names to providers. Custom resolvers register
// under their own name and are addressed as ref://<name>/<arg>.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]Provider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]Provider{}}
}

// Register adds a provider under name. Registering a name twice is an
// error so a custom resolver cannot silently shadow a built-in.
func (reg *Registry) Register(name string, p Provider) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("resolver name cannot be empty")
	}
	if p == nil {
		return fmt.Errorf("resolver %q has no provider", name)
	}
	reg.mu.Lock()
	defer reg.mu.Unlock()
	if _, ok := reg.providers[name]; ok {
		return fmt.Errorf("resolver %q is already registered", name)
	}
	reg.providers[name] = p
	return nil
}

func (reg *Registry) Provider(name string) (Provider, bool) {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	p, ok := reg.providers[name]
	return p, ok
}

// Names lists registered resolver names, sorted.
func (reg *Registry) Names() []string {
	reg.mu.RLock()
	defer reg.mu.RUnlock()
	names := make([]string, 0, len(reg.providers))
	for name := range reg.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// AuditEntry records one reference that was resolved during a run.
type AuditEntry struct {
	Resolver  string
	Arg       string
	Reference string
}

// Resolver evaluates references against a registry. Resolved values are
// cached per resolver+arg so repeated references hit the backend once.
// Safe for concurrent use.
type Resolver struct {
	registry *Registry

	mu    sync.Mutex
	cache map[string]string
	seen  map[string]struct{}
	audit []AuditEntry
}

func New(registry *Registry) *Resolver {
	return &Resolver{
		registry: registry,
		cache:    map[string]string{},
		seen:     map[string]struct{}{},
	}
}

// ResolveValues walks an arbitrary values tree and replaces references in
// place. Non-reference values pass through untouched.
func (r *Resolver) ResolveValues(ctx context.Context, values interface{}) error {
	if r == nil {
		return nil
	}
	_, err := r.resolveValue(ctx, values)
	return err
}

func (r *Resolver) resolveValue(ctx context.Context, value interface{}) (interface{}, error) {
	switch typed := value.(type) {
	case map[string]interface{}:
		for k, v := range typed {
			resolved, err := r.resolveValue(ctx, v)
			if err != nil {
				return nil, err
			}
			typed[k] = resolved
		}
		return typed, nil
	case map[interface{}]interface{}:
		for k, v := range typed {
			resolved, err := r.resolveValue(ctx, v)
			if err != nil {
				return nil, err
			}
			typed[k] = resolved
		}
		return typed, nil
	case []interface{}:
		for i, v := range typed {
			resolved, err := r.resolveValue(ctx, v)
			if err != nil {
				return nil, err
			}
			typed[i] = resolved
		}
		return typed, nil
	case string:
		resolved, replaced, err := r.ResolveString(ctx, typed)
		if err != nil {
			return nil, err
		}
		if replaced {
			return resolved, nil
		}
		return typed, nil
	default:
		return value, nil
	}
}

// ResolveString resolves value if it is a reference. The second return
// reports whether a replacement happened.
func (r *Resolver) ResolveString(ctx context.Context, value string) (string, bool, error) {
	ref, ok, err := ParseRef(value)
	if !ok {
		return value, false, nil
	}
	if err != nil {
		return "", false, err
	}
	if r == nil {
		return "", false, fmt.Errorf("reference resolver is not configured")
	}
	val, err := r.resolveRef(ctx, ref)
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (r *Resolver) resolveRef(ctx context.Context, ref Ref) (string, error) {
	key := ref.Resolver + "|" + ref.Arg
	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.recordLocked(ref)
		r.mu.Unlock()
		return cached, nil
	}
	r.mu.Unlock()

	provider, ok := r.registry.Provider(ref.Resolver)
	if !ok {
		return "", fmt.Errorf("resolver %q is not registered", ref.Resolver)
	}
	// Backend call happens outside the lock. Two workers racing on the
	// same uncached ref fetch twice, which is harmless.
	val, err := provider.Resolve(ctx, ref.Arg)
	if err != nil {
		return "", err
	}
	r.mu.Lock()
	r.cache[key] = val
	r.recordLocked(ref)
	r.mu.Unlock()
	return val, nil
}

func (r *Resolver) recordLocked(ref Ref) {
	key := ref.Resolver + "|" + ref.Arg
	if _, ok := r.seen[key]; ok {
		return
	}
	r.seen[key] = struct{}{}
	r.audit = append(r.audit, AuditEntry{
		Resolver:  ref.Resolver,
		Arg:       ref.Arg,
		Reference: ref.String(),
	})
}

// Audit returns a sorted copy of the references resolved so far.
func (r *Resolver) Audit() []AuditEntry {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	entries := append([]AuditEntry(nil), r.audit...)
	r.mu.Unlock()
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Resolver != entries[j].Resolver {
			return entries[i].Resolver < entries[j].Resolver
		}
		return entries[i].Arg < entries[j].Arg
	})
	return entries
}

// Ref is a parsed ref:// reference.
type Ref struct {
	Resolver string
	Arg      string
	Raw      string
}

func (r Ref) String() string {
	return "ref://" + r.Resolver + "/" + r.Arg
}

const refPrefix = "ref://"

// IsRef reports whether value looks like a reference without parsing it.
func IsRef(value string) bool {
	return strings.HasPrefix(value, refPrefix)
}

// ParseRef detects and parses ref://<resolver>/<arg> strings. Returns
// ok=false when value is not a reference at all.
func ParseRef(value string) (Ref, bool, error) {
	if !strings.HasPrefix(value, refPrefix) {
		return Ref{}, false, nil
	}
	rest := strings.TrimPrefix(value, refPrefix)
	if strings.TrimSpace(rest) == "" {
		return Ref{}, true, fmt.Errorf("reference %q is missing resolver name", value)
	}
	parts := strings.SplitN(rest, "/", 2)
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return Ref{}, true, fmt.Errorf("reference %q is missing resolver name", value)
	}
	if len(parts) == 1 || strings.TrimSpace(parts[1]) == "" {
		return Ref{}, true, fmt.Errorf("reference %q is missing an argument", value)
	}
	return Ref{Resolver: name, Arg: parts[1], Raw: value}, true, nil
}

// FindRefs returns the raw references found anywhere in a values tree.
// Values are not evaluated; this is a static scan.
func FindRefs(values interface{}) []string {
	var refs []string
	scanRefs(values, &refs)
	return refs
}

func scanRefs(value interface{}, out *[]string) {
	switch typed := value.(type) {
	case map[string]interface{}:
		for _, v := range typed {
			scanRefs(v, out)
		}
	case map[interface{}]interface{}:
		for _, v := range typed {
			scanRefs(v, out)
		}
	case []interface{}:
		for _, v := range typed {
			scanRefs(v, out)
		}
	case string:
		if IsRef(typed) {
			*out = append(*out, typed)
		}
	}
}
