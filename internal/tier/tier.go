// Package tier holds the static mapping from subscription tier names to quota
// limits and enabled features. Policies are loaded once at startup and are
// immutable afterwards, so lookups need no synchronization.
package tier

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
)

// Unlimited marks a per-period quota with no cap.
const Unlimited int64 = -1

// ErrUnknown indicates a tier name that does not resolve in the registry.
var ErrUnknown = errors.New("tier: unknown tier")

// Policy describes the grants of one subscription tier.
type Policy struct {
	Name           string   `json:"name"`
	PeriodQuota    int64    `json:"period_quota"`
	ConcurrentJobs int      `json:"concurrent_jobs"`
	Features       []string `json:"features"`
}

// HasFeature reports whether the tier enables the named feature.
func (p Policy) HasFeature(name string) bool {
	for _, f := range p.Features {
		if f == name {
			return true
		}
	}
	return false
}

// Registry resolves tier names to policies.
type Registry struct {
	policies map[string]Policy
	fallback string
}

// Builtin tiers for the document-processing platform. A JSON policy file can
// replace the whole set via LoadFile.
func builtinPolicies() []Policy {
	return []Policy{
		{Name: "free", PeriodQuota: 25, ConcurrentJobs: 1, Features: []string{"ocr"}},
		{Name: "starter", PeriodQuota: 500, ConcurrentJobs: 2, Features: []string{"ocr", "export"}},
		{Name: "pro", PeriodQuota: 5000, ConcurrentJobs: 8, Features: []string{"ocr", "export", "llm_extract", "invoice_post"}},
		{Name: "enterprise", PeriodQuota: Unlimited, ConcurrentJobs: 32, Features: []string{"ocr", "export", "llm_extract", "invoice_post", "priority_queue"}},
	}
}

// NewRegistry builds a registry from the builtin tier set.
func NewRegistry() *Registry {
	r, err := newRegistry(builtinPolicies())
	if err != nil {
		panic(err) // builtins are statically valid
	}
	return r
}

// LoadFile builds a registry from a JSON array of policies, replacing the
// builtin set entirely.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("tier: read policy file: %w", err)
	}
	var policies []Policy
	if err := json.Unmarshal(data, &policies); err != nil {
		return nil, fmt.Errorf("tier: parse policy file: %w", err)
	}
	return newRegistry(policies)
}

func newRegistry(policies []Policy) (*Registry, error) {
	if len(policies) == 0 {
		return nil, errors.New("tier: at least one policy is required")
	}
	r := &Registry{policies: make(map[string]Policy, len(policies))}
	for _, p := range policies {
		name := strings.ToLower(strings.TrimSpace(p.Name))
		if name == "" {
			return nil, errors.New("tier: policy with empty name")
		}
		if _, dup := r.policies[name]; dup {
			return nil, fmt.Errorf("tier: duplicate policy %q", name)
		}
		if p.PeriodQuota < 0 && p.PeriodQuota != Unlimited {
			return nil, fmt.Errorf("tier: policy %q has invalid quota %d", name, p.PeriodQuota)
		}
		p.Name = name
		r.policies[name] = p
		if r.fallback == "" || moreRestrictive(p, r.policies[r.fallback]) {
			r.fallback = name
		}
	}
	return r, nil
}

// moreRestrictive orders policies by period quota, treating Unlimited as the
// loosest possible grant.
func moreRestrictive(a, b Policy) bool {
	qa, qb := a.PeriodQuota, b.PeriodQuota
	if qa == Unlimited {
		return false
	}
	if qb == Unlimited {
		return true
	}
	return qa < qb
}

// Resolve returns the policy for a tier name, failing with ErrUnknown when the
// name is not registered. Used at issuance time where an unrecognized tier is
// rejected outright.
func (r *Registry) Resolve(name string) (Policy, error) {
	p, ok := r.policies[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Policy{}, fmt.Errorf("%w: %q", ErrUnknown, name)
	}
	return p, nil
}

// Lookup returns the policy for a tier name. Unknown names resolve to the most
// restrictive registered policy instead of failing, so a record carrying a
// stale tier name still gets the tightest quota rather than an error or an
// unlimited grant.
func (r *Registry) Lookup(name string) Policy {
	if p, err := r.Resolve(name); err == nil {
		return p
	}
	return r.policies[r.fallback]
}

// Fallback returns the name of the most restrictive registered tier.
func (r *Registry) Fallback() string {
	return r.fallback
}

// Policies returns all registered policies ordered by name.
func (r *Registry) Policies() []Policy {
	out := make([]Policy, 0, len(r.policies))
	for _, p := range r.policies {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
