// Package policy evaluates launch URLs against the partner URL policy using OPA.
package policy

import (
	"context"
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/open-policy-agent/opa/rego"
)

// Options are the data the launch policy is evaluated against.
type Options struct {
	AllowedHosts  []string
	AllowInsecure bool
}

// Engine is the OPA policy engine.
type Engine struct {
	query rego.PreparedEvalQuery
	opts  Options
}

// NewEngine creates a new policy engine with the given policy content.
// An empty policyContent uses DefaultPolicy.
func NewEngine(ctx context.Context, policyContent string, opts Options) (*Engine, error) {
	if strings.TrimSpace(policyContent) == "" {
		policyContent = DefaultPolicy
	}
	r := rego.New(
		rego.Query("data.launch_policy.deny"),
		rego.Module("launch_policy.rego", policyContent),
	)

	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare rego: %w", err)
	}

	hosts := make([]string, 0, len(opts.AllowedHosts))
	for _, h := range opts.AllowedHosts {
		if h = strings.ToLower(strings.TrimSpace(h)); h != "" {
			hosts = append(hosts, h)
		}
	}
	opts.AllowedHosts = hosts
	return &Engine{query: query, opts: opts}, nil
}

// Evaluate checks the named URLs and returns the reasons they are denied.
// An empty result means every URL is acceptable.
func (e *Engine) Evaluate(ctx context.Context, urls map[string]string) ([]string, error) {
	var reasons []string
	parsed := make(map[string]interface{}, len(urls))
	for name, raw := range urls {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || u.Scheme == "" || u.Host == "" {
			reasons = append(reasons, fmt.Sprintf("%s is not an absolute URL", name))
			continue
		}
		parsed[name] = map[string]interface{}{
			"scheme": strings.ToLower(u.Scheme),
			"host":   strings.ToLower(u.Hostname()),
		}
	}
	if len(reasons) > 0 {
		sort.Strings(reasons)
		return reasons, nil
	}

	hosts := make([]interface{}, 0, len(e.opts.AllowedHosts))
	for _, h := range e.opts.AllowedHosts {
		hosts = append(hosts, h)
	}
	input := map[string]interface{}{
		"urls":           parsed,
		"allowed_hosts":  hosts,
		"allow_insecure": e.opts.AllowInsecure,
	}

	results, err := e.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, fmt.Errorf("failed to evaluate policy: %w", err)
	}
	if len(results) == 0 || len(results[0].Expressions) == 0 {
		return nil, nil
	}

	switch v := results[0].Expressions[0].Value.(type) {
	case []interface{}:
		for _, item := range v {
			if s, ok := item.(string); ok {
				reasons = append(reasons, s)
			}
		}
	default:
		return nil, fmt.Errorf("unexpected policy result type %T", v)
	}
	sort.Strings(reasons)
	return reasons, nil
}

// DefaultPolicy requires https (unless insecure URLs are allowed) and, when an
// allow-list is configured, a host on it. "*.example.com" matches subdomains.
const DefaultPolicy = `
package launch_policy

import rego.v1

deny contains msg if {
	some name, u in input.urls
	not scheme_allowed(u.scheme)
	msg := sprintf("%s must use https", [name])
}

deny contains msg if {
	count(input.allowed_hosts) > 0
	some name, u in input.urls
	not host_allowed(u.host)
	msg := sprintf("%s host %s is not allowed", [name, u.host])
}

scheme_allowed(s) if s == "https"

scheme_allowed(s) if {
	s == "http"
	input.allow_insecure
}

host_allowed(h) if {
	some allowed in input.allowed_hosts
	h == allowed
}

host_allowed(h) if {
	some allowed in input.allowed_hosts
	startswith(allowed, "*.")
	endswith(h, substring(allowed, 1, -1))
}
`
