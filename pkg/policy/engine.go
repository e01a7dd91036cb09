package policy

import (
	"context"
	"fmt"
	"os/user"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/open-policy-agent/opa/storage"
	"github.com/open-policy-agent/opa/storage/inmem"
	"github.com/rs/zerolog"

	"github.com/metasim/metasim/pkg/config"
	"github.com/metasim/metasim/pkg/engine"
)

// Engine evaluates Rego admission policies against classified plans.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	store    storage.Store
	logger   zerolog.Logger
	limits   Limits
	paths    []string
	loader   *Loader

	// disabled names survive reloads of the policy files.
	disabled map[string]bool
}

type compiledPolicy struct {
	policy *Policy
	query  rego.PreparedEvalQuery
}

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		store:    inmem.New(),
		disabled: make(map[string]bool),
		logger:   logger.With().Str("component", "policy-engine").Logger(),
	}
	e.loader = NewLoader(e.logger)

	if err := e.reset(context.Background(), nil); err != nil {
		return nil, err
	}
	return e, nil
}

// SetLimits sets the site limits exposed to policies as input.limits.
func (e *Engine) SetLimits(limits Limits) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.limits = limits
}

// Admit evaluates every enabled policy against plan. Blocking violations reject the
// plan with a POLICY_DENIED configuration error; the other messages are returned.
func (e *Engine) Admit(ctx context.Context, plan *config.Plan) ([]string, error) {
	result, err := e.Evaluate(ctx, plan, "run")
	if err != nil {
		return nil, err
	}

	warnings := make([]string, 0, len(result.Warnings))
	for _, w := range result.Warnings {
		warnings = append(warnings, fmt.Sprintf("%s: %s", w.Policy, w.Message))
	}
	if result.Allowed {
		return warnings, nil
	}

	messages := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		messages = append(messages, fmt.Sprintf("%s: %s", v.Policy, v.Message))
	}
	return warnings, engine.NewConfigurationError(
		fmt.Sprintf("plan rejected by policy: %s", strings.Join(messages, "; ")), nil).
		WithCode(engine.ErrCodePolicyDenied).
		WithDetail("violations", messages)
}

// Evaluate evaluates every enabled policy against plan.
func (e *Engine) Evaluate(ctx context.Context, plan *config.Plan, operation string) (*Result, error) {
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	input := &Input{
		Plan:   Summarize(plan),
		Limits: e.limits,
		Context: Context{
			User:      currentUser(),
			Operation: operation,
			Timestamp: startTime,
		},
	}

	result := &Result{Allowed: true}
	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled || e.disabled[name] {
			continue
		}
		result.EvaluatedPolicies = append(result.EvaluatedPolicies, name)

		deny, warn, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			e.logger.Warn().Err(err).Str("policy", name).Msg("policy evaluation failed, reported as a warning")
			result.Warnings = append(result.Warnings, Violation{
				Policy:   name,
				Message:  fmt.Sprintf("evaluation failed: %v", err),
				Severity: SeverityWarning,
			})
			continue
		}

		for _, v := range deny {
			if v.Severity.Blocks() {
				result.Allowed = false
				result.Violations = append(result.Violations, v)
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
		result.Warnings = append(result.Warnings, warn...)
	}

	result.Duration = time.Since(startTime)
	e.logger.Debug().
		Str("experiment", plan.Settings.Name).
		Strs("policies", result.EvaluatedPolicies).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("plan evaluated")

	return result, nil
}

// evaluatePolicy runs the prepared query of one policy and splits its deny and warn sets.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *Input) (deny, warn []Violation, err error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		doc, ok := result.Expressions[0].Value.(map[string]interface{})
		if !ok {
			continue
		}
		for _, d := range asSlice(doc["deny"]) {
			deny = append(deny, createViolation(cp.policy, d, cp.policy.Severity))
		}
		for _, w := range asSlice(doc["warn"]) {
			warn = append(warn, createViolation(cp.policy, w, SeverityWarning))
		}
	}
	return deny, warn, nil
}

func asSlice(v interface{}) []interface{} {
	s, _ := v.([]interface{})
	return s
}

// packageOf returns the package path declared by a Rego module.
func packageOf(module *ast.Module) string {
	return strings.TrimPrefix(module.Package.Path.String(), "data.")
}

// createViolation turns a member of a deny or warn set into a Violation. A
// member is a string or an object with "message" and optional "severity"
// and "output" fields.
func createViolation(policy *Policy, member interface{}, severity Severity) Violation {
	v := Violation{Policy: policy.Name, Severity: severity}
	switch m := member.(type) {
	case string:
		v.Message = m
	case map[string]interface{}:
		v.Message, _ = m["message"].(string)
		if sev, ok := m["severity"].(string); ok {
			v.Severity = Severity(sev)
		}
		v.Output, _ = m["output"].(string)
	default:
		v.Message = fmt.Sprint(member)
	}
	return v
}

// compile parses and prepares policy, then registers it. Callers hold e.mu.
func (e *Engine) compile(ctx context.Context, policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("policy %s: %w", policy.Name, err)
	}
	query, err := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Store(e.store),
		rego.Query("data."+packageOf(module)),
	).PrepareForEval(ctx)
	if err != nil {
		return fmt.Errorf("policy %s: %w", policy.Name, err)
	}

	e.policies[policy.Name] = &compiledPolicy{policy: policy, query: query}
	e.logger.Debug().Str("policy", policy.Name).Str("package", packageOf(module)).Msg("policy compiled")
	return nil
}

func (e *Engine) compileAll(ctx context.Context, policies []Policy) error {
	for i := range policies {
		if err := e.compile(ctx, &policies[i]); err != nil {
			return err
		}
	}
	return nil
}

// reset replaces every policy with the built-ins plus files. Callers hold e.mu
// or own e exclusively.
func (e *Engine) reset(ctx context.Context, files []Policy) error {
	e.policies = make(map[string]*compiledPolicy)
	if err := e.compileAll(ctx, GetBuiltinPolicies()); err != nil {
		return fmt.Errorf("built-in policies: %w", err)
	}
	return e.compileAll(ctx, files)
}

// AddPolicy compiles and registers one policy, replacing any policy with the same name.
func (e *Engine) AddPolicy(ctx context.Context, policy Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.compile(ctx, &policy)
}

// LoadPolicies loads .rego and .json policy files from paths, in addition
// to the policies already registered.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.compileAll(ctx, policies); err != nil {
		return err
	}
	e.paths = append(e.paths, paths...)
	e.logger.Info().Int("count", len(policies)).Strs("paths", paths).Msg("policies loaded")
	return nil
}

// ReloadPolicies rebuilds the policy set from the built-ins and the files
// of every path given to LoadPolicies. Removed files drop their policies.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()

	e.loader.ClearCache()
	policies, err := e.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	return e.replace(ctx, policies)
}

// replace swaps in a new file policy set, keeping the old one on error.
func (e *Engine) replace(ctx context.Context, files []Policy) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	previous := e.policies
	if err := e.reset(ctx, files); err != nil {
		e.policies = previous
		return err
	}
	return nil
}

// Watch reloads the policy files whenever one of them changes, until ctx is done.
func (e *Engine) Watch(ctx context.Context) error {
	e.mu.RLock()
	paths := append([]string(nil), e.paths...)
	e.mu.RUnlock()
	if len(paths) == 0 {
		return nil
	}
	return e.loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.replace(ctx, policies)
	})
}

// Close stops watching policy files.
func (e *Engine) Close() error {
	return e.loader.StopWatching()
}

// GetPolicy returns the policy registered under name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	if !ok {
		return nil, fmt.Errorf("unknown policy %q", name)
	}
	p := *cp.policy
	p.Enabled = p.Enabled && !e.disabled[name]
	return &p, nil
}

// ListPolicies returns every registered policy ordered by name. Enabled
// reflects DisablePolicy.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		p := *e.policies[name].policy
		p.Enabled = p.Enabled && !e.disabled[name]
		out = append(out, p)
	}
	return out
}

// EnablePolicy re-enables a policy turned off by DisablePolicy.
func (e *Engine) EnablePolicy(name string) error {
	return e.setDisabled(name, false)
}

// DisablePolicy skips a policy in later evaluations, including after reloads.
func (e *Engine) DisablePolicy(name string) error {
	return e.setDisabled(name, true)
}

func (e *Engine) setDisabled(name string, disabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.policies[name]; !ok {
		return fmt.Errorf("unknown policy %q", name)
	}
	if disabled {
		e.disabled[name] = true
	} else {
		delete(e.disabled, name)
	}
	return nil
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func currentUser() string {
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}
