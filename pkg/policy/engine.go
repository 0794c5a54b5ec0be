package policy

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"github.com/rs/zerolog"
)

// Engine evaluates Rego policies against commands.
type Engine struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	logger          zerolog.Logger
	builtinPolicies []Policy
	paths           []string
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	query    rego.PreparedEvalQuery
	compiled time.Time
}

// NewEngine creates a new policy engine with the built-in policies loaded.
func NewEngine(logger zerolog.Logger) (*Engine, error) {
	e := &Engine{
		policies:        make(map[string]*compiledPolicy),
		logger:          logger.With().Str("component", "policy-engine").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}

	// Load built-in policies
	if err := e.loadBuiltinPolicies(context.Background()); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}

	return e, nil
}

// EvaluateCommand evaluates every enabled policy against one command.
// Policies that fail to evaluate are reported in Errors and make the result
// disallowed.
func (e *Engine) EvaluateCommand(ctx context.Context, input *PolicyInput) (*PolicyResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	startTime := time.Now()
	e.mu.RLock()
	defer e.mu.RUnlock()

	if input.Context == nil {
		input.Context = &PolicyContext{Timestamp: startTime, Operation: "execute"}
	}
	doc := inputDocument(input)

	result := &PolicyResult{
		Allowed:           true,
		EvaluatedPolicies: make([]string, 0, len(e.policies)),
	}

	for _, name := range e.sortedNames() {
		cp := e.policies[name]
		if !cp.policy.Enabled {
			continue
		}

		result.EvaluatedPolicies = append(result.EvaluatedPolicies, cp.policy.Name)

		violations, err := e.evaluatePolicy(ctx, cp, doc, input)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			e.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Msg("Policy evaluation failed")
			result.Errors = append(result.Errors, fmt.Sprintf("Policy %s evaluation failed: %v", cp.policy.Name, err))
			result.Allowed = false
			continue
		}

		for i := range violations {
			if violations[i].Severity.Blocking() {
				result.Violations = append(result.Violations, violations[i])
			} else if violations[i].Severity == SeverityWarning {
				result.Warnings = append(result.Warnings, violations[i])
			}
		}
	}

	if len(result.Violations) > 0 {
		result.Allowed = false
	}
	sortBySeverity(result.Violations)
	sortBySeverity(result.Warnings)

	result.EvaluatedAt = time.Now()
	result.Duration = time.Since(startTime)

	e.logger.Debug().
		Str("command", input.Command).
		Bool("allowed", result.Allowed).
		Int("violations", len(result.Violations)).
		Int("warnings", len(result.Warnings)).
		Dur("duration", result.Duration).
		Msg("Command policy evaluation completed")

	return result, nil
}

func inputDocument(input *PolicyInput) map[string]interface{} {
	doc := map[string]interface{}{
		"command":     input.Command,
		"placeholder": input.Placeholder,
	}
	if input.Context != nil {
		doc["context"] = map[string]interface{}{
			"user":      input.Context.User,
			"operation": input.Context.Operation,
			"timestamp": input.Context.Timestamp.Format(time.RFC3339Nano),
			"metadata":  input.Context.Metadata,
		}
	}
	return doc
}

func sortBySeverity(violations []PolicyViolation) {
	sort.SliceStable(violations, func(i, j int) bool {
		return violations[i].Severity.rank() > violations[j].Severity.rank()
	})
}

func (e *Engine) sortedNames() []string {
	names := make([]string, 0, len(e.policies))
	for name := range e.policies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// LoadPolicies loads policy files in addition to the built-in policies.
func (e *Engine) LoadPolicies(ctx context.Context, paths []string) error {
	loader := NewLoader(e.logger)
	policies, err := loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	if err := e.ReplaceCustomPolicies(ctx, policies); err != nil {
		return err
	}

	e.mu.Lock()
	e.paths = append([]string(nil), paths...)
	e.mu.Unlock()
	return nil
}

// ReplaceCustomPolicies swaps the set of non-built-in policies. Nothing
// changes when any policy fails to compile.
func (e *Engine) ReplaceCustomPolicies(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for i := range policies {
		if policies[i].Builtin {
			continue
		}
		cp, err := compilePolicy(ctx, &policies[i])
		if err != nil {
			e.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
		compiled[policies[i].Name] = cp
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	for name, cp := range e.policies {
		if !cp.policy.Builtin {
			delete(e.policies, name)
		}
	}
	for name, cp := range compiled {
		if existing, ok := e.policies[name]; ok && existing.policy.Builtin {
			e.logger.Warn().Str("policy", name).Msg("Custom policy shadows a built-in policy")
		}
		e.policies[name] = cp
	}

	e.logger.Info().
		Int("count", len(compiled)).
		Msg("Policies loaded successfully")

	return nil
}

// evaluatePolicy evaluates a single compiled policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, doc map[string]interface{}, input *PolicyInput) ([]PolicyViolation, error) {
	results, err := cp.query.Eval(ctx, rego.EvalInput(doc))
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []PolicyViolation

	// Process results
	for _, result := range results {
		if len(result.Expressions) > 0 {
			// The result should be a set of violations
			if denySet, ok := result.Expressions[0].Value.([]interface{}); ok {
				for _, d := range denySet {
					violations = append(violations, createViolation(cp.policy, d, input))
				}
			}
		}
	}

	return violations, nil
}

// createViolation creates a PolicyViolation from policy result.
func createViolation(policy *Policy, result interface{}, input *PolicyInput) PolicyViolation {
	violation := PolicyViolation{
		Policy:   policy.Name,
		Command:  input.Command,
		Severity: policy.Severity,
	}

	// Extract message from result
	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(strings.ToLower(sev))
		}
		for k, val := range v {
			if k == "message" || k == "severity" {
				continue
			}
			if violation.Details == nil {
				violation.Details = make(map[string]interface{})
			}
			violation.Details[k] = val
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}

	return violation
}

// compilePolicy parses a policy and prepares its deny query.
func compilePolicy(ctx context.Context, policy *Policy) (*compiledPolicy, error) {
	// Parse the Rego module
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return nil, fmt.Errorf("failed to parse policy: %w", err)
	}

	r := rego.New(
		rego.Module(policy.Name, policy.Rego),
		rego.Query(module.Package.Path.String()+".deny"),
	)

	// Prepare the query for reuse
	query, err := r.PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to prepare query: %w", err)
	}

	return &compiledPolicy{
		policy:   policy,
		module:   module,
		query:    query,
		compiled: time.Now(),
	}, nil
}

// loadBuiltinPolicies loads the built-in policies.
func (e *Engine) loadBuiltinPolicies(ctx context.Context) error {
	for i := range e.builtinPolicies {
		cp, err := compilePolicy(ctx, &e.builtinPolicies[i])
		if err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", e.builtinPolicies[i].Name, err)
		}
		e.policies[e.builtinPolicies[i].Name] = cp
	}

	e.logger.Info().
		Int("count", len(e.builtinPolicies)).
		Msg("Built-in policies loaded")

	return nil
}

// GetPolicy returns a policy by name.
func (e *Engine) GetPolicy(name string) (*Policy, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	cp, exists := e.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}

	p := *cp.policy
	return &p, nil
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()

	policies := make([]Policy, 0, len(e.policies))
	for _, name := range e.sortedNames() {
		policies = append(policies, *e.policies[name].policy)
	}

	return policies
}

// ReloadPolicies recompiles the built-in policies and reloads custom policies
// from the paths last passed to LoadPolicies.
func (e *Engine) ReloadPolicies(ctx context.Context) error {
	e.mu.Lock()
	e.policies = make(map[string]*compiledPolicy)
	err := e.loadBuiltinPolicies(ctx)
	paths := e.paths
	e.mu.Unlock()
	if err != nil {
		return err
	}

	if len(paths) == 0 {
		return nil
	}
	return e.LoadPolicies(ctx, paths)
}

// Watch reloads custom policies from paths whenever a file under them
// changes. It stops when ctx is done.
func (e *Engine) Watch(ctx context.Context, paths []string) (*Loader, error) {
	loader := NewLoader(e.logger)
	err := loader.Watch(ctx, paths, func(policies []Policy) error {
		return e.ReplaceCustomPolicies(ctx, policies)
	})
	if err != nil {
		return nil, err
	}
	return loader, nil
}

// EnablePolicy enables a policy by name.
func (e *Engine) EnablePolicy(name string) error {
	return e.setEnabled(name, true)
}

// DisablePolicy disables a policy by name.
func (e *Engine) DisablePolicy(name string) error {
	return e.setEnabled(name, false)
}

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	cp, exists := e.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}

	cp.policy.Enabled = enabled
	if enabled {
		e.logger.Info().Str("policy", name).Msg("Policy enabled")
	} else {
		e.logger.Info().Str("policy", name).Msg("Policy disabled")
	}

	return nil
}

// Logger returns the engine's logger.
func (e *Engine) Logger() zerolog.Logger {
	return e.logger
}
