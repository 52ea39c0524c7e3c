// Package celrule provides a small cached CEL evaluator shared by the
// Flow Validator's version/merge-feasibility rules and the Merge
// Coordinator's field-level conflict resolution, so both compile against
// the same "producer/consumer/context" variable environment instead of
// duplicating the cel.Env setup.
//
// Grounded on the reference's governance.CELPolicyEvaluator, which
// compiles and caches a "Constitution" of declarative rules against a
// dynamic input map the same way.
package celrule

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Engine compiles and caches CEL programs against a fixed environment of
// two dynamic inputs, "producer" and "consumer", plus a "context" map for
// ancillary data (branch, merge config, etc).
type Engine struct {
	env   *cel.Env
	mu    sync.RWMutex
	cache map[string]cel.Program
}

// New builds an Engine with the standard producer/consumer/context
// environment.
func New() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("producer", cel.DynType),
		cel.Variable("consumer", cel.DynType),
		cel.Variable("context", cel.DynType),
	)
	if err != nil {
		return nil, fmt.Errorf("celrule: failed to create CEL environment: %w", err)
	}
	return &Engine{env: env, cache: make(map[string]cel.Program)}, nil
}

func (e *Engine) program(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, ok := e.cache[expr]
	e.mu.RUnlock()
	if ok {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, ok := e.cache[expr]; ok {
		return prg, nil
	}

	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("celrule: rule %q failed to compile: %w", expr, issues.Err())
	}
	prg, err := e.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("celrule: rule %q failed to plan: %w", expr, err)
	}
	e.cache[expr] = prg
	return prg, nil
}

// Eval runs expr against the given producer/consumer/context maps and
// interprets the result as a boolean.
func (e *Engine) Eval(expr string, producer, consumer, context map[string]any) (bool, error) {
	prg, err := e.program(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(map[string]any{
		"producer": producer,
		"consumer": consumer,
		"context":  context,
	})
	if err != nil {
		return false, fmt.Errorf("celrule: rule %q evaluation error: %w", expr, err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("celrule: rule %q did not evaluate to a boolean", expr)
	}
	return b, nil
}

// EvalValue runs expr and returns its raw result without a boolean cast,
// for rules that compute a value (e.g. field-level conflict resolution
// picking a branch name) rather than a predicate.
func (e *Engine) EvalValue(expr string, producer, consumer, context map[string]any) (any, error) {
	prg, err := e.program(expr)
	if err != nil {
		return nil, err
	}
	out, _, err := prg.Eval(map[string]any{
		"producer": producer,
		"consumer": consumer,
		"context":  context,
	})
	if err != nil {
		return nil, fmt.Errorf("celrule: rule %q evaluation error: %w", expr, err)
	}
	return out.Value(), nil
}
