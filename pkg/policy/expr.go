// Package policy holds the emission filter applied before the gate: a
// category allowlist and an optional CEL expression over the request.
package policy

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
)

// Input is the activation exposed to expressions.
type Input struct {
	Category   string
	Text       string
	Confidence float64
	Severity   string
	Source     string
	GateKey    string
	ThreadID   string
	AlertKind  string
}

func (in Input) activation() map[string]any {
	return map[string]any{
		"category":   in.Category,
		"text":       in.Text,
		"confidence": in.Confidence,
		"severity":   in.Severity,
		"source":     in.Source,
		"gate_key":   in.GateKey,
		"thread_id":  in.ThreadID,
		"alert_kind": in.AlertKind,
	}
}

// Evaluator compiles and caches CEL expressions over Input.
type Evaluator struct {
	env      *cel.Env
	prgCache map[string]cel.Program
	mu       sync.RWMutex
}

// NewEvaluator creates an evaluator with the request variables declared.
func NewEvaluator() (*Evaluator, error) {
	env, err := cel.NewEnv(
		cel.Variable("category", cel.StringType),
		cel.Variable("text", cel.StringType),
		cel.Variable("confidence", cel.DoubleType),
		cel.Variable("severity", cel.StringType),
		cel.Variable("source", cel.StringType),
		cel.Variable("gate_key", cel.StringType),
		cel.Variable("thread_id", cel.StringType),
		cel.Variable("alert_kind", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &Evaluator{
		env:      env,
		prgCache: make(map[string]cel.Program),
	}, nil
}

// Compile checks expr and caches its program.
func (e *Evaluator) Compile(expr string) (cel.Program, error) {
	e.mu.RLock()
	prg, hit := e.prgCache[expr]
	e.mu.RUnlock()
	if hit {
		return prg, nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if prg, hit = e.prgCache[expr]; hit {
		return prg, nil
	}
	ast, issues := e.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile: %w", issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("compile: expression must return bool, got %s", ast.OutputType())
	}
	p, err := e.env.Program(ast,
		cel.InterruptCheckFrequency(100),
		cel.CostLimit(10000),
	)
	if err != nil {
		return nil, fmt.Errorf("program: %w", err)
	}
	e.prgCache[expr] = p
	return p, nil
}

// Evaluate runs expr against in.
func (e *Evaluator) Evaluate(expr string, in Input) (bool, error) {
	prg, err := e.Compile(expr)
	if err != nil {
		return false, err
	}
	out, _, err := prg.Eval(in.activation())
	if err != nil {
		return false, fmt.Errorf("eval: %w", err)
	}
	val, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("result not bool")
	}
	return val, nil
}
