package policy

import (
	"fmt"
	"log/slog"
)

// Filter decides whether a request may enter the gate at all.
type Filter struct {
	categories map[string]struct{}
	expr       string
	eval       *Evaluator
	logger     *slog.Logger
}

// NewFilter compiles expr up front so a bad expression fails at startup.
// An empty categories list allows every category; an empty expr allows
// every request.
func NewFilter(categories []string, expr string, logger *slog.Logger) (*Filter, error) {
	if logger == nil {
		logger = slog.Default().With("component", "policy")
	}
	f := &Filter{expr: expr, logger: logger}
	if len(categories) > 0 {
		f.categories = make(map[string]struct{}, len(categories))
		for _, c := range categories {
			f.categories[c] = struct{}{}
		}
	}
	if expr != "" {
		ev, err := NewEvaluator()
		if err != nil {
			return nil, err
		}
		if _, err := ev.Compile(expr); err != nil {
			return nil, fmt.Errorf("policy expression: %w", err)
		}
		f.eval = ev
	}
	return f, nil
}

// CategoryAllowed checks the allowlist only.
func (f *Filter) CategoryAllowed(category string) bool {
	if f == nil || f.categories == nil {
		return true
	}
	_, ok := f.categories[category]
	return ok
}

// Allow applies the allowlist and then the expression. Evaluation errors
// are logged and let the request through.
func (f *Filter) Allow(in Input) bool {
	if !f.CategoryAllowed(in.Category) {
		return false
	}
	if f == nil || f.eval == nil {
		return true
	}
	ok, err := f.eval.Evaluate(f.expr, in)
	if err != nil {
		f.logger.Warn("policy expression failed; allowing", "category", in.Category, "error", err)
		return true
	}
	return ok
}
