// Package formula evaluates formula field expressions.
//
// Expressions reference other cells of the same record with {fieldId}
// tokens, for example "{fldPrice} * {fldQty}". Everything else is
// expr-lang syntax plus the spreadsheet functions registered below.
package formula

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/alfredjeanlab/gridbase/internal/model"
)

// Evaluator computes a formula value from the cells it references.
type Evaluator interface {
	// Evaluate runs expression against env, which maps referenced field ids
	// to cell values.
	Evaluate(ctx context.Context, expression string, env map[string]any) (any, error)
	// References returns the field ids an expression reads.
	References(expression string) []string
}

// CompileError reports an expression that cannot be compiled. It is a
// property of the field definition, not of any record.
type CompileError struct {
	Expression string
	Err        error
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("compile formula %q: %v", e.Expression, e.Err)
}

func (e *CompileError) Unwrap() error { return e.Err }

// IsCompileError reports whether err is a *CompileError.
func IsCompileError(err error) bool {
	var ce *CompileError
	return errors.As(err, &ce)
}

// ExprEvaluator is an Evaluator backed by expr-lang/expr. Compiled programs
// are cached by expression text.
type ExprEvaluator struct {
	mu       sync.RWMutex
	programs map[string]*vm.Program
}

// NewExprEvaluator returns an evaluator with an empty program cache.
func NewExprEvaluator() *ExprEvaluator {
	return &ExprEvaluator{programs: make(map[string]*vm.Program)}
}

// References implements Evaluator.
func (e *ExprEvaluator) References(expression string) []string {
	return model.FormulaReferences(expression)
}

// Compile checks that an expression compiles.
func (e *ExprEvaluator) Compile(expression string) error {
	_, err := e.program(expression)
	return err
}

// Evaluate implements Evaluator. The result is normalized to a cell value.
func (e *ExprEvaluator) Evaluate(ctx context.Context, expression string, env map[string]any) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prog, err := e.program(expression)
	if err != nil {
		return nil, err
	}
	fields := make(map[string]any, len(env))
	for k, v := range env {
		fields[k] = v
	}
	out, err := expr.Run(prog, map[string]any{"fields": fields})
	if err != nil {
		return nil, fmt.Errorf("evaluate formula %q: %w", expression, err)
	}
	if f, ok := out.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
		return nil, nil
	}
	return model.NormalizeValue(out), nil
}

func (e *ExprEvaluator) program(expression string) (*vm.Program, error) {
	e.mu.RLock()
	prog, ok := e.programs[expression]
	e.mu.RUnlock()
	if ok {
		return prog, nil
	}

	opts := append([]expr.Option{expr.AllowUndefinedVariables()}, functions...)
	prog, err := expr.Compile(rewrite(expression), opts...)
	if err != nil {
		return nil, &CompileError{Expression: expression, Err: err}
	}
	e.mu.Lock()
	e.programs[expression] = prog
	e.mu.Unlock()
	return prog, nil
}

// rewrite turns {fieldId} tokens outside string literals into lookups on the
// fields map.
func rewrite(expression string) string {
	var b strings.Builder
	var quote rune
	for i := 0; i < len(expression); i++ {
		c := rune(expression[i])
		switch {
		case quote != 0:
			b.WriteRune(c)
			if c == '\\' && i+1 < len(expression) {
				i++
				b.WriteByte(expression[i])
			} else if c == quote {
				quote = 0
			}
		case c == '"' || c == '\'':
			quote = c
			b.WriteRune(c)
		case c == '{':
			end := strings.IndexByte(expression[i:], '}')
			if end < 0 {
				b.WriteRune(c)
				continue
			}
			id := expression[i+1 : i+end]
			if !isIdent(id) {
				b.WriteRune(c)
				continue
			}
			fmt.Fprintf(&b, "fields[%q]", id)
			i += end
		default:
			b.WriteRune(c)
		}
	}
	return b.String()
}

func isIdent(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if !(r == '_' || r >= '0' && r <= '9' || r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z') {
			return false
		}
	}
	return true
}
