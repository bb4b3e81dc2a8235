package notify

import (
	"fmt"
	"strings"

	"github.com/google/cel-go/cel"

	"github.com/nextlevelbuilder/messagesforcar/internal/bus"
)

// Filter is a compiled CEL predicate over intercepted messages. Variables:
// sender (string), content (string), timestamp (int, unix millis).
//
//	!(sender in ["Bank", "Promo"]) && size(content) > 0
type Filter struct {
	expr string
	prg  cel.Program
}

// CompileFilter compiles expr. An empty expression yields a nil filter that
// allows everything.
func CompileFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("sender", cel.StringType),
		cel.Variable("content", cel.StringType),
		cel.Variable("timestamp", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("cel env: %w", err)
	}
	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("compile filter: %w", iss.Err())
	}
	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("filter must return bool, got %s", ast.OutputType())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build filter: %w", err)
	}
	return &Filter{expr: expr, prg: prg}, nil
}

// Expr returns the source expression.
func (f *Filter) Expr() string {
	if f == nil {
		return ""
	}
	return f.expr
}

// Allow evaluates the filter. A nil filter allows everything.
func (f *Filter) Allow(msg bus.InterceptedMessage) (bool, error) {
	if f == nil {
		return true, nil
	}
	out, _, err := f.prg.Eval(map[string]any{
		"sender":    msg.Sender,
		"content":   msg.Content,
		"timestamp": msg.Timestamp,
	})
	if err != nil {
		return true, fmt.Errorf("eval filter: %w", err)
	}
	b, ok := out.Value().(bool)
	if !ok {
		return true, fmt.Errorf("filter returned %T", out.Value())
	}
	return b, nil
}
