package ice

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
)

// Filter is a compiled CEL predicate over jobs. The expression sees id,
// topic, status, retry_count, deliveries, exhausted, ttr_ms, delay_ms,
// generation, created_ms, the decoded body and now_ms. An empty expression
// matches everything.
type Filter struct {
	prog cel.Program
	expr string
}

func CompileFilter(expr string) (*Filter, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return &Filter{}, nil
	}
	env, err := cel.NewEnv(
		cel.Variable("id", cel.StringType),
		cel.Variable("topic", cel.StringType),
		cel.Variable("status", cel.StringType),
		cel.Variable("retry_count", cel.IntType),
		cel.Variable("deliveries", cel.IntType),
		cel.Variable("exhausted", cel.BoolType),
		cel.Variable("ttr_ms", cel.IntType),
		cel.Variable("delay_ms", cel.IntType),
		cel.Variable("generation", cel.IntType),
		cel.Variable("created_ms", cel.IntType),
		cel.Variable("body", cel.DynType),
		cel.Variable("now_ms", cel.IntType),
	)
	if err != nil {
		return nil, err
	}
	ast, iss := env.Parse(expr)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, iss.Err())
	}
	checked, iss := env.Check(ast)
	if iss != nil && iss.Err() != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, iss.Err())
	}
	if !checked.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("%w: expression yields %v, want bool", ErrInvalidFilter, checked.OutputType())
	}
	prog, err := env.Program(checked)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFilter, err)
	}
	return &Filter{prog: prog, expr: expr}, nil
}

func (f *Filter) String() string { return f.expr }

// Match evaluates the filter against j. Evaluation errors (for example a
// missing body field) count as no match.
func (f *Filter) Match(j *Job, now time.Time) bool {
	if f == nil || f.prog == nil {
		return true
	}
	var body any
	if len(j.Body) > 0 {
		_ = json.Unmarshal(j.Body, &body)
	}
	out, _, err := f.prog.Eval(map[string]any{
		"id":          j.ID,
		"topic":       j.Topic,
		"status":      string(j.Status),
		"retry_count": int64(j.RetryCount),
		"deliveries":  int64(j.Deliveries),
		"exhausted":   j.Exhausted,
		"ttr_ms":      j.TTR.Milliseconds(),
		"delay_ms":    j.Delay.Milliseconds(),
		"generation":  j.Generation,
		"created_ms":  j.CreatedMs,
		"body":        body,
		"now_ms":      now.UnixMilli(),
	})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}
