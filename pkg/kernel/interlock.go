package kernel

import (
	"encoding/json"
	"fmt"
	"strconv"
	"sync"

	"github.com/google/cel-go/cel"
)

// interlockEngine compiles each interlock rule's {op, value} pair into
// a tiny CEL program on first use and caches it by rule id, so a given
// policy's interlocks are compiled at most once regardless of how many
// times they are evaluated.
type interlockEngine struct {
	numericEnv *cel.Env
	stringEnv  *cel.Env

	mu    sync.Mutex
	cache map[string]compiledRule
}

type compiledRule struct {
	program cel.Program
	numeric bool
}

func newInterlockEngine() (*interlockEngine, error) {
	numEnv, err := cel.NewEnv(
		cel.Variable("current", cel.DoubleType),
		cel.Variable("threshold", cel.DoubleType),
	)
	if err != nil {
		return nil, fmt.Errorf("kernel: build numeric CEL env: %w", err)
	}
	strEnv, err := cel.NewEnv(
		cel.Variable("current", cel.StringType),
		cel.Variable("threshold", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("kernel: build string CEL env: %w", err)
	}
	return &interlockEngine{
		numericEnv: numEnv,
		stringEnv:  strEnv,
		cache:      map[string]compiledRule{},
	}, nil
}

func celExprForOp(op string) (string, bool) {
	switch op {
	case ">":
		return "current > threshold", true
	case "<":
		return "current < threshold", true
	case ">=":
		return "current >= threshold", true
	case "<=":
		return "current <= threshold", true
	case "==":
		return "current == threshold", true
	case "!=":
		return "current != threshold", true
	}
	return "", false
}

func isNumericOp(op string) bool {
	switch op {
	case ">", "<", ">=", "<=":
		return true
	}
	return false
}

func (e *interlockEngine) compile(ruleID, op string) (compiledRule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cr, ok := e.cache[ruleID]; ok {
		return cr, nil
	}

	expr, ok := celExprForOp(op)
	if !ok {
		return compiledRule{}, fmt.Errorf("kernel: unknown interlock operator %q", op)
	}
	numeric := isNumericOp(op)
	env := e.stringEnv
	if numeric {
		env = e.numericEnv
	}

	ast, iss := env.Compile(expr)
	if iss != nil && iss.Err() != nil {
		return compiledRule{}, fmt.Errorf("kernel: compile interlock %q: %w", ruleID, iss.Err())
	}
	prg, err := env.Program(ast)
	if err != nil {
		return compiledRule{}, fmt.Errorf("kernel: build interlock program %q: %w", ruleID, err)
	}

	cr := compiledRule{program: prg, numeric: numeric}
	e.cache[ruleID] = cr
	return cr, nil
}

// violates evaluates current against op/threshold for rule ruleID.
// Mirrors the reference _violates: a value that cannot be converted to
// the comparison's type (numeric parse failure) is not a violation,
// not an error — caught and treated as false, never fatal.
func (e *interlockEngine) violates(ruleID string, current interface{}, op, threshold string) bool {
	cr, err := e.compile(ruleID, op)
	if err != nil {
		return false
	}

	var vars map[string]interface{}
	if cr.numeric {
		curF, err1 := toFloat(current)
		threshF, err2 := strconv.ParseFloat(threshold, 64)
		if err1 != nil || err2 != nil {
			return false
		}
		vars = map[string]interface{}{"current": curF, "threshold": threshF}
	} else {
		vars = map[string]interface{}{"current": fmt.Sprintf("%v", current), "threshold": threshold}
	}

	out, _, err := cr.program.Eval(vars)
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	if !ok {
		return false
	}
	return b
}

func toFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("kernel: value %v is not numeric", v)
	}
}
