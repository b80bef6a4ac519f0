package mathtools

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/casbin/govaluate"
)

var calculatorFunctions = map[string]govaluate.ExpressionFunction{
	"sqrt":  unary(math.Sqrt),
	"sin":   unary(math.Sin),
	"cos":   unary(math.Cos),
	"tan":   unary(math.Tan),
	"log":   unary(math.Log10),
	"ln":    unary(math.Log),
	"exp":   unary(math.Exp),
	"abs":   unary(math.Abs),
	"floor": unary(math.Floor),
	"ceil":  unary(math.Ceil),
	"pow": func(args ...interface{}) (interface{}, error) {
		if len(args) != 2 {
			return nil, errors.New("pow expects 2 arguments")
		}
		a, aok := args[0].(float64)
		b, bok := args[1].(float64)
		if !aok || !bok {
			return nil, errors.New("pow expects numeric arguments")
		}
		return math.Pow(a, b), nil
	},
}

var calculatorConstants = map[string]interface{}{
	"pi": math.Pi,
	"e":  math.E,
}

func unary(fn func(float64) float64) govaluate.ExpressionFunction {
	return func(args ...interface{}) (interface{}, error) {
		if len(args) != 1 {
			return nil, fmt.Errorf("expected 1 argument, got %d", len(args))
		}
		v, ok := args[0].(float64)
		if !ok {
			return nil, errors.New("expected a numeric argument")
		}
		return fn(v), nil
	}
}

// Calculate evaluates an arithmetic expression. "^" means exponentiation.
func Calculate(expr string) (float64, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return 0, errors.New("empty expression")
	}
	expr = strings.NewReplacer("^", "**", "×", "*", "÷", "/", "π", "pi").Replace(expr)

	ev, err := govaluate.NewEvaluableExpressionWithFunctions(expr, calculatorFunctions)
	if err != nil {
		return 0, fmt.Errorf("invalid expression: %w", err)
	}
	for _, v := range ev.Vars() {
		if _, ok := calculatorConstants[v]; !ok {
			return 0, fmt.Errorf("unknown variable %q", v)
		}
	}

	out, err := ev.Evaluate(calculatorConstants)
	if err != nil {
		return 0, fmt.Errorf("evaluation failed: %w", err)
	}
	v, ok := out.(float64)
	if !ok {
		return 0, fmt.Errorf("expression did not produce a number")
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, errors.New("result is undefined")
	}
	return v, nil
}

func formatFloat(v float64) string {
	if v == math.Trunc(v) && math.Abs(v) < 1e15 {
		return strconv.FormatFloat(v, 'f', 0, 64)
	}
	return strconv.FormatFloat(v, 'g', 10, 64)
}
