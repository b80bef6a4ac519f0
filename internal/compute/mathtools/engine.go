// Package mathtools is the local computation engine behind the computation
// service. It is exposed in-process and over MCP.
package mathtools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/math-agent/backend/internal/domain"
)

const (
	ToolCalculator    = "calculator"
	ToolDerivative    = "derivative"
	ToolIntegral      = "integral"
	ToolSolveEquation = "solve_equation"
	ToolStatistics    = "statistics"
)

// Param describes one string argument of a tool.
type Param struct {
	Name        string
	Description string
	Required    bool
}

type Tool struct {
	Name        string
	Description string
	Params      []Param
	run         func(ctx context.Context, args map[string]string) (string, error)
}

type Engine struct {
	tools map[string]Tool
}

func NewEngine() *Engine {
	e := &Engine{tools: map[string]Tool{}}
	for _, t := range []Tool{
		{
			Name:        ToolCalculator,
			Description: "Evaluate an arithmetic expression. Supports + - * / ^, parentheses, sqrt, sin, cos, tan, log, ln, exp, abs, pi and e.",
			Params:      []Param{{Name: "expression", Description: "Expression to evaluate, e.g. 12 * (3 + 4)", Required: true}},
			run: func(ctx context.Context, args map[string]string) (string, error) {
				v, err := Calculate(args["expression"])
				if err != nil {
					return "", err
				}
				return formatFloat(v), nil
			},
		},
		{
			Name:        ToolDerivative,
			Description: "Differentiate a polynomial or elementary function.",
			Params: []Param{
				{Name: "function", Description: "Function to differentiate, e.g. x^2 + 3x + 2", Required: true},
				{Name: "variable", Description: "Variable of differentiation, default x"},
			},
			run: func(ctx context.Context, args map[string]string) (string, error) {
				return Derivative(args["function"], args["variable"])
			},
		},
		{
			Name:        ToolIntegral,
			Description: "Integrate a polynomial or elementary function, optionally over [lower, upper].",
			Params: []Param{
				{Name: "function", Description: "Function to integrate, e.g. 3x^2", Required: true},
				{Name: "variable", Description: "Variable of integration, default x"},
				{Name: "lower", Description: "Lower bound for a definite integral"},
				{Name: "upper", Description: "Upper bound for a definite integral"},
			},
			run: func(ctx context.Context, args map[string]string) (string, error) {
				if args["lower"] != "" && args["upper"] != "" {
					return DefiniteIntegral(ctx, args["function"], args["variable"], args["lower"], args["upper"])
				}
				return Integral(args["function"], args["variable"])
			},
		},
		{
			Name:        ToolSolveEquation,
			Description: "Solve a linear or quadratic equation.",
			Params: []Param{
				{Name: "equation", Description: "Equation with one '=', e.g. 2x + 4 = 10", Required: true},
				{Name: "variable", Description: "Unknown to solve for, default x"},
			},
			run: func(ctx context.Context, args map[string]string) (string, error) {
				return SolveEquation(args["equation"], args["variable"])
			},
		},
		{
			Name:        ToolStatistics,
			Description: "Descriptive statistics of a list of numbers.",
			Params: []Param{
				{Name: "numbers", Description: "Comma separated numbers", Required: true},
				{Name: "measure", Description: "One of mean, median, mode, standard deviation, variance, range, sum. Empty for all."},
			},
			run: func(ctx context.Context, args map[string]string) (string, error) {
				nums, err := ParseNumbers(args["numbers"])
				if err != nil {
					return "", err
				}
				return Statistics(nums, args["measure"])
			},
		},
	} {
		e.tools[t.Name] = t
	}
	return e
}

// Catalog lists tools sorted by name.
func (e *Engine) Catalog() []Tool {
	out := make([]Tool, 0, len(e.tools))
	for _, t := range e.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func (e *Engine) Tools(_ context.Context) ([]domain.ToolInfo, error) {
	catalog := e.Catalog()
	out := make([]domain.ToolInfo, len(catalog))
	for i, t := range catalog {
		out[i] = domain.ToolInfo{Name: t.Name, Description: t.Description}
	}
	return out, nil
}

// Call runs a tool by name. Missing required arguments are reported before
// the tool runs.
func (e *Engine) Call(ctx context.Context, tool string, args map[string]string) (string, error) {
	t, ok := e.tools[tool]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", tool)
	}
	for _, p := range t.Params {
		if p.Required && strings.TrimSpace(args[p.Name]) == "" {
			return "", fmt.Errorf("missing required argument %q", p.Name)
		}
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return t.run(ctx, args)
}

func (e *Engine) Close() error { return nil }
