package mathtools

import (
	"context"
	"fmt"
	"math/big"
	"strings"
)

var derivativeTable = map[string]string{
	"sin(x)":  "cos(x)",
	"cos(x)":  "-sin(x)",
	"tan(x)":  "sec^2(x)",
	"e^x":     "e^x",
	"exp(x)":  "exp(x)",
	"ln(x)":   "1/x",
	"log(x)":  "1/(x ln(10))",
	"sqrt(x)": "1/(2sqrt(x))",
	"1/x":     "-1/x^2",
}

var integralTable = map[string]string{
	"sin(x)":    "-cos(x)",
	"cos(x)":    "sin(x)",
	"sec^2(x)":  "tan(x)",
	"e^x":       "e^x",
	"exp(x)":    "exp(x)",
	"1/x":       "ln|x|",
	"ln(x)":     "x ln(x) - x",
	"sqrt(x)":   "(2/3)x^(3/2)",
	"1/(1+x^2)": "arctan(x)",
}

func compact(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}

// lookup matches a function against a table written in x, substituting the
// requested variable.
func lookup(table map[string]string, fn, variable string) (string, bool) {
	key := compact(fn)
	if variable != "x" {
		key = strings.ReplaceAll(key, variable, "x")
	}
	out, ok := table[key]
	if !ok {
		return "", false
	}
	if variable != "x" {
		out = strings.ReplaceAll(out, "x", variable)
	}
	return out, true
}

// Derivative differentiates polynomials exactly and falls back to a table of
// elementary functions.
func Derivative(fn, variable string) (string, error) {
	if variable == "" {
		variable = "x"
	}
	if out, ok := lookup(derivativeTable, fn, variable); ok {
		return out, nil
	}
	p, err := ParsePoly(fn, variable)
	if err != nil {
		return "", fmt.Errorf("cannot differentiate %q", fn)
	}
	return p.Derivative().Format(variable), nil
}

// Integral returns the antiderivative with "+ C" appended.
func Integral(fn, variable string) (string, error) {
	if variable == "" {
		variable = "x"
	}
	if out, ok := lookup(integralTable, fn, variable); ok {
		return out + " + C", nil
	}
	p, err := ParsePoly(fn, variable)
	if err != nil {
		return "", fmt.Errorf("cannot integrate %q", fn)
	}
	anti, logCoef := p.Antiderivative()
	out := anti.Format(variable)
	if logCoef.Sign() != 0 {
		term := "ln|" + variable + "|"
		if logCoef.Cmp(big.NewRat(1, 1)) != 0 {
			term = FormatRat(logCoef) + term
		}
		if out == "0" {
			out = term
		} else {
			out += " + " + term
		}
	}
	return out + " + C", nil
}

// DefiniteIntegral evaluates a polynomial integral over [lower, upper].
func DefiniteIntegral(ctx context.Context, fn, variable, lower, upper string) (string, error) {
	if variable == "" {
		variable = "x"
	}
	p, err := ParsePoly(fn, variable)
	if err != nil {
		return "", fmt.Errorf("cannot integrate %q", fn)
	}
	anti, logCoef := p.Antiderivative()
	if logCoef.Sign() != 0 {
		return "", fmt.Errorf("definite integral of %q is not rational", fn)
	}

	a, ok := new(big.Rat).SetString(strings.TrimSpace(lower))
	if !ok {
		return "", fmt.Errorf("invalid lower bound %q", lower)
	}
	b, ok := new(big.Rat).SetString(strings.TrimSpace(upper))
	if !ok {
		return "", fmt.Errorf("invalid upper bound %q", upper)
	}

	fa, err := anti.Eval(ctx, a)
	if err != nil {
		return "", err
	}
	fb, err := anti.Eval(ctx, b)
	if err != nil {
		return "", err
	}
	return FormatRat(new(big.Rat).Sub(fb, fa)), nil
}
