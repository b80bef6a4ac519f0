package mathtools

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

var ErrNotPolynomial = errors.New("expression is not a polynomial")

// MaxExponent bounds exponent magnitudes accepted by ParsePoly so evaluation
// stays cheap.
const MaxExponent = 1000

// Poly is a single-variable polynomial with exact rational coefficients,
// keyed by exponent. Negative exponents are allowed.
type Poly map[int]*big.Rat

var termCoefPattern = regexp.MustCompile(`^(\d+(?:\.\d+)?|\.\d+)?(?:/(\d+))?$`)

// ParsePoly parses sums of terms such as "x^2 + 3x + 2", "-x^3/3", "1/2x",
// "4*x^-1" or "(1/3)x^3" in the given variable.
func ParsePoly(expr, variable string) (Poly, error) {
	s := strings.ToLower(strings.Join(strings.Fields(expr), ""))
	s = strings.ReplaceAll(s, "**", "^")
	if s == "" {
		return nil, ErrNotPolynomial
	}

	p := Poly{}
	for _, term := range splitTerms(s) {
		coef, exp, err := parseTerm(term, variable)
		if err != nil {
			return nil, err
		}
		p.add(exp, coef)
	}
	return p, nil
}

// splitTerms splits at top-level + and - while keeping signs and exponent
// signs attached.
func splitTerms(s string) []string {
	var terms []string
	depth := 0
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '(':
			depth++
		case ')':
			depth--
		case '+', '-':
			if depth > 0 || i == 0 || s[i-1] == '^' || s[i-1] == '(' {
				continue
			}
			terms = append(terms, s[start:i])
			start = i
		}
	}
	return append(terms, s[start:])
}

func parseTerm(term, variable string) (*big.Rat, int, error) {
	sign := big.NewRat(1, 1)
	switch {
	case strings.HasPrefix(term, "+"):
		term = term[1:]
	case strings.HasPrefix(term, "-"):
		sign.SetInt64(-1)
		term = term[1:]
	}
	if term == "" {
		return nil, 0, ErrNotPolynomial
	}

	// Trailing divisor applied to the whole term: "x^3/3".
	divisor := big.NewRat(1, 1)
	if i := strings.LastIndex(term, "/"); i > strings.Index(term, variable) && strings.Contains(term, variable) {
		d, ok := new(big.Rat).SetString(term[i+1:])
		if !ok || d.Sign() == 0 {
			return nil, 0, ErrNotPolynomial
		}
		divisor = d
		term = term[:i]
	}

	coefPart, varPart := term, ""
	if i := strings.Index(term, variable); i >= 0 {
		coefPart, varPart = term[:i], term[i:]
	}
	coefPart = strings.TrimSuffix(coefPart, "*")
	if strings.HasPrefix(coefPart, "(") && strings.HasSuffix(coefPart, ")") {
		coefPart = coefPart[1 : len(coefPart)-1]
	}

	coef := big.NewRat(1, 1)
	if coefPart != "" {
		if !termCoefPattern.MatchString(coefPart) {
			return nil, 0, ErrNotPolynomial
		}
		c, ok := new(big.Rat).SetString(coefPart)
		if !ok {
			return nil, 0, ErrNotPolynomial
		}
		coef = c
	} else if varPart == "" {
		return nil, 0, ErrNotPolynomial
	}

	exp := 0
	if varPart != "" {
		exp = 1
		rest := strings.TrimPrefix(varPart, variable)
		if rest != "" {
			if !strings.HasPrefix(rest, "^") {
				return nil, 0, ErrNotPolynomial
			}
			rest = strings.Trim(rest[1:], "()")
			n, err := strconv.Atoi(rest)
			if err != nil || n > MaxExponent || n < -MaxExponent {
				return nil, 0, ErrNotPolynomial
			}
			exp = n
		}
	}

	coef.Mul(coef, sign)
	coef.Quo(coef, divisor)
	return coef, exp, nil
}

func (p Poly) add(exp int, c *big.Rat) {
	if cur, ok := p[exp]; ok {
		cur.Add(cur, c)
		return
	}
	p[exp] = new(big.Rat).Set(c)
}

func (p Poly) Sub(q Poly) Poly {
	out := Poly{}
	for e, c := range p {
		out.add(e, c)
	}
	for e, c := range q {
		out.add(e, new(big.Rat).Neg(c))
	}
	return out
}

// Degree is the highest exponent with a non-zero coefficient, or -1 for the
// zero polynomial.
func (p Poly) Degree() int {
	deg := -1
	for e, c := range p {
		if c.Sign() != 0 && e > deg {
			deg = e
		}
	}
	return deg
}

func (p Poly) Coef(exp int) *big.Rat {
	if c, ok := p[exp]; ok {
		return new(big.Rat).Set(c)
	}
	return new(big.Rat)
}

func (p Poly) Derivative() Poly {
	out := Poly{}
	for e, c := range p {
		if e == 0 || c.Sign() == 0 {
			continue
		}
		out.add(e-1, new(big.Rat).Mul(c, big.NewRat(int64(e), 1)))
	}
	return out
}

// Antiderivative integrates every term except x^-1, which is returned
// separately as the coefficient of ln|x|.
func (p Poly) Antiderivative() (Poly, *big.Rat) {
	out := Poly{}
	logCoef := new(big.Rat)
	for e, c := range p {
		if c.Sign() == 0 {
			continue
		}
		if e == -1 {
			logCoef.Add(logCoef, c)
			continue
		}
		out.add(e+1, new(big.Rat).Quo(c, big.NewRat(int64(e+1), 1)))
	}
	return out, logCoef
}

func (p Poly) Eval(ctx context.Context, x *big.Rat) (*big.Rat, error) {
	sum := new(big.Rat)
	for e, c := range p {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if c.Sign() == 0 {
			continue
		}
		if e < 0 && x.Sign() == 0 {
			return nil, errors.New("division by zero")
		}
		term := new(big.Rat).Set(c)
		for i := 0; i < abs(e); i++ {
			if e > 0 {
				term.Mul(term, x)
			} else {
				term.Quo(term, x)
			}
		}
		sum.Add(sum, term)
	}
	return sum, nil
}

// Format renders terms in descending exponent order, e.g. "2x + 3".
func (p Poly) Format(variable string) string {
	exps := make([]int, 0, len(p))
	for e, c := range p {
		if c.Sign() != 0 {
			exps = append(exps, e)
		}
	}
	if len(exps) == 0 {
		return "0"
	}
	sort.Sort(sort.Reverse(sort.IntSlice(exps)))

	var b strings.Builder
	for i, e := range exps {
		c := p[e]
		neg := c.Sign() < 0
		mag := new(big.Rat).Abs(c)

		switch {
		case i == 0 && neg:
			b.WriteString("-")
		case i > 0 && neg:
			b.WriteString(" - ")
		case i > 0:
			b.WriteString(" + ")
		}
		b.WriteString(formatTerm(mag, e, variable))
	}
	return b.String()
}

func formatTerm(mag *big.Rat, exp int, variable string) string {
	if exp == 0 {
		return FormatRat(mag)
	}

	v := variable
	if exp != 1 {
		v = fmt.Sprintf("%s^%d", variable, exp)
	}

	one := big.NewRat(1, 1)
	switch {
	case mag.Cmp(one) == 0:
		return v
	case mag.IsInt():
		return mag.Num().String() + v
	case mag.Num().Cmp(big.NewInt(1)) == 0:
		return v + "/" + mag.Denom().String()
	default:
		return "(" + mag.RatString() + ")" + v
	}
}

// FormatRat prints integers plainly, other rationals as a fraction with a
// decimal approximation when it is not exact.
func FormatRat(r *big.Rat) string {
	if r.IsInt() {
		return r.Num().String()
	}
	f, exact := r.Float64()
	if exact {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return r.RatString()
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}
