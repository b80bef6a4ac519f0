package mathtools

import (
	"errors"
	"fmt"
	"math"
	"math/big"
	"strings"
)

var ErrUnsupportedDegree = errors.New("only linear and quadratic equations are supported")

// SolveEquation solves a linear or quadratic polynomial equation in variable.
// Results read like "x = 3" or "x = 2 or x = 3".
func SolveEquation(equation, variable string) (string, error) {
	if variable == "" {
		variable = "x"
	}
	sides := strings.Split(equation, "=")
	if len(sides) != 2 {
		return "", errors.New("equation must contain exactly one '='")
	}

	lhs, err := ParsePoly(sides[0], variable)
	if err != nil {
		return "", fmt.Errorf("cannot parse left side: %w", err)
	}
	rhs, err := ParsePoly(sides[1], variable)
	if err != nil {
		return "", fmt.Errorf("cannot parse right side: %w", err)
	}
	p := lhs.Sub(rhs)

	for e, c := range p {
		if e < 0 && c.Sign() != 0 {
			return "", ErrUnsupportedDegree
		}
	}

	switch p.Degree() {
	case -1:
		return "infinitely many solutions", nil
	case 0:
		return "no solution", nil
	case 1:
		root := new(big.Rat).Neg(p.Coef(0))
		root.Quo(root, p.Coef(1))
		return fmt.Sprintf("%s = %s", variable, FormatRat(root)), nil
	case 2:
		return solveQuadratic(p.Coef(2), p.Coef(1), p.Coef(0), variable), nil
	default:
		return "", ErrUnsupportedDegree
	}
}

func solveQuadratic(a, b, c *big.Rat, variable string) string {
	// disc = b^2 - 4ac
	disc := new(big.Rat).Mul(b, b)
	disc.Sub(disc, new(big.Rat).Mul(big.NewRat(4, 1), new(big.Rat).Mul(a, c)))

	twoA := new(big.Rat).Mul(big.NewRat(2, 1), a)
	negB := new(big.Rat).Neg(b)

	switch disc.Sign() {
	case 0:
		root := new(big.Rat).Quo(negB, twoA)
		return fmt.Sprintf("%s = %s", variable, FormatRat(root))
	case -1:
		re, _ := new(big.Rat).Quo(negB, twoA).Float64()
		d, _ := new(big.Rat).Neg(disc).Float64()
		ta, _ := twoA.Float64()
		im := math.Abs(math.Sqrt(d) / ta)
		return fmt.Sprintf("%s = %s + %si or %s = %s - %si (no real solutions)",
			variable, formatFloat(re), formatFloat(im), variable, formatFloat(re), formatFloat(im))
	}

	if sq, ok := ratSqrt(disc); ok {
		r1 := new(big.Rat).Quo(new(big.Rat).Sub(negB, sq), twoA)
		r2 := new(big.Rat).Quo(new(big.Rat).Add(negB, sq), twoA)
		if r1.Cmp(r2) > 0 {
			r1, r2 = r2, r1
		}
		return fmt.Sprintf("%s = %s or %s = %s", variable, FormatRat(r1), variable, FormatRat(r2))
	}

	nb, _ := negB.Float64()
	d, _ := disc.Float64()
	ta, _ := twoA.Float64()
	r1 := (nb - math.Sqrt(d)) / ta
	r2 := (nb + math.Sqrt(d)) / ta
	if r1 > r2 {
		r1, r2 = r2, r1
	}
	return fmt.Sprintf("%s = %s or %s = %s", variable, formatFloat(r1), variable, formatFloat(r2))
}

// ratSqrt returns the exact square root of r when numerator and denominator
// are both perfect squares.
func ratSqrt(r *big.Rat) (*big.Rat, bool) {
	num := new(big.Int).Sqrt(r.Num())
	if new(big.Int).Mul(num, num).Cmp(r.Num()) != 0 {
		return nil, false
	}
	den := new(big.Int).Sqrt(r.Denom())
	if new(big.Int).Mul(den, den).Cmp(r.Denom()) != 0 {
		return nil, false
	}
	return new(big.Rat).SetFrac(num, den), true
}
