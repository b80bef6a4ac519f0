package compute

import (
	"regexp"
	"strings"

	"github.com/math-agent/backend/internal/compute/mathtools"
	"github.com/math-agent/backend/internal/domain"
)

// ToolCall is one invocation of the computation service.
type ToolCall struct {
	Tool string            `json:"tool"`
	Args map[string]string `json:"args"`
}

var (
	derivativePattern = regexp.MustCompile(`(?i)\b(derivative|differentiate|d/d[a-z])\b`)
	integralPattern   = regexp.MustCompile(`(?i)\b(integral|integrate|antiderivative)\b`)
	statsPattern      = regexp.MustCompile(`(?i)\b(mean|average|median|mode|variance|standard deviation|range)\b`)
	numberPattern     = regexp.MustCompile(`-?\d+(?:\.\d+)?`)
	respectPattern    = regexp.MustCompile(`(?i)with respect to ([a-z])\b`)
	boundsPattern     = regexp.MustCompile(`(?i)\bfrom\s+(-?\d+(?:\.\d+)?(?:/\d+)?)\s+to\s+(-?\d+(?:\.\d+)?(?:/\d+)?)`)
	subjectPattern    = regexp.MustCompile(`(?i)\b(?:of|differentiate|integrate)\s+(.+)$`)
	expressionPattern = regexp.MustCompile(`(?:sqrt|sin|cos|tan|log|ln|exp|abs|pi|[-+*/^().\d\s×÷])+`)
	mathTokenPattern  = regexp.MustCompile(`^[0-9+\-*/^().]*[a-z]?[0-9+\-*/^().]*=?[0-9+\-*/^().]*[a-z]?[0-9+\-*/^().]*$`)
	forPattern        = regexp.MustCompile(`\bfor ([a-z])\b`)
)

// Plan maps a question to a single tool call. ok is false when no tool
// applies, which the caller treats as a malformed computation request.
func Plan(q domain.Question) (ToolCall, bool) {
	text := q.Normalized
	if text == "" {
		text = q.Raw
	}
	lower := strings.ToLower(strings.TrimSpace(text))

	switch {
	case derivativePattern.MatchString(lower):
		return planCalculus(mathtools.ToolDerivative, lower)
	case integralPattern.MatchString(lower):
		return planCalculus(mathtools.ToolIntegral, lower)
	case strings.Contains(lower, "="):
		return planEquation(lower)
	case statsPattern.MatchString(lower) || q.Category == domain.CategoryStatistical:
		return planStatistics(lower)
	default:
		return planCalculator(lower)
	}
}

func planCalculus(tool, lower string) (ToolCall, bool) {
	args := map[string]string{"variable": "x"}
	if m := respectPattern.FindStringSubmatch(lower); m != nil {
		args["variable"] = m[1]
	}
	if tool == mathtools.ToolIntegral {
		if m := boundsPattern.FindStringSubmatch(lower); m != nil {
			args["lower"], args["upper"] = m[1], m[2]
			lower = strings.Replace(lower, m[0], "", 1)
		}
	}

	m := subjectPattern.FindStringSubmatch(lower)
	if m == nil {
		return ToolCall{}, false
	}
	fn := m[1]
	for _, noise := range []string{"with respect to", " d" + args["variable"]} {
		if i := strings.Index(fn, noise); i > 0 {
			fn = fn[:i]
		}
	}
	// "the function f(x) = x^2" keeps only the right-hand side.
	if i := strings.LastIndex(fn, "="); i >= 0 {
		fn = fn[i+1:]
	}
	fn = strings.TrimSpace(strings.TrimRight(fn, "?.! "))
	if fn == "" {
		return ToolCall{}, false
	}
	args["function"] = fn
	return ToolCall{Tool: tool, Args: args}, true
}

// planEquation grows the equation outward from "=" while tokens still look
// like math, so surrounding words are dropped.
func planEquation(lower string) (ToolCall, bool) {
	tokens := strings.Fields(strings.TrimRight(lower, "?.! "))
	at := -1
	for i, tok := range tokens {
		if strings.Contains(tok, "=") {
			at = i
			break
		}
	}
	if at < 0 {
		return ToolCall{}, false
	}

	start, end := at, at
	for start > 0 && mathTokenPattern.MatchString(strings.TrimRight(tokens[start-1], ":,")) {
		start--
	}
	for end < len(tokens)-1 && mathTokenPattern.MatchString(strings.TrimRight(tokens[end+1], ",")) {
		end++
	}
	equation := strings.Trim(strings.Join(tokens[start:end+1], " "), ":, ")
	sides := strings.Split(equation, "=")
	if len(sides) != 2 || strings.TrimSpace(sides[0]) == "" || strings.TrimSpace(sides[1]) == "" {
		return ToolCall{}, false
	}

	variable := "x"
	if m := forPattern.FindStringSubmatch(lower); m != nil {
		variable = m[1]
	} else if v := firstLetter(equation); v != "" {
		variable = v
	}
	return ToolCall{Tool: mathtools.ToolSolveEquation, Args: map[string]string{"equation": equation, "variable": variable}}, true
}

func planStatistics(lower string) (ToolCall, bool) {
	nums := numberPattern.FindAllString(lower, -1)
	if len(nums) < 2 {
		return ToolCall{}, false
	}
	measure := ""
	if m := statsPattern.FindString(lower); m != "" {
		measure = m
		if measure == "average" {
			measure = "mean"
		}
	}
	return ToolCall{
		Tool: mathtools.ToolStatistics,
		Args: map[string]string{"numbers": strings.Join(nums, ", "), "measure": measure},
	}, true
}

// planCalculator picks the longest arithmetic run in the text that contains
// both a digit and an operator or function.
func planCalculator(lower string) (ToolCall, bool) {
	best := ""
	for _, m := range expressionPattern.FindAllString(lower, -1) {
		m = strings.TrimSpace(m)
		if !strings.ContainsAny(m, "0123456789") {
			continue
		}
		if !strings.ContainsAny(m, "+-*/^×÷(") {
			continue
		}
		if len(m) > len(best) {
			best = m
		}
	}
	best = strings.TrimRight(best, ".")
	if best == "" {
		return ToolCall{}, false
	}
	return ToolCall{Tool: mathtools.ToolCalculator, Args: map[string]string{"expression": best}}, true
}

func firstLetter(s string) string {
	for _, r := range s {
		if r >= 'a' && r <= 'z' {
			return string(r)
		}
	}
	return ""
}
