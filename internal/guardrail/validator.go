package guardrail

import (
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/math-agent/backend/internal/domain"
)

type Config struct {
	MaxInputLength      int
	MinInputLength      int
	TimeSensitiveTopics []string
}

func DefaultConfig() Config {
	return Config{
		MaxInputLength:      1000,
		MinInputLength:      3,
		TimeSensitiveTopics: []string{"records", "current-events"},
	}
}

var (
	whitespacePattern = regexp.MustCompile(`\s+`)

	disallowedPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)<\s*script`),
		regexp.MustCompile(`(?i)javascript:`),
		regexp.MustCompile(`(?i)\bon(load|error|click)\s*=`),
		regexp.MustCompile(`(?i)\b(drop|truncate|alter)\s+table\b`),
		regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`),
		regexp.MustCompile(`(?i)ignore\s+(all\s+)?(previous|prior|above)\s+instructions`),
		regexp.MustCompile(`(?i)\bsystem\s+prompt\b`),
	}

	// Terms that only occur in mathematical questions.
	mathKeywordPattern = regexp.MustCompile(`(?i)\b(equations?|algebra\w*|polynomials?|quadratic|coefficients?|deriv\w*|integra\w*|limits?|differentia\w*|antideriv\w*|geometr\w*|perimeter|radius|diameter|hypotenuse|triangles?|pythagorean|theorems?|trigonometr\w*|sine|cosine|tangent|mathematic\w*|math|statistic\w*|probabilit\w*|median|deviation|variance|matri(x|ces)|logarithm\w*|exponential|factorial|primes?|fractions?|sqrt|gcd|lcm|divisors?|multiples?|arithmetic|inequalit\w*|parabola|asymptotes?)\b`)
	// Terms with everyday meanings too; they count only next to a number or
	// a variable.
	mathWeakKeywordPattern = regexp.MustCompile(`(?i)\b(solve|find|calculat\w*|determin\w*|evaluat\w*|comput\w*|simplif\w*|factor\w*|expand|linear|variables?|area|volume|circles?|rectangles?|squares?|angles?|sin|cos|tan|functions?|graph|plot|mean|average|mode|vectors?|log|ln|sum|product|percent\w*|ratio|numbers?|root|times|plus|minus|divided)\b`)
	mathVerbPattern        = regexp.MustCompile(`(?i)\b(explain|prove|show|demonstrate|derive|verify)\b`)
	// An operator between operands, a percentage, or a symbol that has no
	// use outside mathematics.
	mathExpressionPattern = regexp.MustCompile(`[\dxyz)]\s*[-+*/^=<>]\s*[\dxyz(]|\d\s*%|\b\d+[xyz]\b|[√∫∂∑π]`)
	operandPattern        = regexp.MustCompile(`\d|\b[xyz]\b`)

	symbolReplacer = strings.NewReplacer(
		"²", "^2",
		"³", "^3",
		"×", "*",
		"÷", "/",
		"−", "-",
		"–", "-",
	)

	termPattern = regexp.MustCompile(`[a-z]+|\d+(\.\d+)?`)

	stopwords = map[string]struct{}{
		"the": {}, "a": {}, "an": {}, "of": {}, "is": {}, "what": {}, "to": {}, "and": {},
		"in": {}, "for": {}, "on": {}, "with": {}, "by": {}, "be": {}, "it": {}, "this": {},
		"that": {}, "find": {}, "how": {}, "do": {}, "does": {}, "are": {}, "can": {}, "you": {},
		"me": {}, "please": {}, "if": {}, "as": {}, "at": {}, "from": {}, "or": {}, "we": {},
	}
)

type Validator struct {
	cfg Config
}

func NewValidator(cfg Config) *Validator {
	def := DefaultConfig()
	if cfg.MaxInputLength <= 0 {
		cfg.MaxInputLength = def.MaxInputLength
	}
	if cfg.MinInputLength <= 0 {
		cfg.MinInputLength = def.MinInputLength
	}
	if cfg.TimeSensitiveTopics == nil {
		cfg.TimeSensitiveTopics = def.TimeSensitiveTopics
	}
	return &Validator{cfg: cfg}
}

// Normalize collapses whitespace and rewrites typographic math symbols into
// their ASCII forms.
func Normalize(raw string) string {
	s := symbolReplacer.Replace(raw)
	return strings.TrimSpace(whitespacePattern.ReplaceAllString(s, " "))
}

// ValidateInput never panics on non-empty input. The returned Question is
// only meaningful when the verdict passes.
func (v *Validator) ValidateInput(raw string) (domain.Question, domain.GuardrailVerdict) {
	q := domain.Question{Raw: raw}
	reject := func(reason domain.ReasonCode) (domain.Question, domain.GuardrailVerdict) {
		return q, domain.GuardrailVerdict{Input: false, InputReason: reason}
	}

	if strings.TrimSpace(raw) == "" {
		return reject(domain.ReasonEmptyInput)
	}
	if !utf8.ValidString(raw) {
		return reject(domain.ReasonDisallowedContent)
	}

	length := utf8.RuneCountInString(raw)
	if length > v.cfg.MaxInputLength {
		return reject(domain.ReasonTooLong)
	}

	q.Normalized = Normalize(raw)
	if utf8.RuneCountInString(q.Normalized) < v.cfg.MinInputLength {
		return reject(domain.ReasonTooShort)
	}

	for _, p := range disallowedPatterns {
		if p.MatchString(q.Normalized) {
			return reject(domain.ReasonDisallowedContent)
		}
	}

	if !IsMath(q.Normalized) {
		return reject(domain.ReasonNotMath)
	}

	q.Category = Classify(q.Normalized)
	q.Topic, q.TimeSensitive = DetectTopic(q.Normalized, v.cfg.TimeSensitiveTopics)

	return q, domain.GuardrailVerdict{Input: true, Output: true}
}

// IsMath accepts text with an unambiguous math term, a mathematical
// expression, or a weak math term or verb applied to a number or variable.
func IsMath(text string) bool {
	if mathKeywordPattern.MatchString(text) || mathExpressionPattern.MatchString(text) {
		return true
	}
	if !operandPattern.MatchString(text) {
		return false
	}
	return mathWeakKeywordPattern.MatchString(text) || mathVerbPattern.MatchString(text)
}

// ValidateOutput checks a candidate solution against the question and the
// retrieved context terms.
func (v *Validator) ValidateOutput(text string, q domain.Question, contextTerms []string) (bool, domain.ReasonCode) {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return false, domain.ReasonEmptyOutput
	}

	if isEcho(trimmed, q.Normalized) {
		return false, domain.ReasonEcho
	}

	grounding := significantTerms(q.Normalized)
	for _, c := range contextTerms {
		for t := range significantTerms(c) {
			grounding[t] = struct{}{}
		}
	}
	if len(grounding) == 0 {
		return true, domain.ReasonNone
	}

	for t := range significantTerms(trimmed) {
		if _, ok := grounding[t]; ok {
			return true, domain.ReasonNone
		}
	}
	return false, domain.ReasonUngrounded
}

// isEcho is true when the output restates the question and adds fewer than
// three new terms.
func isEcho(output, question string) bool {
	out := strings.ToLower(Normalize(output))
	qn := strings.ToLower(question)
	if qn == "" {
		return false
	}
	if out == qn {
		return true
	}
	if !strings.Contains(out, qn) {
		return false
	}
	rest := strings.Replace(out, qn, " ", 1)
	return len(termPattern.FindAllString(rest, -1)) < 3
}

func significantTerms(text string) map[string]struct{} {
	terms := make(map[string]struct{})
	for _, t := range termPattern.FindAllString(strings.ToLower(text), -1) {
		if _, stop := stopwords[t]; stop {
			continue
		}
		if len(t) < 2 && !digitPattern.MatchString(t) {
			continue
		}
		terms[t] = struct{}{}
	}
	return terms
}
