package guardrail

import (
	"regexp"
	"strings"

	"github.com/math-agent/backend/internal/domain"
)

var (
	conceptualPattern  = regexp.MustCompile(`(?i)\b(explain|why|prove|proof|concept|definition|define|describe|intuition|meaning|what does|what is an?|difference between)\b`)
	calculusPattern    = regexp.MustCompile(`(?i)(\bderiv\w*|\bintegra\w*|\bdifferentia\w*|\bantideriv\w*|\blimits?\b|d/dx|∫|∂)`)
	statisticalPattern = regexp.MustCompile(`(?i)\b(mean|median|mode|variance|standard deviation|deviation|average|probability|statistic\w*|percentile|distribution)\b`)
	algebraicPattern   = regexp.MustCompile(`(?i)(\bsolve\b|\bequations?\b|\bquadratic\b|\bpolynomial\w*\b|\bfactori[sz]e\b|\bmatri(x|ces)\b|\bsystem of\b|=|\b[xyz]\b)`)
	arithmeticPattern  = regexp.MustCompile(`\d\s*[-+*/^%]\s*\d|\bsqrt\b|\d+\s*%`)
	digitPattern       = regexp.MustCompile(`\d`)

	timeSensitivePattern = regexp.MustCompile(`(?i)\b(latest|current(ly)?|recent(ly)?|newest|today|this year|news|discovered|record|largest known|biggest known|as of|nowadays|20\d\d)\b`)
	recordsPattern       = regexp.MustCompile(`(?i)\b(record|largest known|biggest known|discovered)\b`)
)

type topicRule struct {
	topic   string
	pattern *regexp.Regexp
}

var topicRules = []topicRule{
	{"derivatives", regexp.MustCompile(`(?i)\bderiv\w*|\bdifferentia\w*|d/dx`)},
	{"integrals", regexp.MustCompile(`(?i)\bintegra\w*|\bantideriv\w*|∫`)},
	{"limits", regexp.MustCompile(`(?i)\blimits?\b`)},
	{"trigonometry", regexp.MustCompile(`(?i)\b(sin|cos|tan|sine|cosine|tangent|trigonometr\w*)\b`)},
	{"probability", regexp.MustCompile(`(?i)\bprobabilit\w*|\bdice\b|\bcoins?\b`)},
	{"statistics", regexp.MustCompile(`(?i)\b(mean|median|mode|variance|deviation|average|statistic\w*)\b`)},
	{"geometry", regexp.MustCompile(`(?i)\b(area|perimeter|volume|radius|diameter|triangle|circle|rectangle|square|angle|pythagorean|geometr\w*)\b`)},
	{"matrices", regexp.MustCompile(`(?i)\bmatri(x|ces)\b|\bdeterminant\b|\bvectors?\b`)},
	{"number-theory", regexp.MustCompile(`(?i)\bprimes?\b|\bfactorial\b|\bdivisib\w*|\bgcd\b|\blcm\b`)},
	{"equations", regexp.MustCompile(`(?i)\bsolve\b|\bequations?\b|\bquadratic\b|\bpolynomial\w*|=`)},
	{"logarithms", regexp.MustCompile(`(?i)\blog\w*\b|\bln\b|\bexponential\b`)},
	{"arithmetic", regexp.MustCompile(`\d\s*[-+*/^%]\s*\d`)},
}

// Classify assigns the routing category of a normalized question.
func Classify(text string) domain.Category {
	hasDigits := digitPattern.MatchString(text)

	switch {
	case conceptualPattern.MatchString(text) && !hasDigits:
		return domain.CategoryConceptual
	case calculusPattern.MatchString(text):
		return domain.CategoryCalculus
	case statisticalPattern.MatchString(text):
		return domain.CategoryStatistical
	case algebraicPattern.MatchString(text):
		return domain.CategoryAlgebraic
	case arithmeticPattern.MatchString(text) || hasDigits:
		return domain.CategoryArithmetic
	default:
		return domain.CategoryConceptual
	}
}

// DetectTopic returns a coarse topic tag and whether the question depends on
// information that changes over time.
func DetectTopic(text string, timeSensitiveTopics []string) (string, bool) {
	if timeSensitivePattern.MatchString(text) {
		if recordsPattern.MatchString(text) {
			return "records", true
		}
		return "current-events", true
	}

	topic := "general"
	for _, rule := range topicRules {
		if rule.pattern.MatchString(text) {
			topic = rule.topic
			break
		}
	}

	for _, t := range timeSensitiveTopics {
		if strings.EqualFold(t, topic) {
			return topic, true
		}
	}
	return topic, false
}
