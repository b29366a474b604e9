package analysis

import (
	"math"
	"strings"
)

// Word-count thresholds for complexity buckets
const (
	complexWordThreshold  = 100
	moderateWordThreshold = 30
	tokensPerWord         = 1.3
)

// typeRule pairs a task type with the keywords that select it.
// Rules are evaluated in slice order and the first match wins.
type typeRule struct {
	taskType TaskType
	keywords []string
}

var typeRules = []typeRule{
	{TypeCode, []string{
		"code", "coding", "function", "bug", "debug", "program", "script", "typescript",
		"javascript", "python", "golang", "java", "rust", "compile", "refactor", "implement",
		"api", "class", "variable", "syntax", "stack trace", "unit test", "regex", "sql",
	}},
	{TypeAnalysis, []string{
		"analyze", "analyse", "analysis", "compare", "comparison", "evaluate", "assess",
		"statistics", "trend", "trends", "insight", "insights", "pros and cons", "breakdown",
	}},
	{TypeImage, []string{
		"image", "picture", "photo", "draw", "drawing", "diagram", "screenshot", "illustration",
		"logo", "visual",
	}},
	{TypeCreative, []string{
		"story", "poem", "poetry", "creative", "fiction", "imagine", "song", "lyrics", "novel",
		"brainstorm", "slogan",
	}},
	{TypeResearch, []string{
		"research", "investigate", "sources", "citations", "latest", "paper", "papers",
		"literature", "find out", "look up",
	}},
	{TypeMath, []string{
		"calculate", "equation", "math", "solve", "integral", "derivative", "formula",
		"probability", "algebra", "theorem",
	}},
}

var complexityKeywords = []string{"detailed", "comprehensive"}

var urgencyKeywords = []string{
	"urgent", "urgently", "asap", "immediately", "critical", "emergency", "right now",
}

// capabilitiesByType lists the capabilities a type adds on top of text
var capabilitiesByType = map[TaskType][]Capability{
	TypeCode:     {CapCode},
	TypeAnalysis: {CapReasoning},
	TypeMath:     {CapReasoning},
	TypeImage:    {CapVision},
}

// Analyze classifies raw input text. It never fails and is deterministic:
// identical input always yields an identical TaskAnalysis.
func Analyze(input string) TaskAnalysis {
	lower := strings.ToLower(input)
	words := strings.Fields(lower)
	wc := len(words)

	tokens := newTokenSet(words)

	taskType := classify(lower, tokens, wc)

	caps := []Capability{CapText}
	caps = append(caps, capabilitiesByType[taskType]...)

	return TaskAnalysis{
		Type:                 taskType,
		Complexity:           complexityFor(taskType, lower, tokens, wc),
		RequiredCapabilities: caps,
		EstimatedTokens:      EstimateTokens(wc),
		Priority:             priorityFor(lower, tokens),
		WordCount:            wc,
	}
}

// EstimateTokens converts a word count into a token estimate
func EstimateTokens(wordCount int) int {
	if wordCount <= 0 {
		return 0
	}
	return int(math.Ceil(float64(wordCount) * tokensPerWord))
}

func classify(lower string, tokens tokenSet, wc int) TaskType {
	if wc == 0 {
		return TypeUnknown
	}
	for _, rule := range typeRules {
		if tokens.containsAny(lower, rule.keywords) {
			return rule.taskType
		}
	}
	return TypeConversation
}

func complexityFor(t TaskType, lower string, tokens tokenSet, wc int) Complexity {
	if wc > complexWordThreshold || tokens.containsAny(lower, complexityKeywords) {
		return ComplexityComplex
	}
	if wc > moderateWordThreshold || t == TypeAnalysis || t == TypeCode {
		return ComplexityModerate
	}
	return ComplexitySimple
}

func priorityFor(lower string, tokens tokenSet) Priority {
	if tokens.containsAny(lower, urgencyKeywords) {
		return PriorityHigh
	}
	return PriorityNormal
}

// tokenSet holds punctuation-trimmed words of the input plus their
// plural, -ing and -ed stems, so "bugs" and "debugging" hit "bug" and "debug"
type tokenSet map[string]struct{}

func newTokenSet(words []string) tokenSet {
	set := make(tokenSet, len(words))
	for _, w := range words {
		w = strings.Trim(w, ".,!?;:()[]{}\"'`*")
		if w == "" {
			continue
		}
		set[w] = struct{}{}
		for _, stem := range stems(w) {
			set[stem] = struct{}{}
		}
	}
	return set
}

// stems returns candidate base forms of w. Over-generation is harmless:
// a stem only matters when it equals a keyword.
func stems(w string) []string {
	var out []string
	switch {
	case len(w) > 4 && strings.HasSuffix(w, "ies"):
		out = append(out, w[:len(w)-3]+"y")
	case len(w) > 3 && strings.HasSuffix(w, "s") && !strings.HasSuffix(w, "ss"):
		out = append(out, w[:len(w)-1])
		if strings.HasSuffix(w, "es") {
			out = append(out, w[:len(w)-2])
		}
	case len(w) > 5 && strings.HasSuffix(w, "ing"):
		base := w[:len(w)-3]
		out = append(out, base, base+"e", undouble(base))
	case len(w) > 4 && strings.HasSuffix(w, "ed"):
		base := w[:len(w)-2]
		out = append(out, w[:len(w)-1], base, undouble(base))
	}
	return out
}

// undouble drops a doubled final consonant: "debugg" -> "debug"
func undouble(s string) string {
	n := len(s)
	if n < 3 || s[n-1] != s[n-2] || strings.IndexByte("aeiou", s[n-1]) >= 0 {
		return s
	}
	return s[:n-1]
}

// containsAny matches single-word keywords against whole words and
// multi-word keywords as phrases in the lower-cased text.
func (s tokenSet) containsAny(lower string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(kw, " ") {
			if strings.Contains(lower, kw) {
				return true
			}
			continue
		}
		if _, ok := s[kw]; ok {
			return true
		}
	}
	return false
}
