package pattern

import (
	"math"
	"strings"
	"unicode"
)

// 任务类别。
const (
	CategoryBugfix        = "bugfix"
	CategoryFeature       = "feature"
	CategoryRefactor      = "refactor"
	CategoryDocumentation = "documentation"
	CategoryTesting       = "testing"
	CategoryDeployment    = "deployment"
	CategoryReview        = "review"
	CategoryResearch      = "research"
	CategoryOptimization  = "optimization"
	CategoryGeneral       = "general"
)

var featureKeywords = []string{
	"implement", "fix", "test", "refactor", "design", "api",
	"ui", "database", "auth", "deploy", "review", "optimi",
}

type categoryRule struct {
	category string
	terms    []string
}

// 顺序决定同分时的优先级。
var categoryRules = []categoryRule{
	{CategoryBugfix, []string{"fix", "bug", "error", "debug", "issue", "repair", "resolve", "patch", "broken", "crash", "fail"}},
	{CategoryFeature, []string{"implement", "add", "create", "new", "feature", "enhancement", "extend", "introduce", "build"}},
	{CategoryRefactor, []string{"refactor", "restructure", "reorganize", "clean", "simplify", "rework", "modernize"}},
	{CategoryDocumentation, []string{"document", "readme", "comment", "explain", "guide", "tutorial", "doc", "manual"}},
	{CategoryTesting, []string{"test", "spec", "assert", "verify", "validate", "coverage"}},
	{CategoryDeployment, []string{"deploy", "release", "publish", "ship", "install", "setup", "configure", "provision"}},
	{CategoryReview, []string{"review", "audit", "inspect", "examine", "analyze", "approve"}},
	{CategoryResearch, []string{"research", "investigate", "explore", "find", "search", "discover", "look into", "study"}},
	{CategoryOptimization, []string{"optimize", "performance", "speed", "cache", "accelerate", "efficient"}},
}

var categoryCapabilities = map[string][]string{
	CategoryBugfix:        {"code"},
	CategoryFeature:       {"code"},
	CategoryRefactor:      {"code"},
	CategoryDocumentation: {"docs"},
	CategoryTesting:       {"review"},
	CategoryDeployment:    {"ops"},
	CategoryReview:        {"review"},
	CategoryResearch:      {"research"},
	CategoryOptimization:  {"code"},
	CategoryGeneral:       {"code"},
}

// CapabilitiesFor 返回类别默认对应的能力标签。
func CapabilitiesFor(category string) []string {
	return append([]string(nil), categoryCapabilities[category]...)
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// hasTerm 判断文本是否包含某个词：短词要求完全相同，长词允许词形变化（前缀匹配），短语按子串匹配。
func hasTerm(lower string, tokens []string, term string) bool {
	if strings.Contains(term, " ") {
		return strings.Contains(lower, term)
	}
	for _, tok := range tokens {
		if tok == term || (len(term) > 3 && strings.HasPrefix(tok, term)) {
			return true
		}
	}
	return false
}

// Features 提取描述中出现的特征关键词。
func Features(text string) []string {
	lower := strings.ToLower(text)
	tokens := tokenize(lower)
	var out []string
	for _, kw := range featureKeywords {
		if hasTerm(lower, tokens, kw) {
			out = append(out, kw)
		}
	}
	return out
}

// InferCategory 按关键词命中数推断任务类别。
func InferCategory(text string) string {
	lower := strings.ToLower(text)
	tokens := tokenize(lower)
	best, bestHits := CategoryGeneral, 0
	for _, rule := range categoryRules {
		hits := 0
		for _, term := range rule.terms {
			if hasTerm(lower, tokens, term) {
				hits++
			}
		}
		if hits > bestHits {
			best, bestHits = rule.category, hits
		}
	}
	return best
}

// vectorize 生成归一化的词权重向量：0.5+0.5*tf/maxtf 乘以 log(1+n/tf)。
func vectorize(text string) map[string]float64 {
	var tokens []string
	for _, tok := range tokenize(text) {
		if len(tok) > 2 {
			tokens = append(tokens, tok)
		}
	}
	if len(tokens) == 0 {
		return nil
	}
	tf := make(map[string]int, len(tokens))
	maxFreq := 0
	for _, tok := range tokens {
		tf[tok]++
		if tf[tok] > maxFreq {
			maxFreq = tf[tok]
		}
	}
	vec := make(map[string]float64, len(tf))
	var norm float64
	for word, freq := range tf {
		w := (0.5 + 0.5*float64(freq)/float64(maxFreq)) * math.Log(1+float64(len(tokens))/float64(freq))
		vec[word] = w
		norm += w * w
	}
	norm = math.Sqrt(norm)
	if norm == 0 {
		return vec
	}
	for word := range vec {
		vec[word] /= norm
	}
	return vec
}

func cosine(a, b map[string]float64) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot, magA, magB float64
	for word, v := range a {
		dot += v * b[word]
		magA += v * v
	}
	for _, v := range b {
		magB += v * v
	}
	if magA == 0 || magB == 0 {
		return 0
	}
	return dot / (math.Sqrt(magA) * math.Sqrt(magB))
}

func round4(v float64) float64 {
	return math.Round(v*10000) / 10000
}
