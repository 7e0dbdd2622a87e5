package prediction

import (
	"strings"

	"Agora-Governance/internal/pattern"
)

// Successor 是某个动作之后可能出现的下一步。
type Successor struct {
	Action      string
	Probability float64
}

var successorTable = map[string][]Successor{
	"implement": {{"test", 0.85}, {"review", 0.70}, {"document", 0.40}},
	"test":      {{"review", 0.80}, {"fix", 0.60}, {"deploy", 0.50}},
	"deploy":    {{"monitor", 0.90}, {"document", 0.60}},
	"research":  {{"plan", 0.75}, {"implement", 0.50}},
	"fix":       {{"test", 0.95}, {"verify", 0.70}},
	"plan":      {{"implement", 0.80}, {"refactor", 0.30}},
}

// Successors 返回动作的后继列表，按概率降序。
func Successors(action string) []Successor {
	return append([]Successor(nil), successorTable[action]...)
}

// MostLikelySuccessor 返回概率最高的后继动作。
func MostLikelySuccessor(action string) (Successor, bool) {
	list := successorTable[action]
	if len(list) == 0 {
		return Successor{}, false
	}
	return list[0], true
}

var categoryActions = map[string]string{
	pattern.CategoryFeature:      "implement",
	pattern.CategoryRefactor:     "implement",
	pattern.CategoryOptimization: "implement",
	pattern.CategoryTesting:      "test",
	pattern.CategoryDeployment:   "deploy",
	pattern.CategoryResearch:     "research",
	pattern.CategoryBugfix:       "fix",
}

// ActionFor 由模式类别推断当前动作，类别无法对应时回退到描述中的关键词。
func ActionFor(category, description string) string {
	if action, ok := categoryActions[category]; ok {
		return action
	}
	lower := strings.ToLower(description)
	switch {
	case containsAny(lower, "implement", "build", "create"):
		return "implement"
	case strings.Contains(lower, "test"):
		return "test"
	case containsAny(lower, "deploy", "release"):
		return "deploy"
	case containsAny(lower, "research", "investigate"):
		return "research"
	case containsAny(lower, "fix", "bug"):
		return "fix"
	case containsAny(lower, "plan", "design"):
		return "plan"
	default:
		return "implement"
	}
}

func containsAny(text string, terms ...string) bool {
	for _, t := range terms {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}
