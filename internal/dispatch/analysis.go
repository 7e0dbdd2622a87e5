package dispatch

import (
	"strings"

	"Agora-Governance/internal/constitution"
	"Agora-Governance/internal/council"
)

// consensusTerms 命中任意一项即视为复杂任务，需要议会表决。
var consensusTerms = []string{
	"architecture", "redesign", "breaking change", "database", "migration",
	"security", "api redesign", "infrastructure",
}

// RequiresConsensus 判断任务是否需要先经议会表决。
func RequiresConsensus(description string, context map[string]any) bool {
	if contextBool(context, "requires_consensus") {
		return true
	}
	return containsAny(strings.ToLower(description), consensusTerms)
}

// ClassifyProposal 根据描述推断提案类型。
func ClassifyProposal(description string) string {
	lower := strings.ToLower(description)
	switch {
	case containsAny(lower, []string{"architecture", "redesign", "infrastructure"}):
		return council.TypeArchitectural
	case containsAny(lower, []string{"refactor", "migrate", "migration"}):
		return council.TypeRefactoring
	case containsAny(lower, []string{"assign", "delegate"}):
		return council.TypeAgentAssignment
	case containsAny(lower, []string{"resource", "budget", "scale"}):
		return council.TypeResource
	default:
		return council.TypeGeneral
	}
}

// 影响等级。
const (
	ImpactLow    = "low"
	ImpactMedium = "medium"
	ImpactHigh   = "high"
)

// Analysis 是附在提案上的风险收益摘要，供投票者参考。
type Analysis struct {
	Risks    []string `json:"risks"`
	Benefits []string `json:"benefits"`
	Impact   string   `json:"impact"`
}

// Analyze 基于关键词给出提案的风险、收益和影响等级。
func Analyze(description, proposalType string) Analysis {
	lower := strings.ToLower(description)
	a := Analysis{Risks: []string{}, Benefits: []string{}}

	if constitution.IsDestructive(description) {
		a.Risks = append(a.Risks, "destructive change")
	}
	if strings.Contains(lower, "breaking") {
		a.Risks = append(a.Risks, "breaking change for dependents")
	}
	if containsAny(lower, []string{"database", "migration", "schema"}) {
		a.Risks = append(a.Risks, "data migration")
	}
	if strings.Contains(lower, "security") {
		a.Risks = append(a.Risks, "security exposure")
	}

	if containsAny(lower, []string{"performance", "faster", "latency", "optimi"}) {
		a.Benefits = append(a.Benefits, "performance")
	}
	if containsAny(lower, []string{"scalab", "scale"}) {
		a.Benefits = append(a.Benefits, "scalability")
	}
	if containsAny(lower, []string{"maintainab", "refactor", "cleanup", "simplif"}) {
		a.Benefits = append(a.Benefits, "maintainability")
	}
	if strings.Contains(lower, "security") {
		a.Benefits = append(a.Benefits, "security hardening")
	}

	switch {
	case proposalType == council.TypeArchitectural, strings.Contains(lower, "breaking"), constitution.IsDestructive(description):
		a.Impact = ImpactHigh
	case proposalType == council.TypeRefactoring, proposalType == council.TypeResource, len(a.Risks) > 0:
		a.Impact = ImpactMedium
	default:
		a.Impact = ImpactLow
	}
	return a
}

func contextBool(ctx map[string]any, key string) bool {
	if ctx == nil {
		return false
	}
	switch v := ctx[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(v, "true") || v == "1" || strings.EqualFold(v, "yes")
	default:
		return false
	}
}

func containsAny(haystack string, needles []string) bool {
	for _, needle := range needles {
		if strings.Contains(haystack, needle) {
			return true
		}
	}
	return false
}
