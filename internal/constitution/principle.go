package constitution

import (
	"strings"
)

// Severity 表示原则被触发后的处理强度。
type Severity string

const (
	// SeverityBlock 命中即拒绝执行。
	SeverityBlock Severity = "block"
	// SeverityWarn 命中仅记录在裁决理由中。
	SeverityWarn Severity = "warn"
)

// IsValid 判断严重级别是否受支持。
func (s Severity) IsValid() bool {
	return s == SeverityBlock || s == SeverityWarn
}

// Action 描述一次待裁决的操作，仅在单次派发中存在。
type Action struct {
	Description string         `json:"description"`
	Requester   string         `json:"requester"`
	Context     map[string]any `json:"context,omitempty"`
}

// Predicate 判断原则是否命中给定操作。实现必须无副作用。
type Predicate interface {
	Matches(action Action) bool
}

// PredicateFunc 允许直接使用函数作为 Predicate。
type PredicateFunc func(action Action) bool

// Matches 实现 Predicate 接口。
func (f PredicateFunc) Matches(action Action) bool {
	if f == nil {
		return false
	}
	return f(action)
}

// Principle 是宪法中的一条原则。加载完成后不可修改。
// AppliesTo 非空时仅约束列出的请求方，用于按 Agent 的约束条款。
type Principle struct {
	ID         string    `json:"id"`
	Statement  string    `json:"statement"`
	Severity   Severity  `json:"severity"`
	Suggestion string    `json:"suggestion,omitempty"`
	AppliesTo  []string  `json:"applies_to,omitempty"`
	Predicate  Predicate `json:"-"`
}

func (p Principle) appliesTo(requester string) bool {
	if len(p.AppliesTo) == 0 {
		return true
	}
	requester = strings.ToLower(strings.TrimSpace(requester))
	for _, scope := range p.AppliesTo {
		if strings.ToLower(strings.TrimSpace(scope)) == requester {
			return true
		}
	}
	return false
}

// Violation 描述一条命中的原则。
type Violation struct {
	PrincipleID string   `json:"principle_id"`
	Severity    Severity `json:"severity"`
	Statement   string   `json:"statement"`
}

// Verdict 是一次裁决的结果，由派发器立即消费。
type Verdict struct {
	Allowed            bool        `json:"allowed"`
	ViolatedPrinciples []string    `json:"violated_principles"`
	Violations         []Violation `json:"violations,omitempty"`
	Rationale          string      `json:"rationale"`
	Suggestions        []string    `json:"suggestions,omitempty"`
	Confidence         float64     `json:"confidence"`
}

// Blocking 返回导致拒绝的原则 ID。
func (v Verdict) Blocking() []string {
	var ids []string
	for _, violation := range v.Violations {
		if violation.Severity == SeverityBlock {
			ids = append(ids, violation.PrincipleID)
		}
	}
	return ids
}

// Warnings 返回仅告警的原则 ID。
func (v Verdict) Warnings() []string {
	var ids []string
	for _, violation := range v.Violations {
		if violation.Severity == SeverityWarn {
			ids = append(ids, violation.PrincipleID)
		}
	}
	return ids
}

// Clone 返回深拷贝，便于跨组件传递。
func (v Verdict) Clone() Verdict {
	out := v
	out.ViolatedPrinciples = append([]string(nil), v.ViolatedPrinciples...)
	out.Violations = append([]Violation(nil), v.Violations...)
	out.Suggestions = append([]string(nil), v.Suggestions...)
	return out
}

// contextBool 读取上下文中的布尔标记，兼容字符串形式的 "true"。
func contextBool(ctx map[string]any, key string) bool {
	if ctx == nil {
		return false
	}
	switch v := ctx[key].(type) {
	case bool:
		return v
	case string:
		return strings.EqualFold(strings.TrimSpace(v), "true")
	default:
		return false
	}
}
