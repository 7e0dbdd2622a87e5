package constitution

import (
	"fmt"
	"strings"

	xerrors "Agora-Governance/internal/errors"
)

const (
	confidenceBlocked = 0.95
	confidenceNovel   = 0.7
	confidenceDefault = 0.85
)

// Evaluator 按注册顺序对操作逐条检查原则。构造后只读，可并发使用。
type Evaluator struct {
	principles []Principle
}

// NewEvaluator 校验并固化原则列表。ID 必须唯一，谓词不能为空。
func NewEvaluator(principles []Principle) (*Evaluator, error) {
	seen := make(map[string]struct{}, len(principles))
	frozen := make([]Principle, 0, len(principles))
	for i, p := range principles {
		id := strings.TrimSpace(p.ID)
		if id == "" {
			return nil, xerrors.Errorf(xerrors.CodeInvalidArgument, "第 %d 条原则缺少 id", i)
		}
		if _, dup := seen[id]; dup {
			return nil, xerrors.Errorf(xerrors.CodeInvalidArgument, "原则 id 重复: %s", id)
		}
		if !p.Severity.IsValid() {
			return nil, xerrors.Errorf(xerrors.CodeInvalidArgument, "原则 %s 的 severity 非法: %q", id, p.Severity)
		}
		if p.Predicate == nil {
			return nil, xerrors.Errorf(xerrors.CodeInvalidArgument, "原则 %s 缺少谓词", id)
		}
		seen[id] = struct{}{}
		p.ID = id
		p.AppliesTo = append([]string(nil), p.AppliesTo...)
		frozen = append(frozen, p)
	}
	return &Evaluator{principles: frozen}, nil
}

// Principles 返回原则列表的副本。
func (e *Evaluator) Principles() []Principle {
	if e == nil {
		return nil
	}
	out := make([]Principle, len(e.principles))
	copy(out, e.principles)
	return out
}

// Evaluate 对操作给出裁决。不会失败：没有命中即允许。
// 所有命中的原则都会被记录，不会在第一条 block 处短路。
func (e *Evaluator) Evaluate(action Action) Verdict {
	verdict := Verdict{Allowed: true, ViolatedPrinciples: []string{}}
	if e == nil {
		verdict.Rationale = "no principles configured"
		verdict.Confidence = confidenceDefault
		return verdict
	}

	var reasons []string
	seenSuggestion := make(map[string]struct{})
	for _, p := range e.principles {
		if !p.appliesTo(action.Requester) || !p.Predicate.Matches(action) {
			continue
		}
		verdict.ViolatedPrinciples = append(verdict.ViolatedPrinciples, p.ID)
		verdict.Violations = append(verdict.Violations, Violation{
			PrincipleID: p.ID,
			Severity:    p.Severity,
			Statement:   p.Statement,
		})
		if p.Severity == SeverityBlock {
			verdict.Allowed = false
		}
		reasons = append(reasons, fmt.Sprintf("[%s] %s: %s", p.Severity, p.ID, p.Statement))
		if p.Suggestion != "" {
			if _, dup := seenSuggestion[p.Suggestion]; !dup {
				seenSuggestion[p.Suggestion] = struct{}{}
				verdict.Suggestions = append(verdict.Suggestions, p.Suggestion)
			}
		}
	}

	if strings.EqualFold(fmt.Sprint(action.Context["complexity"]), "high") {
		verdict.Suggestions = append(verdict.Suggestions, "Consider requesting a council vote for this complex action")
	}

	switch {
	case len(reasons) == 0:
		verdict.Rationale = "no principle matched"
	case verdict.Allowed:
		verdict.Rationale = "allowed with warnings: " + strings.Join(reasons, "; ")
	default:
		verdict.Rationale = "blocked: " + strings.Join(reasons, "; ")
	}

	switch {
	case !verdict.Allowed:
		verdict.Confidence = confidenceBlocked
	case contextBool(action.Context, "novel"):
		verdict.Confidence = confidenceNovel
	default:
		verdict.Confidence = confidenceDefault
	}
	return verdict
}
