package constitution

import (
	"strings"
	"unicode"
)

// 内置原则 ID。
const (
	PrincipleNoDestructiveWithoutConsent = "no-destructive-without-consent"
	PrincipleTransparency                = "transparency"
	PrincipleConsultBeforeMajorChange    = "consult-before-major-change"
	PrincipleRecoveryFirst               = "recovery-first"
	PrincipleAutonomyGuardrails          = "autonomy-with-guardrails"

	ConstraintCoderProductionDelete = "constraint-coder-production-delete"
	ConstraintOpsInfrastructure     = "constraint-ops-infrastructure"
)

var destructiveVerbs = map[string]struct{}{
	"delete": {}, "drop": {}, "destroy": {}, "wipe": {}, "truncate": {}, "erase": {}, "purge": {},
}

var destructivePhrases = []string{"rm -rf", "remove all"}

var majorChangeTerms = []string{
	"architecture", "architectural", "redesign", "breaking change", "rewrite", "schema change",
}

// IsDestructive 判断描述是否包含破坏性操作。
func IsDestructive(description string) bool {
	lower := strings.ToLower(description)
	if containsAny(lower, destructivePhrases) {
		return true
	}
	for _, word := range Words(lower) {
		if _, ok := destructiveVerbs[word]; ok {
			return true
		}
	}
	return false
}

// Words 将文本切分为小写单词。
func Words(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
}

// MentionsBackup 判断描述是否声明已有备份。"without backup" 之类的否定说法不算。
func MentionsBackup(description string) bool {
	lower := strings.ToLower(description)
	if !strings.Contains(lower, "backup") && !strings.Contains(lower, "back up") && !strings.Contains(lower, "snapshot") {
		return false
	}
	return !containsAny(lower, []string{"without backup", "without a backup", "no backup", "skip backup", "without back up", "without snapshot"})
}

// 证明类上下文键：由操作者或理事会背书，调用方不能自行声明。
var attestationKeys = []string{
	"user_confirmed",
	"user_approved",
	"user_notified",
	"backup_created",
	"council_approved",
	"council_voted",
}

// StripAttestations 返回去掉证明类键后的上下文副本，输入不会被修改。
func StripAttestations(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	for _, k := range attestationKeys {
		delete(out, k)
	}
	return out
}

func hasBackup(action Action) bool {
	return contextBool(action.Context, "backup_created") || MentionsBackup(action.Description)
}

func hasConsent(action Action) bool {
	return contextBool(action.Context, "user_confirmed") || contextBool(action.Context, "council_approved")
}

// DefaultPrinciples 返回内置宪法：核心原则在前，按 Agent 的约束在后。
func DefaultPrinciples() []Principle {
	return []Principle{
		{
			ID:         PrincipleNoDestructiveWithoutConsent,
			Statement:  "no destructive action without explicit consent",
			Severity:   SeverityBlock,
			Suggestion: "Obtain explicit user or council approval before destructive actions",
			Predicate: PredicateFunc(func(a Action) bool {
				return IsDestructive(a.Description) && !hasConsent(a)
			}),
		},
		{
			ID:         PrincipleTransparency,
			Statement:  "actions must be described in human-understandable terms",
			Severity:   SeverityWarn,
			Suggestion: "Provide a more detailed description of the intended action",
			Predicate: PredicateFunc(func(a Action) bool {
				return len(strings.TrimSpace(a.Description)) < 10
			}),
		},
		{
			ID:         PrincipleConsultBeforeMajorChange,
			Statement:  "changes spanning multiple systems require consultation",
			Severity:   SeverityWarn,
			Suggestion: "Request a council vote or user approval for major changes",
			Predicate: PredicateFunc(func(a Action) bool {
				major := contextBool(a.Context, "affects_multiple_systems") ||
					contextBool(a.Context, "architectural") ||
					containsAny(strings.ToLower(a.Description), majorChangeTerms)
				if !major {
					return false
				}
				return !contextBool(a.Context, "user_approved") && !contextBool(a.Context, "council_voted")
			}),
		},
		{
			ID:         PrincipleRecoveryFirst,
			Statement:  "deletions must be preceded by a backup",
			Severity:   SeverityBlock,
			Suggestion: "Create a backup before this action",
			Predicate: PredicateFunc(func(a Action) bool {
				return IsDestructive(a.Description) && !hasBackup(a)
			}),
		},
		{
			ID:         PrincipleAutonomyGuardrails,
			Statement:  "destructive actions cannot be performed autonomously",
			Severity:   SeverityBlock,
			Suggestion: "Route destructive actions through a human operator",
			Predicate: PredicateFunc(func(a Action) bool {
				return IsDestructive(a.Description) && contextBool(a.Context, "autonomous")
			}),
		},
		{
			ID:        ConstraintCoderProductionDelete,
			Statement: "coder cannot delete in production without approval",
			Severity:  SeverityWarn,
			AppliesTo: []string{"coder"},
			Predicate: PredicateFunc(func(a Action) bool {
				lower := strings.ToLower(a.Description)
				return IsDestructive(lower) && strings.Contains(lower, "production") && !hasConsent(a)
			}),
		},
		{
			ID:        ConstraintOpsInfrastructure,
			Statement: "infrastructure changes require user notification",
			Severity:  SeverityWarn,
			AppliesTo: []string{"ops"},
			Predicate: PredicateFunc(func(a Action) bool {
				return strings.Contains(strings.ToLower(a.Description), "infrastructure") &&
					!contextBool(a.Context, "user_notified")
			}),
		},
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
