package constitution

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// PrincipleSpec 是原则文件中的一条声明，谓词以 CEL 表达式给出。
type PrincipleSpec struct {
	ID         string   `yaml:"id" json:"id"`
	Statement  string   `yaml:"statement" json:"statement"`
	Severity   Severity `yaml:"severity" json:"severity"`
	Suggestion string   `yaml:"suggestion" json:"suggestion"`
	AppliesTo  []string `yaml:"applies_to" json:"applies_to"`
	When       string   `yaml:"when" json:"when"`
}

type principleFile struct {
	Principles []PrincipleSpec `yaml:"principles"`
}

// Compile 将声明编译为原则。
func (s PrincipleSpec) Compile() (Principle, error) {
	predicate, err := NewCELPredicate(s.When)
	if err != nil {
		return Principle{}, fmt.Errorf("原则 %s: %w", s.ID, err)
	}
	severity := Severity(strings.ToLower(strings.TrimSpace(string(s.Severity))))
	if severity == "" {
		severity = SeverityWarn
	}
	return Principle{
		ID:         strings.TrimSpace(s.ID),
		Statement:  s.Statement,
		Severity:   severity,
		Suggestion: s.Suggestion,
		AppliesTo:  s.AppliesTo,
		Predicate:  predicate,
	}, nil
}

// ParsePrinciples 解析 YAML 或 JSON 格式的原则文件内容。
func ParsePrinciples(content []byte) ([]Principle, error) {
	var file principleFile
	if err := yaml.Unmarshal(content, &file); err != nil {
		return nil, fmt.Errorf("解析原则文件失败: %w", err)
	}
	principles := make([]Principle, 0, len(file.Principles))
	for _, spec := range file.Principles {
		p, err := spec.Compile()
		if err != nil {
			return nil, err
		}
		principles = append(principles, p)
	}
	return principles, nil
}

// LoadPrinciples 从文件加载原则。
func LoadPrinciples(path string) ([]Principle, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("原则文件路径不能为空")
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取原则文件失败: %w", err)
	}
	return ParsePrinciples(content)
}
