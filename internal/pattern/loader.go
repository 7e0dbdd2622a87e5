package pattern

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type seedFile struct {
	Patterns []Pattern `yaml:"patterns"`
}

// ParseSeeds 解析 YAML 或 JSON 格式的种子模式，支持顶层列表或 patterns 字段。
func ParseSeeds(data []byte) ([]Pattern, error) {
	var doc seedFile
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Patterns) > 0 {
		return doc.Patterns, nil
	}
	var list []Pattern
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("解析模式文件失败: %w", err)
	}
	return list, nil
}

// LoadSeeds 从文件加载种子模式。
func LoadSeeds(path string) ([]Pattern, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("模式文件路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析模式文件路径失败: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取模式文件失败: %w", err)
	}
	return ParseSeeds(data)
}
