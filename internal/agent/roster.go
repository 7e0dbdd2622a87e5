package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type rosterFile struct {
	Agents []Descriptor `yaml:"agents"`
}

// ParseRoster 解析 YAML 或 JSON 名册，支持顶层列表或 agents 字段。
func ParseRoster(data []byte) ([]Descriptor, error) {
	var doc rosterFile
	if err := yaml.Unmarshal(data, &doc); err == nil && len(doc.Agents) > 0 {
		return doc.Agents, nil
	}
	var list []Descriptor
	if err := yaml.Unmarshal(data, &list); err != nil {
		return nil, fmt.Errorf("解析 Agent 名册失败: %w", err)
	}
	return list, nil
}

// LoadRoster 从文件读取 Agent 名册。
func LoadRoster(path string) ([]Descriptor, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("Agent 名册路径不能为空")
	}
	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("解析 Agent 名册路径失败: %w", err)
	}
	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("读取 Agent 名册失败: %w", err)
	}
	return ParseRoster(data)
}

// DefaultRoster 返回未配置名册时使用的内置 Agent 集合。
func DefaultRoster() []Descriptor {
	return []Descriptor{
		{ID: "coder", Capabilities: []string{"code", "implement", "fix", "refactor"}, MaxConcurrentTasks: 2, Available: true},
		{ID: "reviewer", Capabilities: []string{"review", "test", "audit"}, MaxConcurrentTasks: 2, Available: true},
		{ID: "researcher", Capabilities: []string{"research", "docs"}, MaxConcurrentTasks: 1, Available: true},
		{ID: "ops", Capabilities: []string{"ops", "deploy", "infrastructure"}, MaxConcurrentTasks: 1, Available: true},
		{ID: "frontend", Capabilities: []string{"frontend", "ui"}, MaxConcurrentTasks: 1, Available: true},
	}
}
