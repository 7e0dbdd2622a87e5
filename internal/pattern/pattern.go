// Package pattern 记录历史任务模式，为派发路由和预测提供相似度匹配。
package pattern

import (
	"time"
)

// Matcher 定义模式检索的通用接口，实现必须是只读的。
type Matcher interface {
	Match(description string) []Match
}

// Learner 由可以从任务结果中学习的 Matcher 实现。
type Learner interface {
	RecordOutcome(outcome Outcome) string
}

// Match 是一次模式匹配结果。
type Match struct {
	PatternID  string   `json:"pattern_id"`
	Confidence float64  `json:"confidence"`
	Metadata   Metadata `json:"metadata"`
}

// Metadata 描述匹配到的模式，供路由与预测使用。
type Metadata struct {
	Name              string        `json:"name"`
	Category          string        `json:"category"`
	Capabilities      []string      `json:"capabilities,omitempty"`
	RecommendedAgents []string      `json:"recommended_agents,omitempty"`
	SuccessRate       float64       `json:"success_rate"`
	FailureRate       float64       `json:"failure_rate"`
	SampleSize        int           `json:"sample_size"`
	AvgDuration       time.Duration `json:"avg_duration"`
	Successors        []string      `json:"successors,omitempty"`
}

// Outcome 描述一个已结束任务的执行结果。
type Outcome struct {
	Description string
	AgentID     string
	Success     bool
	Duration    time.Duration
}

// Pattern 是一类相似任务的统计画像。
type Pattern struct {
	ID                string             `json:"id" yaml:"id"`
	Name              string             `json:"name" yaml:"name"`
	Category          string             `json:"category" yaml:"category"`
	Description       string             `json:"description" yaml:"description"`
	Characteristics   []string           `json:"characteristics,omitempty" yaml:"characteristics,omitempty"`
	Capabilities      []string           `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	RecommendedAgents []string           `json:"recommended_agents,omitempty" yaml:"recommended_agents,omitempty"`
	AgentPerformance  map[string]float64 `json:"agent_performance,omitempty" yaml:"agent_performance,omitempty"`
	SuccessRate       float64            `json:"success_rate" yaml:"success_rate"`
	SampleSize        int                `json:"sample_size" yaml:"sample_size"`
	AvgDurationMillis int64              `json:"avg_duration_ms" yaml:"avg_duration_ms"`
	Successors        []string           `json:"successors,omitempty" yaml:"successors,omitempty"`
	Vector            map[string]float64 `json:"vector,omitempty" yaml:"-"`
	UpdatedAt         time.Time          `json:"updated_at" yaml:"updated_at,omitempty"`
}

func (p *Pattern) metadata() Metadata {
	return Metadata{
		Name:              p.Name,
		Category:          p.Category,
		Capabilities:      append([]string(nil), p.Capabilities...),
		RecommendedAgents: append([]string(nil), p.RecommendedAgents...),
		SuccessRate:       p.SuccessRate,
		FailureRate:       round4(1 - p.SuccessRate),
		SampleSize:        p.SampleSize,
		AvgDuration:       time.Duration(p.AvgDurationMillis) * time.Millisecond,
		Successors:        append([]string(nil), p.Successors...),
	}
}

func (p *Pattern) clone() Pattern {
	out := *p
	out.Characteristics = append([]string(nil), p.Characteristics...)
	out.Capabilities = append([]string(nil), p.Capabilities...)
	out.RecommendedAgents = append([]string(nil), p.RecommendedAgents...)
	out.Successors = append([]string(nil), p.Successors...)
	if p.AgentPerformance != nil {
		out.AgentPerformance = make(map[string]float64, len(p.AgentPerformance))
		for k, v := range p.AgentPerformance {
			out.AgentPerformance[k] = v
		}
	}
	if p.Vector != nil {
		out.Vector = make(map[string]float64, len(p.Vector))
		for k, v := range p.Vector {
			out.Vector[k] = v
		}
	}
	return out
}
