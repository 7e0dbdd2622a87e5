package pattern

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"Agora-Governance/pkg/logger"
)

const (
	defaultMaxResults = 5
	learningRate      = 0.3
	reinforceFloor    = 0.7
	semanticFloor     = 0.6
	neutralAgentRate  = 0.5

	keywordWeight  = 0.4
	semanticWeight = 0.6
)

// Tracker 是默认的 Matcher 实现，同时从任务结果中学习新模式。
type Tracker struct {
	mu         sync.RWMutex
	patterns   map[string]*Pattern
	order      []string
	maxResults int
	learn      bool
	now        func() time.Time
	log        *slog.Logger
}

// Option 自定义 Tracker。
type Option func(*Tracker)

// WithMaxResults 限制单次匹配返回的条数。
func WithMaxResults(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxResults = n
		}
	}
}

// WithLearning 控制是否从任务结果中学习，默认开启。
func WithLearning(enabled bool) Option {
	return func(t *Tracker) { t.learn = enabled }
}

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(t *Tracker) {
		if l != nil {
			t.log = l
		}
	}
}

// NewTracker 使用种子模式创建 Tracker。
func NewTracker(seeds []Pattern, opts ...Option) *Tracker {
	t := &Tracker{
		patterns:   make(map[string]*Pattern),
		maxResults: defaultMaxResults,
		learn:      true,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.log == nil {
		t.log = logger.Named("pattern")
	}
	t.Restore(seeds)
	return t
}

// Match 返回与描述最相似的模式，按置信度降序，最多 maxResults 条。
func (t *Tracker) Match(description string) []Match {
	if t == nil || strings.TrimSpace(description) == "" {
		return nil
	}
	features := Features(description)
	vec := vectorize(description)

	t.mu.RLock()
	matches := make([]Match, 0, len(t.order))
	for _, id := range t.order {
		p := t.patterns[id]
		confidence := score(p, features, vec)
		if confidence <= 0 {
			continue
		}
		matches = append(matches, Match{PatternID: p.ID, Confidence: confidence, Metadata: p.metadata()})
	}
	t.mu.RUnlock()

	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Confidence > matches[j].Confidence })
	if len(matches) > t.maxResults {
		matches = matches[:t.maxResults]
	}
	return matches
}

// score 综合关键词特征与语义相似度。
// 关键词部分 = 0.6*特征重合率 + 0.4*历史成功率；总分 = 0.4*关键词 + 0.6*余弦相似度。
func score(p *Pattern, features []string, vec map[string]float64) float64 {
	keyword := 0.0
	if len(features) > 0 {
		hits := 0
		for _, f := range features {
			for _, c := range p.Characteristics {
				if f == c {
					hits++
					break
				}
			}
		}
		keyword = 0.6*float64(hits)/float64(len(features)) + 0.4*p.SuccessRate
	}
	semantic := cosine(vec, p.Vector)
	if keyword == 0 && semantic == 0 {
		return 0
	}
	return round4(keywordWeight*keyword + semanticWeight*semantic)
}

// RecordOutcome 根据任务结果更新模式，返回被更新或新建的模式 ID。
// 综合分超过 0.7 或同类别且语义相似度超过 0.6 的最佳模式会被强化；
// 否则仅在成功时新建模式，失败结果不会生成新模式。
func (t *Tracker) RecordOutcome(o Outcome) string {
	if t == nil || !t.learn || strings.TrimSpace(o.Description) == "" {
		return ""
	}
	features := Features(o.Description)
	vec := vectorize(o.Description)

	t.mu.Lock()
	defer t.mu.Unlock()

	category := InferCategory(o.Description)
	var best *Pattern
	bestScore := 0.0
	for _, id := range t.order {
		p := t.patterns[id]
		s := score(p, features, vec)
		similar := s > reinforceFloor || (p.Category == category && cosine(vec, p.Vector) > semanticFloor)
		if similar && s > bestScore {
			best, bestScore = p, s
		}
	}

	if best != nil {
		t.reinforce(best, o)
		t.log.Debug("模式已强化",
			slog.String("pattern_id", best.ID),
			slog.Float64("score", bestScore),
			slog.Bool("success", o.Success))
		return best.ID
	}
	if !o.Success {
		return ""
	}

	name := category
	if len(features) > 0 {
		name = category + " - " + features[0]
	}
	p := &Pattern{
		ID:                uuid.NewString(),
		Name:              name,
		Category:          category,
		Description:       truncate(o.Description, 200),
		Characteristics:   features,
		Capabilities:      CapabilitiesFor(category),
		AgentPerformance:  make(map[string]float64),
		SuccessRate:       1,
		SampleSize:        1,
		AvgDurationMillis: o.Duration.Milliseconds(),
		Vector:            vec,
		UpdatedAt:         t.now(),
	}
	if o.AgentID != "" {
		p.AgentPerformance[o.AgentID] = round4(learningRate + (1-learningRate)*neutralAgentRate)
		p.RecommendedAgents = []string{o.AgentID}
	}
	t.patterns[p.ID] = p
	t.order = append(t.order, p.ID)
	t.log.Info("学习到新的任务模式",
		slog.String("pattern_id", p.ID),
		slog.String("category", category),
		slog.String("agent_id", o.AgentID))
	return p.ID
}

// reinforce 调用方必须持有写锁。
func (t *Tracker) reinforce(p *Pattern, o Outcome) {
	hit := 0.0
	if o.Success {
		hit = 1
	}
	p.SampleSize++
	p.SuccessRate = round4(learningRate*hit + (1-learningRate)*p.SuccessRate)
	if o.Duration > 0 {
		n := int64(p.SampleSize)
		p.AvgDurationMillis = (p.AvgDurationMillis*(n-1) + o.Duration.Milliseconds()) / n
	}
	p.UpdatedAt = t.now()
	if o.AgentID == "" {
		return
	}
	if p.AgentPerformance == nil {
		p.AgentPerformance = make(map[string]float64)
	}
	current, ok := p.AgentPerformance[o.AgentID]
	if !ok {
		current = neutralAgentRate
	}
	if !containsString(p.RecommendedAgents, o.AgentID) {
		p.RecommendedAgents = append(p.RecommendedAgents, o.AgentID)
	}
	p.AgentPerformance[o.AgentID] = round4(learningRate*hit + (1-learningRate)*current)
	sort.SliceStable(p.RecommendedAgents, func(i, j int) bool {
		return p.rate(p.RecommendedAgents[i]) > p.rate(p.RecommendedAgents[j])
	})
}

func (p *Pattern) rate(agentID string) float64 {
	if v, ok := p.AgentPerformance[agentID]; ok {
		return v
	}
	return neutralAgentRate
}

// Get 返回指定模式的副本。
func (t *Tracker) Get(id string) (Pattern, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.patterns[id]
	if !ok {
		return Pattern{}, false
	}
	return p.clone(), true
}

// Patterns 按注册顺序返回全部模式的副本，可用于持久化。
func (t *Tracker) Patterns() []Pattern {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]Pattern, 0, len(t.order))
	for _, id := range t.order {
		out = append(out, t.patterns[id].clone())
	}
	return out
}

// PatternsForAgent 返回推荐了指定 Agent 的模式。
func (t *Tracker) PatternsForAgent(agentID string) []Pattern {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Pattern
	for _, id := range t.order {
		p := t.patterns[id]
		if containsString(p.RecommendedAgents, agentID) {
			out = append(out, p.clone())
		}
	}
	return out
}

// Restore 合并外部模式，同 ID 的模式会被覆盖。缺失的字段按描述补齐。
func (t *Tracker) Restore(patterns []Pattern) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, seed := range patterns {
		p := seed.clone()
		if strings.TrimSpace(p.ID) == "" {
			p.ID = uuid.NewString()
		}
		text := strings.TrimSpace(p.Name + " " + p.Description)
		if p.Category == "" {
			p.Category = InferCategory(text)
		}
		if len(p.Characteristics) == 0 {
			p.Characteristics = Features(text)
		}
		if len(p.Capabilities) == 0 {
			p.Capabilities = CapabilitiesFor(p.Category)
		}
		if len(p.Vector) == 0 {
			p.Vector = vectorize(text)
		}
		if p.SampleSize == 0 && p.SuccessRate == 0 {
			p.SuccessRate = neutralAgentRate
		}
		if _, exists := t.patterns[p.ID]; !exists {
			t.order = append(t.order, p.ID)
		}
		t.patterns[p.ID] = &p
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var (
	_ Matcher = (*Tracker)(nil)
	_ Learner = (*Tracker)(nil)
)
