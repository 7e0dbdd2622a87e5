// Package prediction 根据历史模式和系统状态给出建议，只做参考，不参与准入决策。
package prediction

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/internal/pattern"
	"Agora-Governance/pkg/logger"
)

// Kind 是建议的类别。
type Kind string

const (
	KindNextStep     Kind = "next-step"
	KindRisk         Kind = "risk"
	KindOptimization Kind = "optimization"
)

const (
	defaultFloor         = 0.5
	defaultTopK          = 3
	defaultRiskThreshold = 0.3
	defaultHistory       = 1000

	seededSuccessorProbability = 0.8
	underutilizedLoad          = 0.3
	repeatedFailureCount       = 3
)

// Suggestion 是一条建议。
type Suggestion struct {
	ID         string    `json:"id"`
	Kind       Kind      `json:"kind"`
	Confidence float64   `json:"confidence"`
	Text       string    `json:"text"`
	PatternID  string    `json:"pattern_id,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// SystemState 是生成优化建议所需的系统快照。
type SystemState struct {
	ActiveTasks    int
	QueuedTasks    int
	AgentLoad      map[string]float64
	RecentFailures int
}

// StateProvider 提供当前系统状态。
type StateProvider interface {
	SystemState() SystemState
}

// StateFunc 让普通函数满足 StateProvider。
type StateFunc func() SystemState

// SystemState 实现 StateProvider。
func (f StateFunc) SystemState() SystemState { return f() }

// Engine 是预测引擎。
type Engine struct {
	matcher       pattern.Matcher
	state         StateProvider
	floor         float64
	topK          int
	riskThreshold float64
	now           func() time.Time
	log           *slog.Logger

	mu       sync.Mutex
	issued   map[string]Suggestion
	order    []string
	capacity int
	feedback map[Kind]*KindAccuracy
}

// Option 自定义 Engine。
type Option func(*Engine)

// WithState 提供系统状态来源，用于优化建议。
func WithState(state StateProvider) Option {
	return func(e *Engine) { e.state = state }
}

// WithFloor 设置模式置信度下限。
func WithFloor(floor float64) Option {
	return func(e *Engine) {
		if floor > 0 && floor <= 1 {
			e.floor = floor
		}
	}
}

// WithTopK 设置参与建议的模式数量上限。
func WithTopK(k int) Option {
	return func(e *Engine) {
		if k > 0 {
			e.topK = k
		}
	}
}

// WithRiskThreshold 设置失败率告警阈值。
func WithRiskThreshold(v float64) Option {
	return func(e *Engine) {
		if v > 0 && v < 1 {
			e.riskThreshold = v
		}
	}
}

// WithClock 注入时钟。
func WithClock(now func() time.Time) Option {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// NewEngine 创建预测引擎。
func NewEngine(matcher pattern.Matcher, opts ...Option) *Engine {
	e := &Engine{
		matcher:       matcher,
		floor:         defaultFloor,
		topK:          defaultTopK,
		riskThreshold: defaultRiskThreshold,
		now:           time.Now,
		issued:        make(map[string]Suggestion),
		capacity:      defaultHistory,
		feedback:      make(map[Kind]*KindAccuracy),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = logger.Named("prediction")
	}
	return e
}

// Suggest 返回针对描述的建议。没有模式达到置信度下限时返回空结果。
// context 中的 current_action 可以覆盖从描述推断出的当前动作。
func (e *Engine) Suggest(description string, context map[string]any) []Suggestion {
	if e == nil || e.matcher == nil {
		return nil
	}
	var matches []pattern.Match
	for _, m := range e.matcher.Match(description) {
		if m.Confidence >= e.floor {
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		return nil
	}
	sort.SliceStable(matches, func(i, j int) bool { return matches[i].Confidence > matches[j].Confidence })
	if len(matches) > e.topK {
		matches = matches[:e.topK]
	}

	override, _ := context["current_action"].(string)
	seen := make(map[string]struct{})
	var out []Suggestion
	add := func(s Suggestion) {
		key := string(s.Kind) + "|" + s.Text
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}

	for _, m := range matches {
		if s, ok := e.nextStep(m, description, override); ok {
			add(s)
		}
		if s, ok := e.risk(m); ok {
			add(s)
		}
	}
	if e.state != nil {
		for _, s := range e.optimizations(e.state.SystemState()) {
			add(s)
		}
	}

	e.remember(out)
	return out
}

func (e *Engine) nextStep(m pattern.Match, description, override string) (Suggestion, bool) {
	var (
		step        string
		probability float64
	)
	if len(m.Metadata.Successors) > 0 {
		step, probability = m.Metadata.Successors[0], seededSuccessorProbability
	} else {
		action := strings.TrimSpace(strings.ToLower(override))
		if action == "" {
			action = ActionFor(m.Metadata.Category, description)
		}
		successor, ok := MostLikelySuccessor(action)
		if !ok {
			return Suggestion{}, false
		}
		step, probability = successor.Action, successor.Probability
	}
	return e.newSuggestion(KindNextStep, m.Confidence*probability,
		fmt.Sprintf("after tasks like %q the usual next step is %s", m.Metadata.Name, step), m.PatternID), true
}

func (e *Engine) risk(m pattern.Match) (Suggestion, bool) {
	if m.Metadata.SampleSize == 0 || m.Metadata.FailureRate <= e.riskThreshold {
		return Suggestion{}, false
	}
	text := fmt.Sprintf("tasks like %q fail %.0f%% of the time; consider review before execution or a more reliable agent",
		m.Metadata.Name, m.Metadata.FailureRate*100)
	return e.newSuggestion(KindRisk, m.Metadata.FailureRate, text, m.PatternID), true
}

func (e *Engine) optimizations(state SystemState) []Suggestion {
	var out []Suggestion
	if state.ActiveTasks > 1 {
		out = append(out, e.newSuggestion(KindOptimization, 0.9,
			fmt.Sprintf("%d tasks are active; independent tasks can run in parallel", state.ActiveTasks), ""))
	}
	if state.QueuedTasks > 0 {
		agents := make([]string, 0, len(state.AgentLoad))
		for id := range state.AgentLoad {
			agents = append(agents, id)
		}
		sort.Strings(agents)
		for _, id := range agents {
			load := state.AgentLoad[id]
			if load >= underutilizedLoad {
				continue
			}
			out = append(out, e.newSuggestion(KindOptimization, 0.7,
				fmt.Sprintf("agent %s has capacity (%.0f%% utilized) while %d tasks wait", id, load*100, state.QueuedTasks), ""))
		}
	}
	if state.RecentFailures >= repeatedFailureCount {
		out = append(out, e.newSuggestion(KindOptimization, 0.8,
			fmt.Sprintf("%d recent failures; capture a reusable pattern for this kind of task", state.RecentFailures), ""))
	}
	return out
}

func (e *Engine) newSuggestion(kind Kind, confidence float64, text, patternID string) Suggestion {
	return Suggestion{
		ID:         uuid.NewString(),
		Kind:       kind,
		Confidence: math.Round(confidence*10000) / 10000,
		Text:       text,
		PatternID:  patternID,
		CreatedAt:  e.now(),
	}
}

func (e *Engine) remember(suggestions []Suggestion) {
	if len(suggestions) == 0 {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range suggestions {
		e.issued[s.ID] = s
		e.order = append(e.order, s.ID)
	}
	for len(e.order) > e.capacity {
		delete(e.issued, e.order[0])
		e.order = e.order[1:]
	}
}

// KindAccuracy 是某类建议的反馈统计。
type KindAccuracy struct {
	Total    int `json:"total"`
	Accurate int `json:"accurate"`
}

// Accuracy 汇总建议准确率。
type Accuracy struct {
	Total    int                   `json:"total"`
	Accurate int                   `json:"accurate"`
	Rate     float64               `json:"rate"`
	ByKind   map[Kind]KindAccuracy `json:"by_kind"`
}

// Feedback 记录某条建议是否准确。每条建议只接受一次反馈。
func (e *Engine) Feedback(suggestionID string, accurate bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	s, ok := e.issued[suggestionID]
	if !ok {
		return xerrors.New(xerrors.CodeNotFound, "suggestion not found",
			xerrors.WithMetadata("suggestion_id", suggestionID))
	}
	delete(e.issued, suggestionID)
	stat := e.feedback[s.Kind]
	if stat == nil {
		stat = &KindAccuracy{}
		e.feedback[s.Kind] = stat
	}
	stat.Total++
	if accurate {
		stat.Accurate++
	}
	e.log.Debug("收到建议反馈",
		slog.String("suggestion_id", suggestionID),
		slog.String("kind", string(s.Kind)),
		slog.Bool("accurate", accurate))
	return nil
}

// Accuracy 返回反馈统计。
func (e *Engine) Accuracy() Accuracy {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := Accuracy{ByKind: make(map[Kind]KindAccuracy, len(e.feedback))}
	for kind, stat := range e.feedback {
		out.ByKind[kind] = *stat
		out.Total += stat.Total
		out.Accurate += stat.Accurate
	}
	if out.Total > 0 {
		out.Rate = math.Round(float64(out.Accurate)/float64(out.Total)*10000) / 10000
	}
	return out
}
