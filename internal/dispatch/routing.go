package dispatch

import (
	"log/slog"
	"sort"
	"strings"

	"Agora-Governance/internal/agent"
	"Agora-Governance/internal/pattern"
)

// 路由来源，记录在任务上下文的 route 字段。
const (
	RoutePreferred = "preferred"
	RoutePattern   = "pattern"
	RouteKeyword   = "keyword"
	RouteFallback  = "fallback"
)

// KeywordRoute 把描述中的关键词映射到能力标签。
type KeywordRoute struct {
	Capability string   `json:"capability" yaml:"capability"`
	Keywords   []string `json:"keywords" yaml:"keywords"`
}

// DefaultCapability 在没有关键词命中时使用。
const DefaultCapability = "code"

// DefaultKeywordRoutes 返回内置的关键词路由表，按顺序匹配。
func DefaultKeywordRoutes() []KeywordRoute {
	return []KeywordRoute{
		{Capability: "research", Keywords: []string{"research", "investigate", "analyze", "explore", "study"}},
		{Capability: "review", Keywords: []string{"review", "audit", "verify", "test"}},
		{Capability: "ops", Keywords: []string{"deploy", "release", "rollout", "monitor", "pipeline", "infrastructure"}},
		{Capability: "frontend", Keywords: []string{"frontend", "ui", "css", "component", "layout"}},
	}
}

// KeywordCapability 返回描述命中的第一个能力标签，未命中时返回 DefaultCapability。
func KeywordCapability(routes []KeywordRoute, description string) string {
	if tag, ok := matchKeyword(routes, description); ok {
		return tag
	}
	return DefaultCapability
}

func matchKeyword(routes []KeywordRoute, description string) (string, bool) {
	lower := strings.ToLower(description)
	for _, r := range routes {
		for _, kw := range r.Keywords {
			kw = strings.ToLower(kw)
			if strings.Contains(kw, " ") {
				if strings.Contains(lower, kw) {
					return r.Capability, true
				}
				continue
			}
			if hasWord(lower, kw) {
				return r.Capability, true
			}
		}
	}
	return "", false
}

func hasWord(lower, word string) bool {
	for _, w := range strings.FieldsFunc(lower, func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	}) {
		if w == word || strings.TrimSuffix(w, "s") == word || strings.TrimSuffix(w, "ing") == word {
			return true
		}
	}
	return false
}

// routeDecision 是一次路由的结果。
type routeDecision struct {
	agentID    string
	route      string
	patternID  string
	confidence float64
}

// route 依次尝试：指定 Agent、模式匹配、关键词表、任意空闲 Agent。
func (d *Dispatcher) route(description string, opts Options) (routeDecision, error) {
	if preferred := strings.TrimSpace(opts.PreferredAgent); preferred != "" {
		// 描述命中关键词时，指定 Agent 必须具备对应能力；未命中则只要求可用。
		var required []string
		if tag, ok := matchKeyword(d.keywordRoutes, description); ok {
			required = append(required, tag)
		}
		if d.registry.Capable(preferred, required...) {
			return routeDecision{agentID: preferred, route: RoutePreferred}, nil
		}
		d.log.Debug("指定 Agent 不可用或能力不符，改用自动路由",
			slog.String("agent_id", preferred),
			slog.Any("required", required))
	}

	if d.matcher != nil {
		for _, m := range d.matcher.Match(description) {
			if m.Confidence < d.patternFloor {
				continue
			}
			if id, ok := d.pickForPattern(m); ok {
				return routeDecision{agentID: id, route: RoutePattern, patternID: m.PatternID, confidence: m.Confidence}, nil
			}
		}
	}

	capability := KeywordCapability(d.keywordRoutes, description)
	if id, ok := d.leastLoaded(d.withCapability(capability)); ok {
		return routeDecision{agentID: id, route: RouteKeyword}, nil
	}
	if capability != DefaultCapability {
		if id, ok := d.leastLoaded(d.withCapability(DefaultCapability)); ok {
			return routeDecision{agentID: id, route: RouteKeyword}, nil
		}
	}
	if id, ok := d.leastLoaded(d.registry.AvailableAgents()); ok {
		return routeDecision{agentID: id, route: RouteFallback}, nil
	}
	return routeDecision{}, errNoAgent(description)
}

// pickForPattern 优先选择模式推荐的 Agent，其次按能力标签重合度选择。
func (d *Dispatcher) pickForPattern(m pattern.Match) (string, bool) {
	for _, id := range m.Metadata.RecommendedAgents {
		if d.registry.Capable(id) {
			return id, true
		}
	}
	if len(m.Metadata.Capabilities) == 0 {
		return "", false
	}
	best := 0
	var candidates []agent.Descriptor
	for _, desc := range d.registry.AvailableAgents() {
		overlap := desc.Overlap(m.Metadata.Capabilities)
		switch {
		case overlap == 0 || overlap < best:
		case overlap > best:
			best = overlap
			candidates = []agent.Descriptor{desc}
		default:
			candidates = append(candidates, desc)
		}
	}
	return d.leastLoaded(candidates)
}

func (d *Dispatcher) withCapability(tag string) []agent.Descriptor {
	var out []agent.Descriptor
	for _, desc := range d.registry.AvailableAgents() {
		if desc.HasCapability(tag) {
			out = append(out, desc)
		}
	}
	return out
}

// leastLoaded 选择负载最低的 Agent，负载相同时按 ID 排序。
func (d *Dispatcher) leastLoaded(candidates []agent.Descriptor) (string, bool) {
	if len(candidates) == 0 {
		return "", false
	}
	load := d.queue.AgentLoad()
	sort.SliceStable(candidates, func(i, j int) bool {
		li, lj := load[candidates[i].ID], load[candidates[j].ID]
		if li != lj {
			return li < lj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0].ID, true
}
