package agent

import (
	"log/slog"
	"sort"
	"strings"
	"sync"

	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/pkg/logger"
)

// Descriptor 描述一个可以承接任务的 Agent。
type Descriptor struct {
	ID                 string   `json:"id" yaml:"id"`
	Capabilities       []string `json:"capabilities" yaml:"capabilities"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	Available          bool     `json:"available" yaml:"available"`
	// Endpoint 非空时任务通过 HTTP 投递给该 Agent。
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
}

// HasCapability 判断是否具备某项能力。
func (d Descriptor) HasCapability(tag string) bool {
	tag = strings.ToLower(strings.TrimSpace(tag))
	for _, c := range d.Capabilities {
		if c == tag {
			return true
		}
	}
	return false
}

// Overlap 返回与给定标签重合的能力数量。
func (d Descriptor) Overlap(tags []string) int {
	n := 0
	for _, t := range tags {
		if d.HasCapability(t) {
			n++
		}
	}
	return n
}

func (d Descriptor) clone() Descriptor {
	d.Capabilities = append([]string(nil), d.Capabilities...)
	return d
}

func normalize(d Descriptor) (Descriptor, error) {
	d.ID = strings.TrimSpace(d.ID)
	if d.ID == "" {
		return d, xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	}
	if d.MaxConcurrentTasks < 0 {
		return d, xerrors.Errorf(xerrors.CodeInvalidArgument, "agent %s: max_concurrent_tasks must be >= 1", d.ID)
	}
	if d.MaxConcurrentTasks == 0 {
		d.MaxConcurrentTasks = 1
	}
	caps := make([]string, 0, len(d.Capabilities))
	seen := make(map[string]struct{}, len(d.Capabilities))
	for _, c := range d.Capabilities {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		caps = append(caps, c)
	}
	d.Capabilities = caps
	d.Endpoint = strings.TrimSpace(d.Endpoint)
	return d, nil
}

// Registry 是显式构造并注入的 Agent 名册。
type Registry struct {
	mu     sync.RWMutex
	agents map[string]Descriptor
}

// NewRegistry 使用给定名册创建注册表，ID 重复或配置非法时返回错误。
func NewRegistry(descriptors []Descriptor) (*Registry, error) {
	r := &Registry{agents: make(map[string]Descriptor, len(descriptors))}
	for _, d := range descriptors {
		if err := r.Register(d); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register 新增一个 Agent。
func (r *Registry) Register(d Descriptor) error {
	d, err := normalize(d)
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.agents[d.ID]; exists {
		return xerrors.New(xerrors.CodeConflict, "agent already registered", xerrors.WithMetadata("agent_id", d.ID))
	}
	r.agents[d.ID] = d
	return nil
}

// Get 返回指定 Agent。
func (r *Registry) Get(id string) (Descriptor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.agents[id]
	if !ok {
		return Descriptor{}, false
	}
	return d.clone(), true
}

// List 按 ID 排序返回全部 Agent。
func (r *Registry) List() []Descriptor {
	r.mu.RLock()
	out := make([]Descriptor, 0, len(r.agents))
	for _, d := range r.agents {
		out = append(out, d.clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// AvailableAgents 返回当前可用的 Agent。
func (r *Registry) AvailableAgents() []Descriptor {
	all := r.List()
	out := all[:0]
	for _, d := range all {
		if d.Available {
			out = append(out, d)
		}
	}
	return out
}

// SetAvailable 显式切换 Agent 的可用状态。
func (r *Registry) SetAvailable(id string, available bool) error {
	r.mu.Lock()
	d, ok := r.agents[id]
	if !ok {
		r.mu.Unlock()
		return xerrors.New(xerrors.CodeNotFound, "agent not found", xerrors.WithMetadata("agent_id", id))
	}
	changed := d.Available != available
	d.Available = available
	r.agents[id] = d
	r.mu.Unlock()

	if changed {
		logger.Audit().Info("Agent 可用状态变更",
			slog.String("agent_id", id),
			slog.Bool("available", available))
	}
	return nil
}

// Capable 判断 Agent 是否存在、可用并具备全部指定能力；tags 为空时只要求可用。
func (r *Registry) Capable(id string, tags ...string) bool {
	d, ok := r.Get(id)
	if !ok || !d.Available {
		return false
	}
	for _, t := range tags {
		if !d.HasCapability(t) {
			return false
		}
	}
	return true
}

// MaxConcurrent 返回 Agent 的并发上限，未知 Agent 返回 0。
func (r *Registry) MaxConcurrent(id string) int {
	d, ok := r.Get(id)
	if !ok {
		return 0
	}
	return d.MaxConcurrentTasks
}

// Restore 用持久化快照覆盖已知 Agent 的可用状态，并补充名册中没有的 Agent。
func (r *Registry) Restore(descriptors []Descriptor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range descriptors {
		d, err := normalize(d)
		if err != nil {
			continue
		}
		if existing, ok := r.agents[d.ID]; ok {
			existing.Available = d.Available
			r.agents[d.ID] = existing
			continue
		}
		r.agents[d.ID] = d
	}
}
