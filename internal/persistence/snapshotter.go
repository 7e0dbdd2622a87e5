package persistence

import (
	"context"
	"log/slog"
	"time"

	"Agora-Governance/internal/agent"
	"Agora-Governance/internal/council"
	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/internal/observability/alerting"
	"Agora-Governance/internal/pattern"
	"Agora-Governance/internal/task"
	"Agora-Governance/pkg/logger"
)

const (
	defaultSnapshotInterval = time.Minute
	shutdownSaveTimeout     = 5 * time.Second
)

// PatternSource 由可导出并恢复模式库的组件实现。
type PatternSource interface {
	Patterns() []pattern.Pattern
	Restore(patterns []pattern.Pattern)
}

// Sources 是快照覆盖的组件，Patterns 可以为空。
type Sources struct {
	Council  *council.Council
	Queue    *task.ExecutionQueue
	Registry *agent.Registry
	Patterns PatternSource
}

// Snapshotter 在启动时恢复状态，之后周期性保存，并在退出前再保存一次。
// 存储失败只记录日志并告警，不影响治理核心运行。
type Snapshotter struct {
	store    Store
	sources  Sources
	interval time.Duration
	alerter  alerting.Dispatcher
	now      func() time.Time
	log      *slog.Logger
}

// SnapshotOption 配置 Snapshotter。
type SnapshotOption func(*Snapshotter)

// WithInterval 设置保存周期。
func WithInterval(d time.Duration) SnapshotOption {
	return func(s *Snapshotter) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithAlerts 配置告警派发器。
func WithAlerts(dispatcher alerting.Dispatcher) SnapshotOption {
	return func(s *Snapshotter) {
		s.alerter = dispatcher
	}
}

// WithClock 替换时间源。
func WithClock(now func() time.Time) SnapshotOption {
	return func(s *Snapshotter) {
		if now != nil {
			s.now = now
		}
	}
}

// NewSnapshotter 构造 Snapshotter。
func NewSnapshotter(store Store, sources Sources, opts ...SnapshotOption) *Snapshotter {
	s := &Snapshotter{
		store:    store,
		sources:  sources,
		interval: defaultSnapshotInterval,
		now:      time.Now,
		log:      logger.Named("persistence"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Capture 采集各组件的当前状态。
func (s *Snapshotter) Capture() State {
	state := State{Version: StateVersion, SavedAt: s.now().UTC()}
	if s.sources.Council != nil {
		state.Proposals, state.Decisions = s.sources.Council.Snapshot()
	}
	if s.sources.Queue != nil {
		state.Tasks = s.sources.Queue.Snapshot()
	}
	if s.sources.Registry != nil {
		state.Agents = s.sources.Registry.List()
	}
	if s.sources.Patterns != nil {
		state.Patterns = s.sources.Patterns.Patterns()
	}
	return state
}

// Save 采集并保存快照。
func (s *Snapshotter) Save(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	state := s.Capture()
	if err := s.store.SaveState(ctx, state); err != nil {
		s.fail(ctx, "save", err)
		return err
	}
	s.log.Debug("快照已保存",
		slog.Int("tasks", len(state.Tasks)),
		slog.Int("proposals", len(state.Proposals)),
		slog.Int("decisions", len(state.Decisions)))
	return nil
}

// Load 读取快照并恢复到各组件。Agent 先于任务恢复，以便任务按最新名册校验。
func (s *Snapshotter) Load(ctx context.Context) (bool, error) {
	if s.store == nil {
		return false, nil
	}
	state, ok, err := s.store.LoadState(ctx)
	if err != nil {
		s.fail(ctx, "load", err)
		return false, err
	}
	if !ok {
		s.log.Info("没有可恢复的快照")
		return false, nil
	}
	if s.sources.Registry != nil {
		s.sources.Registry.Restore(state.Agents)
	}
	if s.sources.Patterns != nil && len(state.Patterns) > 0 {
		s.sources.Patterns.Restore(state.Patterns)
	}
	if s.sources.Council != nil {
		s.sources.Council.Restore(state.Proposals, state.Decisions)
	}
	if s.sources.Queue != nil {
		s.sources.Queue.Restore(ctx, state.Tasks)
	}
	s.log.Info("快照已恢复",
		slog.Time("saved_at", state.SavedAt),
		slog.Int("tasks", len(state.Tasks)),
		slog.Int("proposals", len(state.Proposals)),
		slog.Int("agents", len(state.Agents)))
	return true, nil
}

// Run 周期性保存快照，ctx 结束时做最后一次保存。
func (s *Snapshotter) Run(ctx context.Context) error {
	if s.store == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			final, cancel := context.WithTimeout(context.Background(), shutdownSaveTimeout)
			_ = s.Save(final)
			cancel()
			return nil
		case <-ticker.C:
			_ = s.Save(ctx)
		}
	}
}

func (s *Snapshotter) fail(ctx context.Context, op string, err error) {
	s.log.Error("快照操作失败", slog.String("op", op), slog.Any("error", err))
	code := xerrors.CodeOf(err)
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeStorageFailure
	}
	alerting.Emit(ctx, s.alerter, alerting.NewEvent("persistence", op, code, err))
}
