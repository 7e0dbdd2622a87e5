package task

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/internal/observability/alerting"
	"Agora-Governance/pkg/logger"
)

const (
	defaultTaskTimeout   = 10 * time.Minute
	defaultStallAfter    = 5 * time.Minute
	defaultSweepInterval = 5 * time.Second
)

// CapacityLookup 提供 Agent 的并发上限，未知 Agent 返回 0。
type CapacityLookup interface {
	MaxConcurrent(agentID string) int
}

// lane 保存单个 Agent 的全部任务，所有变更都在 lane 锁内完成。
type lane struct {
	mu      sync.Mutex
	agentID string
	running int
	pending []string
	tasks   map[string]*Task
	stalled map[string]struct{}
}

func newLane(agentID string) *lane {
	return &lane{agentID: agentID, tasks: make(map[string]*Task), stalled: make(map[string]struct{})}
}

// ExecutionQueue 是按 Agent 限流的执行队列。超过并发上限的任务进入 queued 状态等待，
// 同一 Agent 的任务按 FIFO 晋升为 running。
type ExecutionQueue struct {
	caps        CapacityLookup
	producer    Producer
	alerter     alerting.Dispatcher
	now         func() time.Time
	log         *slog.Logger
	taskTimeout time.Duration
	stallAfter  time.Duration
	sweepEvery  time.Duration
	purgeAfter  time.Duration
	maxLive     int64

	lanes sync.Map // agentID -> *lane
	index sync.Map // taskID -> *lane
	live  atomic.Int64

	hooksMu sync.RWMutex
	hooks   []func(Task)
}

// QueueOption 自定义 ExecutionQueue。
type QueueOption func(*ExecutionQueue)

// WithProducer 指定晋升后投递任务的通道。
func WithProducer(p Producer) QueueOption {
	return func(q *ExecutionQueue) { q.producer = p }
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(d alerting.Dispatcher) QueueOption {
	return func(q *ExecutionQueue) { q.alerter = d }
}

// WithQueueClock 注入时钟。
func WithQueueClock(now func() time.Time) QueueOption {
	return func(q *ExecutionQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithQueueLogger 指定日志输出。
func WithQueueLogger(l *slog.Logger) QueueOption {
	return func(q *ExecutionQueue) {
		if l != nil {
			q.log = l
		}
	}
}

// WithTaskTimeout 设置 running 任务必须上报结果的时限。
func WithTaskTimeout(d time.Duration) QueueOption {
	return func(q *ExecutionQueue) {
		if d > 0 {
			q.taskTimeout = d
		}
	}
}

// WithStallThreshold 设置卡顿告警阈值。
func WithStallThreshold(d time.Duration) QueueOption {
	return func(q *ExecutionQueue) {
		if d > 0 {
			q.stallAfter = d
		}
	}
}

// WithQueueSweepInterval 设置超时扫描周期。
func WithQueueSweepInterval(d time.Duration) QueueOption {
	return func(q *ExecutionQueue) {
		if d > 0 {
			q.sweepEvery = d
		}
	}
}

// WithPurgeAfter 让 Run 顺带清理结束超过 d 的终态任务，0 表示保留全部。
func WithPurgeAfter(d time.Duration) QueueOption {
	return func(q *ExecutionQueue) {
		if d > 0 {
			q.purgeAfter = d
		}
	}
}

// WithMaxLiveTasks 设置 queued+running 任务总量的硬上限，0 表示不限制。
func WithMaxLiveTasks(n int) QueueOption {
	return func(q *ExecutionQueue) {
		if n >= 0 {
			q.maxLive = int64(n)
		}
	}
}

// WithTerminalHook 注册任务进入 completed/failed 时的回调。
func WithTerminalHook(fn func(Task)) QueueOption {
	return func(q *ExecutionQueue) {
		if fn != nil {
			q.hooks = append(q.hooks, fn)
		}
	}
}

// NewExecutionQueue 创建执行队列。
func NewExecutionQueue(caps CapacityLookup, opts ...QueueOption) *ExecutionQueue {
	q := &ExecutionQueue{
		caps:        caps,
		now:         time.Now,
		taskTimeout: defaultTaskTimeout,
		stallAfter:  defaultStallAfter,
		sweepEvery:  defaultSweepInterval,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(q)
		}
	}
	if q.log == nil {
		q.log = logger.Named("queue")
	}
	return q
}

// Subscribe 注册终态回调，回调在锁外同步执行。
func (q *ExecutionQueue) Subscribe(fn func(Task)) {
	if fn == nil {
		return
	}
	q.hooksMu.Lock()
	q.hooks = append(q.hooks, fn)
	q.hooksMu.Unlock()
}

// TaskTimeout 返回任务执行时限。
func (q *ExecutionQueue) TaskTimeout() time.Duration { return q.taskTimeout }

func (q *ExecutionQueue) laneFor(agentID string) *lane {
	if l, ok := q.lanes.Load(agentID); ok {
		return l.(*lane)
	}
	l, _ := q.lanes.LoadOrStore(agentID, newLane(agentID))
	return l.(*lane)
}

func (q *ExecutionQueue) capacity(agentID string) int {
	if q.caps == nil {
		return 0
	}
	return q.caps.MaxConcurrent(agentID)
}

// reserveLive 占用一个活跃任务名额，检查与计数在同一次 CAS 中完成。
func (q *ExecutionQueue) reserveLive() bool {
	for {
		n := q.live.Load()
		if q.maxLive > 0 && n >= q.maxLive {
			return false
		}
		if q.live.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

// Enqueue 创建任务。Agent 有空闲并发时任务直接进入 running 并投递，否则保持 queued。
func (q *ExecutionQueue) Enqueue(ctx context.Context, spec Spec) (Task, error) {
	description := strings.TrimSpace(spec.Description)
	if description == "" {
		return Task{}, xerrors.New(CodeTaskValidation, "任务描述不能为空")
	}
	agentID := strings.TrimSpace(spec.AgentID)
	if agentID == "" {
		return Task{}, xerrors.New(CodeTaskValidation, "任务必须指定 Agent")
	}
	limit := q.capacity(agentID)
	if limit <= 0 {
		return Task{}, xerrors.New(CodeTaskValidation, "unknown agent", xerrors.WithMetadata("agent_id", agentID))
	}
	if !q.reserveLive() {
		return Task{}, xerrors.Wrap(CodeQueueCapacityExceeded, ErrCapacityExceeded,
			fmt.Sprintf("live tasks reached %d", q.maxLive))
	}

	now := q.now()
	t := &Task{
		ID:          uuid.NewString(),
		Description: description,
		RequestedBy: spec.RequestedBy,
		AgentID:     agentID,
		Status:      StatusQueued,
		Governance:  spec.Governance.clone(),
		Context:     cloneContext(spec.Context),
		CreatedAt:   now,
	}

	l := q.laneFor(agentID)
	l.mu.Lock()
	l.tasks[t.ID] = t
	l.pending = append(l.pending, t.ID)
	q.index.Store(t.ID, l)
	promoted := l.promoteLocked(limit, now)
	snapshot := t.clone()
	l.mu.Unlock()

	logger.Audit().Info("任务入队",
		slog.String("task_id", t.ID),
		slog.String("agent_id", agentID),
		slog.String("status", string(snapshot.Status)),
		slog.String("decision_id", spec.Governance.DecisionID))

	if failures := q.deliver(ctx, promoted); failures[t.ID] != nil {
		current, _ := q.GetTask(t.ID)
		return current, failures[t.ID]
	}
	return snapshot, nil
}

// promoteLocked 按 FIFO 将 queued 任务晋升为 running，直到达到上限。
func (l *lane) promoteLocked(limit int, now time.Time) []string {
	var promoted []string
	for l.running < limit && len(l.pending) > 0 {
		id := l.pending[0]
		l.pending = l.pending[1:]
		t := l.tasks[id]
		if t == nil || t.Status != StatusQueued {
			continue
		}
		t.Status = StatusRunning
		t.StartedAt = now
		l.running++
		promoted = append(promoted, id)
	}
	return promoted
}

func (l *lane) removePending(id string) {
	for i, pid := range l.pending {
		if pid == id {
			l.pending = append(l.pending[:i], l.pending[i+1:]...)
			return
		}
	}
}

// finishLocked 将非终态任务置为终态并返回因此晋升的任务。调用方持有 lane 锁。
func (q *ExecutionQueue) finishLocked(l *lane, t *Task, status Status, result string, code xerrors.Code, message string, now time.Time) []string {
	switch t.Status {
	case StatusRunning:
		l.running--
		delete(l.stalled, t.ID)
	case StatusQueued:
		l.removePending(t.ID)
	}
	t.Status = status
	t.CompletedAt = now
	t.Result = result
	t.Error = message
	if code != "" {
		t.ErrorCode = string(code)
	}
	q.live.Add(-1)
	return l.promoteLocked(q.capacity(l.agentID), now)
}

type transition struct {
	status  Status
	result  string
	code    xerrors.Code
	message string
	// fromQueued 允许直接结束尚未运行的任务。
	fromQueued bool
}

func (q *ExecutionQueue) apply(ctx context.Context, id string, tr transition) (Task, bool, error) {
	value, ok := q.index.Load(id)
	if !ok {
		return Task{}, false, xerrors.Wrap(CodeTaskNotFound, ErrTaskNotFound, "task not found", xerrors.WithMetadata("task_id", id))
	}
	l := value.(*lane)
	l.mu.Lock()
	t := l.tasks[id]
	if t == nil {
		l.mu.Unlock()
		return Task{}, false, xerrors.Wrap(CodeTaskNotFound, ErrTaskNotFound, "task not found", xerrors.WithMetadata("task_id", id))
	}
	if t.Status.Terminal() {
		snapshot := t.clone()
		l.mu.Unlock()
		return snapshot, false, nil
	}
	if t.Status == StatusQueued && !tr.fromQueued {
		l.mu.Unlock()
		return Task{}, false, xerrors.New(xerrors.CodeConflict, "task is not running",
			xerrors.WithMetadata("task_id", id))
	}
	from := t.Status
	promoted := q.finishLocked(l, t, tr.status, tr.result, tr.code, tr.message, q.now())
	snapshot := t.clone()
	l.mu.Unlock()

	q.afterTerminal(snapshot, from)
	q.deliver(ctx, promoted)
	return snapshot, true, nil
}

// Complete 记录任务成功。重复上报会被忽略并记录日志。
func (q *ExecutionQueue) Complete(ctx context.Context, id, result string) (Task, error) {
	t, applied, err := q.apply(ctx, id, transition{status: StatusCompleted, result: result})
	if err == nil && !applied {
		q.logDuplicate(t, StatusCompleted)
	}
	return t, err
}

// Fail 记录任务失败。重复上报会被忽略并记录日志。
func (q *ExecutionQueue) Fail(ctx context.Context, id string, code xerrors.Code, message string) (Task, error) {
	if code == "" {
		code = xerrors.CodeRuntimeFailure
	}
	t, applied, err := q.apply(ctx, id, transition{status: StatusFailed, code: code, message: message})
	if err == nil && !applied {
		q.logDuplicate(t, StatusFailed)
	}
	return t, err
}

// Cancel 取消 queued 或 running 任务，任务以 failed(cancelled) 结束。
// 已取消的 running 任务之后的上报按重复上报处理。
func (q *ExecutionQueue) Cancel(ctx context.Context, id string) (Task, error) {
	t, applied, err := q.apply(ctx, id, transition{
		status:     StatusFailed,
		code:       xerrors.CodeCancelled,
		message:    "cancelled",
		fromQueued: true,
	})
	if err != nil {
		return t, err
	}
	if !applied {
		return t, xerrors.New(xerrors.CodeAlreadyCompleted, "task already finished",
			xerrors.WithMetadata("task_id", id), xerrors.WithMetadata("status", string(t.Status)))
	}
	return t, nil
}

func (q *ExecutionQueue) logDuplicate(t Task, reported Status) {
	q.log.Warn("重复上报任务结果，已忽略",
		slog.String("task_id", t.ID),
		slog.String("status", string(t.Status)),
		slog.String("reported", string(reported)))
}

func (q *ExecutionQueue) afterTerminal(t Task, from Status) {
	level := slog.LevelInfo
	if t.Status == StatusFailed {
		level = slog.LevelWarn
	}
	logger.Audit().Log(context.Background(), level, "任务结束",
		slog.String("task_id", t.ID),
		slog.String("agent_id", t.AgentID),
		slog.String("from", string(from)),
		slog.String("status", string(t.Status)),
		slog.String("error_code", t.ErrorCode),
		slog.Duration("duration", t.Duration()))

	q.hooksMu.RLock()
	hooks := slices.Clone(q.hooks)
	q.hooksMu.RUnlock()
	for _, hook := range hooks {
		hook(t)
	}
}

// deliver 投递晋升的任务，投递失败的任务以 TASK_PUBLISH_FAILED 结束并继续晋升后续任务。
func (q *ExecutionQueue) deliver(ctx context.Context, ids []string) map[string]error {
	if q.producer == nil {
		return nil
	}
	var failures map[string]error
	for len(ids) > 0 {
		id := ids[0]
		ids = ids[1:]
		err := q.producer.Publish(ctx, id)
		if err == nil {
			continue
		}
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到派发通道失败", xerrors.WithMetadata("task_id", id))
		if failures == nil {
			failures = make(map[string]error)
		}
		failures[id] = wrapped
		q.log.Error("任务投递失败", slog.Any("error", err), slog.String("task_id", id))
		alerting.Emit(ctx, q.alerter, alerting.NewEvent("queue", id, CodeTaskPublish, wrapped))

		value, ok := q.index.Load(id)
		if !ok {
			continue
		}
		l := value.(*lane)
		l.mu.Lock()
		t := l.tasks[id]
		if t == nil || t.Status != StatusRunning {
			l.mu.Unlock()
			continue
		}
		more := q.finishLocked(l, t, StatusFailed, "", CodeTaskPublish, wrapped.Error(), q.now())
		snapshot := t.clone()
		l.mu.Unlock()
		q.afterTerminal(snapshot, StatusRunning)
		ids = append(ids, more...)
	}
	return failures
}

// RecordBlocked 记录在准入阶段被拒绝的请求，仅用于审计，不会被执行。
func (q *ExecutionQueue) RecordBlocked(spec Spec, code xerrors.Code, reason string) Task {
	now := q.now()
	t := &Task{
		ID:          uuid.NewString(),
		Description: strings.TrimSpace(spec.Description),
		RequestedBy: spec.RequestedBy,
		AgentID:     strings.TrimSpace(spec.AgentID),
		Status:      StatusBlocked,
		Governance:  spec.Governance.clone(),
		Context:     cloneContext(spec.Context),
		Error:       reason,
		ErrorCode:   string(code),
		CreatedAt:   now,
		CompletedAt: now,
	}
	l := q.laneFor(t.AgentID)
	l.mu.Lock()
	l.tasks[t.ID] = t
	q.index.Store(t.ID, l)
	snapshot := t.clone()
	l.mu.Unlock()

	logger.Audit().Warn("请求在准入阶段被拒绝",
		slog.String("task_id", t.ID),
		slog.String("requested_by", t.RequestedBy),
		slog.String("error_code", t.ErrorCode),
		slog.String("reason", reason))
	return snapshot
}

// GetTask 返回任务快照。
func (q *ExecutionQueue) GetTask(id string) (Task, bool) {
	value, ok := q.index.Load(id)
	if !ok {
		return Task{}, false
	}
	l := value.(*lane)
	l.mu.Lock()
	defer l.mu.Unlock()
	t := l.tasks[id]
	if t == nil {
		return Task{}, false
	}
	return t.clone(), true
}

func (q *ExecutionQueue) eachLane(fn func(l *lane)) {
	q.lanes.Range(func(_, value any) bool {
		l := value.(*lane)
		l.mu.Lock()
		fn(l)
		l.mu.Unlock()
		return true
	})
}

// List 返回符合条件的任务。每个 Agent 的任务在各自的锁内读取。
func (q *ExecutionQueue) List(opts ...ListOption) []Task {
	options := BuildListOptions(opts...)
	var out []Task
	q.eachLane(func(l *lane) {
		if options.AgentID != "" && l.agentID != options.AgentID {
			return
		}
		for _, t := range l.tasks {
			if options.matches(t) {
				out = append(out, t.clone())
			}
		}
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		if options.Order == SortByCreatedDesc {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if options.Offset > 0 {
		if options.Offset >= len(out) {
			return nil
		}
		out = out[options.Offset:]
	}
	if options.Limit > 0 && len(out) > options.Limit {
		out = out[:options.Limit]
	}
	return out
}

// GetQueue 按创建顺序返回全部任务。
func (q *ExecutionQueue) GetQueue() []Task { return q.List() }

// TasksByStatus 返回指定状态的任务。
func (q *ExecutionQueue) TasksByStatus(status Status) []Task {
	return q.List(WithStatuses(status))
}

// TasksForAgent 返回分配给指定 Agent 的任务。
func (q *ExecutionQueue) TasksForAgent(agentID string) []Task {
	return q.List(WithAgent(agentID))
}

// GetStats 返回各状态的任务数量与平均执行耗时。
func (q *ExecutionQueue) GetStats() Stats {
	var (
		stats   Stats
		total   time.Duration
		counted int64
	)
	q.eachLane(func(l *lane) {
		for _, t := range l.tasks {
			stats.count(t.Status)
			if (t.Status == StatusCompleted || t.Status == StatusFailed) && !t.StartedAt.IsZero() {
				total += t.Duration()
				counted++
			}
		}
	})
	if counted > 0 {
		stats.AvgExecutionMillis = (total / time.Duration(counted)).Milliseconds()
	}
	return stats
}

// AgentLoad 返回每个 Agent 当前 running 数占并发上限的比例。
func (q *ExecutionQueue) AgentLoad() map[string]float64 {
	out := make(map[string]float64)
	q.eachLane(func(l *lane) {
		if l.agentID == "" {
			return
		}
		if limit := q.capacity(l.agentID); limit > 0 {
			out[l.agentID] = float64(l.running) / float64(limit)
		}
	})
	return out
}

// RecentFailures 统计 window 时间窗口内失败的任务数。
func (q *ExecutionQueue) RecentFailures(window time.Duration) int {
	since := q.now().Add(-window)
	n := 0
	q.eachLane(func(l *lane) {
		for _, t := range l.tasks {
			if t.Status == StatusFailed && t.CompletedAt.After(since) {
				n++
			}
		}
	})
	return n
}

// Purge 删除结束时间早于 olderThan 之前的终态任务，返回删除数量。
func (q *ExecutionQueue) Purge(olderThan time.Duration) int {
	cutoff := q.now().Add(-olderThan)
	removed := 0
	q.eachLane(func(l *lane) {
		for id, t := range l.tasks {
			if !t.Status.Terminal() || t.CompletedAt.After(cutoff) {
				continue
			}
			delete(l.tasks, id)
			q.index.Delete(id)
			removed++
		}
	})
	if removed > 0 {
		q.log.Info("已清理终态任务", slog.Int("count", removed))
	}
	return removed
}

// Sweep 将超过执行时限仍未上报的任务置为 failed(TIMEOUT)，并对超过卡顿阈值的任务告警一次。
func (q *ExecutionQueue) Sweep(ctx context.Context) int {
	now := q.now()
	type expired struct {
		task     Task
		promoted []string
	}
	var results []expired
	q.eachLane(func(l *lane) {
		for id, t := range l.tasks {
			if t.Status != StatusRunning {
				continue
			}
			age := now.Sub(t.StartedAt)
			if age >= q.taskTimeout {
				msg := fmt.Sprintf("agent %s did not report within %s", t.AgentID, q.taskTimeout)
				promoted := q.finishLocked(l, t, StatusFailed, "", xerrors.CodeTimeout, msg, now)
				results = append(results, expired{task: t.clone(), promoted: promoted})
				continue
			}
			if age >= q.stallAfter {
				if _, warned := l.stalled[id]; !warned {
					l.stalled[id] = struct{}{}
					q.log.Warn("任务执行时间过长",
						slog.String("task_id", id),
						slog.String("agent_id", t.AgentID),
						slog.Duration("running_for", age))
				}
			}
		}
	})
	for _, r := range results {
		q.afterTerminal(r.task, StatusRunning)
		cause := xerrors.New(xerrors.CodeTimeout, r.task.Error, xerrors.WithMetadata("agent_id", r.task.AgentID))
		alerting.Emit(ctx, q.alerter, alerting.NewEvent("queue", r.task.ID, xerrors.CodeTimeout, cause))
		q.deliver(ctx, r.promoted)
	}
	return len(results)
}

// Run 周期性执行超时扫描（配置了 WithPurgeAfter 时一并清理旧任务），直到 ctx 结束。
func (q *ExecutionQueue) Run(ctx context.Context) error {
	ticker := time.NewTicker(q.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := q.Sweep(ctx); n > 0 {
				q.log.Debug("超时任务已处理", slog.Int("count", n))
			}
			if q.purgeAfter > 0 {
				q.Purge(q.purgeAfter)
			}
		}
	}
}

// WaitUntilDone 在 ctx 有效期内轮询任务，直到任务进入终态。
func (q *ExecutionQueue) WaitUntilDone(ctx context.Context, id string, interval time.Duration) (Task, error) {
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		t, ok := q.GetTask(id)
		if !ok {
			return Task{}, xerrors.Wrap(CodeTaskNotFound, ErrTaskNotFound, "task not found", xerrors.WithMetadata("task_id", id))
		}
		if t.Status.Terminal() {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return t, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Snapshot 导出全部任务用于持久化。
func (q *ExecutionQueue) Snapshot() []Task { return q.List() }

// Restore 从快照恢复任务。终态任务原样恢复；未结束的任务重新排队并按 FIFO 晋升，
// 所属 Agent 已不存在的任务以 failed 结束。已存在的同 ID 任务会被跳过。
func (q *ExecutionQueue) Restore(ctx context.Context, tasks []Task) {
	sorted := append([]Task(nil), tasks...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].CreatedAt.Before(sorted[j].CreatedAt) })

	now := q.now()
	touched := make(map[*lane]struct{})
	restored := 0
	for i := range sorted {
		t := sorted[i].clone()
		if t.ID == "" {
			continue
		}
		if _, exists := q.index.Load(t.ID); exists {
			continue
		}
		if !t.Status.Terminal() {
			if q.capacity(t.AgentID) <= 0 {
				t.Status = StatusFailed
				t.ErrorCode = string(CodeTaskValidation)
				t.Error = "agent no longer registered"
				t.CompletedAt = now
			} else {
				t.Status = StatusQueued
				t.StartedAt = time.Time{}
			}
		}
		l := q.laneFor(t.AgentID)
		l.mu.Lock()
		stored := t
		l.tasks[t.ID] = &stored
		if stored.Status == StatusQueued {
			l.pending = append(l.pending, t.ID)
			q.live.Add(1)
			touched[l] = struct{}{}
		}
		q.index.Store(t.ID, l)
		l.mu.Unlock()
		restored++
	}

	var promoted []string
	for l := range touched {
		l.mu.Lock()
		promoted = append(promoted, l.promoteLocked(q.capacity(l.agentID), now)...)
		l.mu.Unlock()
	}
	q.deliver(ctx, promoted)
	if restored > 0 {
		q.log.Info("执行队列已恢复", slog.Int("tasks", restored), slog.Int("running", len(promoted)))
	}
}
