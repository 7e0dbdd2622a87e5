package task

import (
	"context"
	stdErrors "errors"
	"log/slog"
	"time"

	"Agora-Governance/internal/agent"
	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/internal/observability/alerting"
	"Agora-Governance/pkg/logger"
)

// Runner 从派发通道消费 running 任务，调用 Agent 运行时并把结果回写执行队列。
type Runner struct {
	queue       *ExecutionQueue
	runtime     agent.Runtime
	consumer    Consumer
	workerCount int
	timeout     time.Duration
	logger      *slog.Logger
	alerter     alerting.Dispatcher
}

// RunnerOption 定义可选配置。
type RunnerOption func(*Runner)

// WithRunnerLogger 指定日志输出。
func WithRunnerLogger(logger *slog.Logger) RunnerOption {
	return func(r *Runner) {
		r.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) RunnerOption {
	return func(r *Runner) {
		if workers > 0 {
			r.workerCount = workers
		}
	}
}

// WithExecutionTimeout 设置单个任务的执行时限，默认与队列的任务时限一致。
func WithExecutionTimeout(d time.Duration) RunnerOption {
	return func(r *Runner) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithRunnerAlerts 配置告警派发器。
func WithRunnerAlerts(dispatcher alerting.Dispatcher) RunnerOption {
	return func(r *Runner) {
		r.alerter = dispatcher
	}
}

// NewRunner 构造 Runner。
func NewRunner(queue *ExecutionQueue, runtime agent.Runtime, consumer Consumer, opts ...RunnerOption) *Runner {
	r := &Runner{
		queue:       queue,
		runtime:     runtime,
		consumer:    consumer,
		workerCount: 1,
	}
	if queue != nil {
		r.timeout = queue.TaskTimeout()
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if r.workerCount <= 0 {
		r.workerCount = 1
	}
	if r.timeout <= 0 {
		r.timeout = defaultTaskTimeout
	}
	return r
}

// Start 启动任务处理循环，直到 ctx 结束。
func (r *Runner) Start(ctx context.Context) error {
	if r.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	err := r.consumer.Consume(ctx, r.workerCount, r.handle)
	if stdErrors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

func (r *Runner) handle(ctx context.Context, taskID string) error {
	if r.queue == nil || r.runtime == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "执行器未初始化")
	}
	t, ok := r.queue.GetTask(taskID)
	if !ok || t.Status != StatusRunning {
		r.logDebug("跳过任务", slog.String("task_id", taskID), slog.Bool("found", ok), slog.String("status", string(t.Status)))
		return nil
	}

	runCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()
	result, execErr := r.runtime.Execute(runCtx, agent.Invocation{
		TaskID:      t.ID,
		AgentID:     t.AgentID,
		Description: t.Description,
		Context:     cloneContext(t.Context),
	})

	switch {
	case stdErrors.Is(execErr, agent.ErrDetached):
		r.logDebug("任务已交由外部 Agent 执行", slog.String("task_id", t.ID), slog.String("agent_id", t.AgentID))
		return nil
	case execErr != nil && ctx.Err() != nil:
		// 进程退出时任务保持 running，由快照恢复重新排队。
		r.logDebug("停止时中断任务", slog.String("task_id", t.ID))
		return nil
	case execErr != nil:
		return r.handleExecutionFailure(ctx, t, runCtx, execErr)
	}

	if _, err := r.queue.Complete(ctx, t.ID, result.Output); err != nil {
		logger.L().Error("回写任务结果失败", slog.Any("error", err), slog.String("task_id", t.ID))
		return err
	}
	return nil
}

func (r *Runner) handleExecutionFailure(ctx context.Context, t Task, runCtx context.Context, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if stdErrors.Is(runCtx.Err(), context.DeadlineExceeded) {
		code = xerrors.CodeTimeout
	}
	if code == xerrors.CodeUnknown {
		code = xerrors.CodeRuntimeFailure
	}
	if _, err := r.queue.Fail(ctx, t.ID, code, execErr.Error()); err != nil {
		logger.L().Error("标记任务失败状态出错", slog.Any("error", err), slog.String("task_id", t.ID))
		return err
	}
	if xerrors.ShouldAlert(execErr) || code == xerrors.CodeTimeout {
		alerting.Emit(ctx, r.alerter, alerting.NewEvent("runner", t.ID, code, execErr))
	}
	return nil
}

func (r *Runner) logDebug(msg string, attrs ...slog.Attr) {
	if r.logger != nil {
		args := make([]any, len(attrs))
		for i, attr := range attrs {
			args[i] = attr
		}
		r.logger.Debug(msg, args...)
	}
}
