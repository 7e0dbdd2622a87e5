package task

import (
	"time"

	"Agora-Governance/internal/constitution"
	xerrors "Agora-Governance/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	// StatusBlocked 只在准入阶段被拒绝时出现，不会进入执行。
	StatusBlocked Status = "blocked"
)

// Terminal 判断状态是否为终态。
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusBlocked
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusQueued, StatusRunning, StatusCompleted, StatusFailed, StatusBlocked:
		return true
	default:
		return false
	}
}

// Governance 记录任务经过的治理环节。
type Governance struct {
	Verdict    constitution.Verdict `json:"verdict"`
	ProposalID string               `json:"proposal_id,omitempty"`
	DecisionID string               `json:"decision_id,omitempty"`
}

func (g Governance) clone() Governance {
	g.Verdict = g.Verdict.Clone()
	return g
}

// Task 描述由执行队列独占管理的任务。
type Task struct {
	ID          string         `json:"id"`
	Description string         `json:"description"`
	RequestedBy string         `json:"requested_by,omitempty"`
	AgentID     string         `json:"agent_id,omitempty"`
	Status      Status         `json:"status"`
	Governance  Governance     `json:"governance"`
	Context     map[string]any `json:"context,omitempty"`
	Result      string         `json:"result,omitempty"`
	Error       string         `json:"error,omitempty"`
	ErrorCode   string         `json:"error_code,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	StartedAt   time.Time      `json:"started_at,omitempty"`
	CompletedAt time.Time      `json:"completed_at,omitempty"`
}

// Duration 返回任务的执行耗时，未开始或未结束时为 0。
func (t Task) Duration() time.Duration {
	if t.StartedAt.IsZero() || t.CompletedAt.IsZero() {
		return 0
	}
	return t.CompletedAt.Sub(t.StartedAt)
}

func (t *Task) clone() Task {
	out := *t
	out.Governance = t.Governance.clone()
	out.Context = cloneContext(t.Context)
	return out
}

// Spec 是入队请求。
type Spec struct {
	Description string
	RequestedBy string
	AgentID     string
	Governance  Governance
	Context     map[string]any
}

const (
	CodeTaskNotFound          xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskValidation        xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish           xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeQueueCapacityExceeded xerrors.Code = "QUEUE_CAPACITY_EXCEEDED"
)

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrCapacityExceeded 只在队列总量越过硬上限时返回，常规背压通过排队处理。
	ErrCapacityExceeded = xerrors.New(CodeQueueCapacityExceeded, "execution queue overloaded")
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeQueueCapacityExceeded, xerrors.Attributes{
		Message:   "execution queue overloaded",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

func cloneContext(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	cloned := make(map[string]any, len(ctx))
	for key, value := range ctx {
		cloned[key] = value
	}
	return cloned
}
