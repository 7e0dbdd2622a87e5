package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "Agora-Governance/internal/errors"
)

const defaultRuntimeTimeout = 60 * time.Second

// ErrDetached 表示任务已交给进程外的 Agent，结果将通过回调单独上报。
var ErrDetached = errors.New("agent: result will be reported out of band")

// Invocation 是投递给 Agent 的一次任务执行请求。
type Invocation struct {
	TaskID      string         `json:"task_id"`
	AgentID     string         `json:"agent_id"`
	Description string         `json:"description"`
	Context     map[string]any `json:"context,omitempty"`
}

// Result 是 Agent 返回的执行结果。
type Result struct {
	Output string `json:"output"`
}

// Runtime 负责让 Agent 真正执行任务。
type Runtime interface {
	Execute(ctx context.Context, inv Invocation) (Result, error)
}

// RuntimeFunc 让普通函数满足 Runtime。
type RuntimeFunc func(ctx context.Context, inv Invocation) (Result, error)

// Execute 实现 Runtime。
func (f RuntimeFunc) Execute(ctx context.Context, inv Invocation) (Result, error) {
	return f(ctx, inv)
}

// HTTPConfig 描述 HTTP 运行时的调用参数。
type HTTPConfig struct {
	// Token 非空时作为 Bearer 令牌发送。
	Token   string
	Timeout time.Duration
}

// HTTPRuntime 将任务以 JSON 形式 POST 到 Agent 的 Endpoint。
// 没有配置 Endpoint 的 Agent 返回 ErrDetached，由外部回调上报结果。
type HTTPRuntime struct {
	registry   *Registry
	token      string
	httpClient *http.Client
}

// NewHTTPRuntime 创建 HTTP 运行时。
func NewHTTPRuntime(registry *Registry, cfg HTTPConfig) (*HTTPRuntime, error) {
	if registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "agent registry is required")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultRuntimeTimeout
	}
	return &HTTPRuntime{
		registry: registry,
		token:    strings.TrimSpace(cfg.Token),
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}, nil
}

// Execute 调用 Agent 的 HTTP 端点。
func (r *HTTPRuntime) Execute(ctx context.Context, inv Invocation) (Result, error) {
	desc, ok := r.registry.Get(inv.AgentID)
	if !ok {
		return Result{}, xerrors.New(xerrors.CodeNotFound, "agent not found", xerrors.WithMetadata("agent_id", inv.AgentID))
	}
	if desc.Endpoint == "" {
		return Result{}, ErrDetached
	}

	payload, err := json.Marshal(inv)
	if err != nil {
		return Result{}, xerrors.Wrap(xerrors.CodeRuntimeFailure, err, "序列化任务请求失败")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, desc.Endpoint, bytes.NewReader(payload))
	if err != nil {
		return Result{}, xerrors.Wrap(xerrors.CodeRuntimeFailure, err, "构建 Agent 请求失败")
	}
	req.Header.Set("Content-Type", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return Result{}, xerrors.Wrap(xerrors.CodeTimeout, err, "Agent 执行超时")
		}
		return Result{}, xerrors.Wrap(xerrors.CodeRuntimeFailure, err, "请求 Agent 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted {
		return Result{}, ErrDetached
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return Result{}, xerrors.New(xerrors.CodeRuntimeFailure,
			fmt.Sprintf("Agent 返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			xerrors.WithMetadata("agent_id", inv.AgentID))
	}

	var decoded struct {
		Output string `json:"output"`
		Error  string `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return Result{}, xerrors.Wrap(xerrors.CodeRuntimeFailure, err, "解析 Agent 响应失败")
	}
	if msg := strings.TrimSpace(decoded.Error); msg != "" {
		return Result{}, xerrors.New(xerrors.CodeRuntimeFailure, msg, xerrors.WithMetadata("agent_id", inv.AgentID))
	}
	return Result{Output: decoded.Output}, nil
}
