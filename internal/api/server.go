package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"Agora-Governance/internal/agent"
	"Agora-Governance/internal/auth"
	"Agora-Governance/internal/constitution"
	"Agora-Governance/internal/council"
	"Agora-Governance/internal/dispatch"
	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/internal/observability/metrics"
	"Agora-Governance/internal/prediction"
	"Agora-Governance/internal/task"
	"Agora-Governance/pkg/logger"
)

const maxBodyBytes = 1 << 20

// Config 控制监听地址、限流与关停等待。
type Config struct {
	Address string
	// RateLimit 为每个调用方每秒允许的 dispatch/投票次数，0 表示不限流。
	RateLimit       float64
	RateBurst       int
	ShutdownTimeout time.Duration
}

// Dependencies 是 API 暴露的治理组件。Auth 为空时不做认证。
type Dependencies struct {
	Dispatcher *dispatch.Dispatcher
	Queue      *task.ExecutionQueue
	Council    *council.Council
	Registry   *agent.Registry
	Predictor  *prediction.Engine
	Ledger     *constitution.Ledger
	Auth       *auth.Service
}

// Server 负责暴露 REST 接口，供外部 Agent 提交任务、投票和上报结果。
type Server struct {
	cfg     Config
	deps    Dependencies
	limiter *limiter
	log     *slog.Logger
	handler http.Handler
}

// NewServer 构造 API 服务实例。
func NewServer(cfg Config, deps Dependencies) (*Server, error) {
	if deps.Dispatcher == nil || deps.Queue == nil || deps.Council == nil || deps.Registry == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "api server requires dispatcher, queue, council and registry")
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		deps:    deps,
		limiter: newLimiter(cfg.RateLimit, cfg.RateBurst),
		log:     logger.Named("api"),
	}
	s.handler = s.routes()
	return s, nil
}

// Handler 返回完整的路由，测试可以直接使用。
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	mux.Handle("GET /metrics", metrics.Handler())

	api := http.NewServeMux()
	s.handle(api, "POST /api/v1/auth/token", "auth_token", "", false, s.handleToken)

	s.handle(api, "POST /api/v1/dispatch", "dispatch", auth.PermDispatch, true, s.handleDispatch)
	s.handle(api, "GET /api/v1/tasks", "tasks_list", auth.PermRead, false, s.handleListTasks)
	s.handle(api, "GET /api/v1/tasks/{id}", "task_detail", auth.PermRead, false, s.handleTaskDetail)
	s.handle(api, "POST /api/v1/tasks/{id}/result", "task_result", auth.PermReport, false, s.handleTaskResult)
	s.handle(api, "POST /api/v1/tasks/{id}/cancel", "task_cancel", auth.PermDispatch, false, s.handleTaskCancel)
	s.handle(api, "GET /api/v1/stats", "stats", auth.PermRead, false, s.handleStats)

	s.handle(api, "GET /api/v1/proposals", "proposals_list", auth.PermRead, false, s.handleListProposals)
	s.handle(api, "POST /api/v1/proposals", "proposals_create", auth.PermPropose, true, s.handlePropose)
	s.handle(api, "GET /api/v1/proposals/{id}", "proposal_detail", auth.PermRead, false, s.handleProposalDetail)
	s.handle(api, "POST /api/v1/proposals/{id}/votes", "proposal_vote", auth.PermVote, true, s.handleVote)
	s.handle(api, "POST /api/v1/proposals/{id}/resolve", "proposal_resolve", auth.PermAdmin, false, s.handleResolve)
	s.handle(api, "POST /api/v1/proposals/{id}/outcome", "proposal_outcome", auth.PermReport, false, s.handleOutcome)
	s.handle(api, "GET /api/v1/decisions", "decisions", auth.PermRead, false, s.handleDecisions)
	s.handle(api, "GET /api/v1/precedents", "precedents", auth.PermRead, false, s.handlePrecedents)

	s.handle(api, "GET /api/v1/suggestions", "suggestions", auth.PermRead, false, s.handleSuggestions)
	s.handle(api, "POST /api/v1/suggestions/{id}/feedback", "suggestion_feedback", auth.PermReport, false, s.handleSuggestionFeedback)
	s.handle(api, "GET /api/v1/suggestions/accuracy", "suggestion_accuracy", auth.PermRead, false, s.handleSuggestionAccuracy)

	s.handle(api, "GET /api/v1/agents", "agents", auth.PermRead, false, s.handleAgents)
	s.handle(api, "GET /api/v1/agents/{id}/stats", "agent_stats", auth.PermRead, false, s.handleAgentStats)
	s.handle(api, "PUT /api/v1/agents/{id}/availability", "agent_availability", auth.PermAdmin, false, s.handleAvailability)
	s.handle(api, "GET /api/v1/constitution/health", "constitution_health", auth.PermRead, false, s.handleConstitutionHealth)

	var apiHandler http.Handler = api
	if s.deps.Auth != nil {
		apiHandler = s.deps.Auth.Middleware(auth.MiddlewareConfig{
			PublicPaths: []string{"/api/v1/auth/"},
		})(api)
	}
	mux.Handle("/api/", apiHandler)
	return mux
}

// handle 注册路由，并依次套上指标、权限与限流。
func (s *Server) handle(mux *http.ServeMux, pattern, name, perm string, limited bool, fn http.HandlerFunc) {
	var h http.Handler = fn
	if limited {
		h = s.rateLimited(h)
	}
	if perm != "" {
		h = requirePermission(perm, h)
	}
	mux.Handle(pattern, instrument(name, h))
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.cfg.Address,
		Handler:           withContext(ctx, s.handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("API 服务启动", slog.String("address", s.cfg.Address))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			s.log.Warn("API 服务关闭超时", slog.Any("error", err))
		}
		return nil
	case err := <-errCh:
		return err
	}
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			writeError(w, xerrors.New(xerrors.CodeCancelled, "服务已关闭"))
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}

func requirePermission(perm string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := auth.Require(r.Context(), perm); err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodePermissionDenied, err, err.Error()))
			return
		}
		next.ServeHTTP(w, r)
	})
}

// statusRecorder 捕获响应状态码。
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func instrument(name string, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		metrics.ObserveHTTPRequest(name, r.Method, rec.status, time.Since(start))
	})
}

// decodeJSON 解析请求体；空请求体视为空对象。
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func pathID(r *http.Request) (string, error) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "缺少 id")
	}
	return id, nil
}
