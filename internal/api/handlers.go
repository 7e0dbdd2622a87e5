package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"Agora-Governance/internal/auth"
	"Agora-Governance/internal/constitution"
	"Agora-Governance/internal/council"
	"Agora-Governance/internal/dispatch"
	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/internal/task"
)

// DispatchRequest 是 POST /api/v1/dispatch 的请求体。
type DispatchRequest struct {
	Description       string         `json:"description"`
	RequestingAgent   string         `json:"requesting_agent,omitempty"`
	PreferredAgent    string         `json:"preferred_agent,omitempty"`
	RequiresConsensus bool           `json:"requires_consensus,omitempty"`
	Threshold         float64        `json:"threshold,omitempty"`
	Voters            []string       `json:"voters,omitempty"`
	Context           map[string]any `json:"context,omitempty"`
}

// TaskResultRequest 是外部 Agent 上报执行结果的请求体。
type TaskResultRequest struct {
	Success   bool   `json:"success"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorCode string `json:"error_code,omitempty"`
}

// ProposalRequest 是直接发起提案的请求体。
type ProposalRequest struct {
	Description  string         `json:"description"`
	ProposedBy   string         `json:"proposed_by,omitempty"`
	ProposalType string         `json:"proposal_type,omitempty"`
	Threshold    float64        `json:"threshold,omitempty"`
	TTLSeconds   float64        `json:"ttl_seconds,omitempty"`
	Voters       []string       `json:"voters,omitempty"`
	Context      map[string]any `json:"context,omitempty"`
}

// VoteRequest 是投票请求体；启用认证时 AgentID 以令牌身份为准。
type VoteRequest struct {
	AgentID   string         `json:"agent_id,omitempty"`
	Choice    council.Choice `json:"choice"`
	Reasoning string         `json:"reasoning,omitempty"`
}

// OutcomeRequest 回报已通过提案的执行结果。
type OutcomeRequest struct {
	Success bool `json:"success"`
}

// FeedbackRequest 反馈某条建议是否准确。
type FeedbackRequest struct {
	Accurate bool `json:"accurate"`
}

// AvailabilityRequest 切换 Agent 可用状态。
type AvailabilityRequest struct {
	Available bool `json:"available"`
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.deps.Auth == nil || !s.deps.Auth.Enabled() {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "认证未启用"))
		return
	}
	var req auth.TokenRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	pair, err := s.deps.Auth.Authenticate(r.Context(), req)
	if err != nil {
		code := xerrors.CodeUnauthenticated
		if errors.Is(err, auth.ErrUnsupportedGrant) {
			code = xerrors.CodeInvalidArgument
		}
		writeError(w, xerrors.Wrap(code, err, err.Error()))
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

// trustedContext 只保留管理员声明的证明类上下文键，其余调用方的声明一律丢弃。
func trustedContext(ctx context.Context, in map[string]any) map[string]any {
	if subject := auth.SubjectFromContext(ctx); subject != nil && subject.HasPermission(auth.PermAdmin) {
		return in
	}
	return constitution.StripAttestations(in)
}

func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req DispatchRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	result, err := s.deps.Dispatcher.Dispatch(r.Context(), req.Description, dispatch.Options{
		RequestingAgent:   auth.Identity(r.Context(), req.RequestingAgent),
		PreferredAgent:    req.PreferredAgent,
		RequiresConsensus: req.RequiresConsensus,
		Threshold:         req.Threshold,
		Voters:            req.Voters,
		Context:           trustedContext(r.Context(), req.Context),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	opts := []task.ListOption{task.WithSortOrder(task.SortByCreatedDesc)}
	if raw := strings.TrimSpace(query.Get("status")); raw != "" {
		var statuses []task.Status
		for _, part := range strings.Split(raw, ",") {
			status := task.Status(strings.ToLower(strings.TrimSpace(part)))
			if !task.IsValidStatus(status) {
				writeError(w, xerrors.Errorf(xerrors.CodeInvalidArgument, "未知的任务状态 %q", part))
				return
			}
			statuses = append(statuses, status)
		}
		opts = append(opts, task.WithStatuses(statuses...))
	}
	if agentID := query.Get("agent"); agentID != "" {
		opts = append(opts, task.WithAgent(agentID))
	}
	if q := query.Get("q"); q != "" {
		opts = append(opts, task.WithQuery(q))
	}
	limit, err := intParam(query.Get("limit"), 50)
	if err != nil {
		writeError(w, err)
		return
	}
	offset, err := intParam(query.Get("offset"), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	opts = append(opts, task.WithLimit(limit), task.WithOffset(offset))
	writeJSON(w, http.StatusOK, s.deps.Queue.List(opts...))
}

func (s *Server) handleTaskDetail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	t, ok := s.deps.Queue.GetTask(id)
	if !ok {
		writeError(w, xerrors.New(task.CodeTaskNotFound, "任务不存在", xerrors.WithMetadata("task_id", id)))
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskResult(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req TaskResultRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	var t task.Task
	if req.Success {
		t, err = s.deps.Queue.Complete(r.Context(), id, req.Result)
	} else {
		t, err = s.deps.Queue.Fail(r.Context(), id, xerrors.Code(req.ErrorCode), req.Error)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleTaskCancel(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	t, err := s.deps.Queue.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) handleStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Queue.GetStats())
}

func (s *Server) handleListProposals(w http.ResponseWriter, r *http.Request) {
	switch r.URL.Query().Get("status") {
	case "", "open", "active":
		writeJSON(w, http.StatusOK, s.deps.Council.GetActiveProposals())
	case "all":
		writeJSON(w, http.StatusOK, s.deps.Council.Proposals())
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "status 只支持 open 或 all"))
	}
}

func (s *Server) handlePropose(w http.ResponseWriter, r *http.Request) {
	var req ProposalRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if req.TTLSeconds < 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "ttl_seconds 不能为负数"))
		return
	}
	proposalType := req.ProposalType
	if proposalType == "" {
		proposalType = dispatch.ClassifyProposal(req.Description)
	}
	p, err := s.deps.Council.Propose(council.ProposalRequest{
		Description:  req.Description,
		ProposedBy:   auth.Identity(r.Context(), req.ProposedBy),
		ProposalType: proposalType,
		Threshold:    req.Threshold,
		TTL:          time.Duration(req.TTLSeconds * float64(time.Second)),
		Voters:       req.Voters,
		Context:      trustedContext(r.Context(), req.Context),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, p)
}

func (s *Server) handleProposalDetail(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	p, err := s.deps.Council.GetProposal(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req VoteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	choice := council.Choice(strings.ToLower(strings.TrimSpace(string(req.Choice))))
	if err := s.deps.Council.Vote(id, auth.Identity(r.Context(), req.AgentID), choice, req.Reasoning); err != nil {
		writeError(w, err)
		return
	}
	p, err := s.deps.Council.GetProposal(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	d, err := s.deps.Council.Resolve(id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleOutcome(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req OutcomeRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Council.ReportOutcome(id, req.Success); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDecisions(w http.ResponseWriter, r *http.Request) {
	limit, err := intParam(r.URL.Query().Get("limit"), 0)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Council.GetDecisions(limit))
}

func (s *Server) handlePrecedents(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少查询参数 q"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Council.Precedents(q))
}

func (s *Server) handleSuggestions(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "缺少查询参数 q"))
		return
	}
	if s.deps.Predictor == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	var ctx map[string]any
	if action := r.URL.Query().Get("action"); action != "" {
		ctx = map[string]any{"current_action": action}
	}
	writeJSON(w, http.StatusOK, s.deps.Predictor.Suggest(q, ctx))
}

func (s *Server) handleSuggestionFeedback(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if s.deps.Predictor == nil {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "预测引擎未启用"))
		return
	}
	var req FeedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Predictor.Feedback(id, req.Accurate); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSuggestionAccuracy(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Predictor == nil {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "预测引擎未启用"))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Predictor.Accuracy())
}

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Registry.List())
}

func (s *Server) handleAgentStats(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, ok := s.deps.Registry.Get(id); !ok {
		writeError(w, xerrors.New(xerrors.CodeNotFound, "agent not found", xerrors.WithMetadata("agent_id", id)))
		return
	}
	writeJSON(w, http.StatusOK, s.deps.Council.AgentStats(id))
}

func (s *Server) handleAvailability(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req AvailabilityRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}
	if err := s.deps.Registry.SetAvailable(id, req.Available); err != nil {
		writeError(w, err)
		return
	}
	d, _ := s.deps.Registry.Get(id)
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleConstitutionHealth(w http.ResponseWriter, _ *http.Request) {
	ledger := s.deps.Ledger
	if ledger == nil {
		ledger = s.deps.Dispatcher.Ledger()
	}
	writeJSON(w, http.StatusOK, ledger.Health())
}

func intParam(raw string, fallback int) (int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, xerrors.Errorf(xerrors.CodeInvalidArgument, "无效的数字参数 %q", raw)
	}
	return v, nil
}
