package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Agora-Governance/internal/agent"
	"Agora-Governance/internal/auth"
	"Agora-Governance/internal/constitution"
	"Agora-Governance/internal/council"
	"Agora-Governance/internal/dispatch"
	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/internal/task"
)

type testEnv struct {
	server  *Server
	handler http.Handler
	queue   *task.ExecutionQueue
	council *council.Council
}

func newTestEnv(t *testing.T, cfg Config, authSvc *auth.Service) *testEnv {
	t.Helper()
	registry, err := agent.NewRegistry(agent.DefaultRoster())
	require.NoError(t, err)
	evaluator, err := constitution.NewEvaluator(constitution.DefaultPrinciples())
	require.NoError(t, err)
	c := council.New(council.WithDefaults(0.6, time.Minute))
	q := task.NewExecutionQueue(registry)
	d, err := dispatch.New(dispatch.Dependencies{
		Evaluator: evaluator,
		Council:   c,
		Registry:  registry,
		Queue:     q,
	})
	require.NoError(t, err)
	srv, err := NewServer(cfg, Dependencies{
		Dispatcher: d,
		Queue:      q,
		Council:    c,
		Registry:   registry,
		Auth:       authSvc,
	})
	require.NoError(t, err)
	return &testEnv{server: srv, handler: srv.Handler(), queue: q, council: c}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)
	rec := env.do(t, http.MethodGet, "/healthz", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestDispatchAndReportResult(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/dispatch", DispatchRequest{
		Description:     "fix the authentication bug in login",
		RequestingAgent: "reviewer",
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	result := decode[dispatch.Result](t, rec)
	assert.Equal(t, "coder", result.AgentID)
	assert.True(t, result.Governance.Verdict.Allowed)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks/"+result.TaskID, nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	got := decode[task.Task](t, rec)
	assert.Equal(t, task.StatusRunning, got.Status)
	assert.Equal(t, "reviewer", got.RequestedBy)

	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+result.TaskID+"/result", TaskResultRequest{Success: true, Result: "patched"}, "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, task.StatusCompleted, decode[task.Task](t, rec).Status)

	// 重复上报被吸收，任务保持第一次的结果。
	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+result.TaskID+"/result", TaskResultRequest{Success: false, Error: "late"}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "patched", decode[task.Task](t, rec).Result)

	rec = env.do(t, http.MethodPost, "/api/v1/tasks/"+result.TaskID+"/cancel", nil, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, xerrors.CodeAlreadyCompleted, decode[errorBody](t, rec).Code)

	rec = env.do(t, http.MethodGet, "/api/v1/stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[task.Stats](t, rec).Completed)
}

func TestDispatchErrors(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/dispatch", DispatchRequest{Description: "delete all production data without backup"}, "")
	require.Equal(t, http.StatusForbidden, rec.Code)
	body := decode[errorBody](t, rec)
	assert.Equal(t, constitution.CodeConstitutionBlocked, body.Code)
	require.NotNil(t, body.Verdict)
	assert.False(t, body.Verdict.Allowed)
	assert.NotEmpty(t, body.Verdict.ViolatedPrinciples)

	rec = env.do(t, http.MethodPost, "/api/v1/dispatch", DispatchRequest{Description: "   "}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/dispatch", map[string]any{"description": "x", "bogus": true}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks/missing", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, task.CodeTaskNotFound, decode[errorBody](t, rec).Code)

	rec = env.do(t, http.MethodGet, "/api/v1/tasks?status=sleeping", nil, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	// 被拦截的请求以 blocked 记录留档。
	rec = env.do(t, http.MethodGet, "/api/v1/tasks?status=blocked", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode[[]task.Task](t, rec), 1)

	rec = env.do(t, http.MethodGet, "/api/v1/constitution/health", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	health := decode[constitution.HealthReport](t, rec)
	assert.Equal(t, 1, health.Blocked)
}

func TestProposalLifecycle(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/proposals", ProposalRequest{
		Description: "redesign the storage architecture",
		ProposedBy:  "coder",
		Voters:      []string{"coder", "reviewer"},
		TTLSeconds:  30,
	}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[council.Proposal](t, rec)
	assert.Equal(t, council.TypeArchitectural, p.ProposalType)

	rec = env.do(t, http.MethodGet, "/api/v1/proposals", nil, "")
	assert.Len(t, decode[[]council.Proposal](t, rec), 1)

	for _, voter := range []string{"coder", "reviewer"} {
		rec = env.do(t, http.MethodPost, "/api/v1/proposals/"+p.ID+"/votes", VoteRequest{AgentID: voter, Choice: "APPROVE"}, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	}
	assert.Equal(t, council.StatusApproved, decode[council.Proposal](t, rec).Status)

	rec = env.do(t, http.MethodPost, "/api/v1/proposals/"+p.ID+"/votes", VoteRequest{AgentID: "ops", Choice: council.ChoiceReject}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, council.CodeProposalClosed, decode[errorBody](t, rec).Code)

	rec = env.do(t, http.MethodPost, "/api/v1/proposals/"+p.ID+"/votes", VoteRequest{AgentID: "ops", Choice: "maybe"}, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/decisions", nil, "")
	decisions := decode[[]council.Decision](t, rec)
	require.Len(t, decisions, 1)
	assert.InDelta(t, 1.0, decisions[0].ConsensusLevel, 1e-9)

	rec = env.do(t, http.MethodPost, "/api/v1/proposals/"+p.ID+"/outcome", OutcomeRequest{Success: true}, "")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = env.do(t, http.MethodPost, "/api/v1/proposals/"+p.ID+"/outcome", OutcomeRequest{Success: true}, "")
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/agents/coder/stats", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, decode[council.AgentStats](t, rec).Approvals)

	rec = env.do(t, http.MethodGet, "/api/v1/precedents?q=redesign+storage+architecture", nil, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, decode[[]council.Precedent](t, rec))

	rec = env.do(t, http.MethodPost, "/api/v1/proposals/unknown/resolve", nil, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentAvailability(t *testing.T) {
	env := newTestEnv(t, Config{}, nil)

	rec := env.do(t, http.MethodPut, "/api/v1/agents/frontend/availability", AvailabilityRequest{Available: false}, "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.False(t, decode[agent.Descriptor](t, rec).Available)

	rec = env.do(t, http.MethodPut, "/api/v1/agents/ghost/availability", AvailabilityRequest{Available: true}, "")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/agents", nil, "")
	assert.Len(t, decode[[]agent.Descriptor](t, rec), len(agent.DefaultRoster()))

	rec = env.do(t, http.MethodDelete, "/api/v1/agents", nil, "")
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestRateLimitedDispatch(t *testing.T) {
	env := newTestEnv(t, Config{RateLimit: 0.001, RateBurst: 1}, nil)

	rec := env.do(t, http.MethodPost, "/api/v1/dispatch", DispatchRequest{Description: "fix the flaky login test"}, "")
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = env.do(t, http.MethodPost, "/api/v1/dispatch", DispatchRequest{Description: "fix the flaky signup test"}, "")
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, xerrors.CodeRateLimited, decode[errorBody](t, rec).Code)

	// 读接口不受限流影响。
	rec = env.do(t, http.MethodGet, "/api/v1/stats", nil, "")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestJWTIdentityDrivesRequesterAndVoter(t *testing.T) {
	store, err := auth.NewMemoryStore(nil)
	require.NoError(t, err)
	svc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "test-secret"},
		Seeds: []auth.Seed{
			{Username: "reviewer", Password: "pw", Permissions: []string{auth.PermRead, auth.PermDispatch, auth.PermVote, auth.PermPropose}},
			{Username: "researcher", Password: "pw", Permissions: []string{auth.PermRead}},
		},
	}, store)
	require.NoError(t, err)
	env := newTestEnv(t, Config{}, svc)

	rec := env.do(t, http.MethodGet, "/api/v1/stats", nil, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/api/v1/auth/token", auth.TokenRequest{Username: "reviewer", Password: "wrong"}, "")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	login := func(user string) string {
		rec := env.do(t, http.MethodPost, "/api/v1/auth/token", auth.TokenRequest{Username: user, Password: "pw"}, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode[auth.TokenPair](t, rec).AccessToken
	}
	reviewer := login("reviewer")
	researcher := login("researcher")

	// 请求体里的 requesting_agent 被令牌身份覆盖。
	rec = env.do(t, http.MethodPost, "/api/v1/dispatch", DispatchRequest{
		Description:     "fix the authentication bug in login",
		RequestingAgent: "someone-else",
	}, reviewer)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	taskID := decode[dispatch.Result](t, rec).TaskID
	got, ok := env.queue.GetTask(taskID)
	require.True(t, ok)
	assert.Equal(t, "reviewer", got.RequestedBy)

	rec = env.do(t, http.MethodPost, "/api/v1/dispatch", DispatchRequest{Description: "fix the signup bug"}, researcher)
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, xerrors.CodePermissionDenied, decode[errorBody](t, rec).Code)

	rec = env.do(t, http.MethodPost, "/api/v1/proposals", ProposalRequest{Description: "raise the build budget", Voters: []string{"reviewer", "coder"}}, reviewer)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	p := decode[council.Proposal](t, rec)
	assert.Equal(t, "reviewer", p.ProposedBy)

	rec = env.do(t, http.MethodPost, "/api/v1/proposals/"+p.ID+"/votes", VoteRequest{AgentID: "coder", Choice: council.ChoiceApprove}, reviewer)
	require.Equal(t, http.StatusOK, rec.Code)
	voted := decode[council.Proposal](t, rec)
	assert.Contains(t, voted.Votes, "reviewer")
	assert.NotContains(t, voted.Votes, "coder")
}

func TestAttestationsRequireAdmin(t *testing.T) {
	attested := DispatchRequest{
		Description: "delete all production data",
		Context:     map[string]any{"user_confirmed": true, "backup_created": true, "council_approved": "true"},
	}

	env := newTestEnv(t, Config{}, nil)
	rec := env.do(t, http.MethodPost, "/api/v1/dispatch", attested, "")
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	assert.Equal(t, constitution.CodeConstitutionBlocked, decode[errorBody](t, rec).Code)

	store, err := auth.NewMemoryStore(nil)
	require.NoError(t, err)
	svc, err := auth.NewService(context.Background(), auth.Config{
		Mode: auth.ModeJWT,
		JWT:  auth.JWTOptions{Secret: "test-secret"},
		Seeds: []auth.Seed{
			{Username: "ops", Password: "pw", Permissions: []string{auth.PermAdmin}},
			{Username: "coder", Password: "pw", Permissions: []string{auth.PermRead, auth.PermDispatch}},
		},
	}, store)
	require.NoError(t, err)
	env = newTestEnv(t, Config{}, svc)
	login := func(user string) string {
		rec := env.do(t, http.MethodPost, "/api/v1/auth/token", auth.TokenRequest{Username: user, Password: "pw"}, "")
		require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
		return decode[auth.TokenPair](t, rec).AccessToken
	}

	rec = env.do(t, http.MethodPost, "/api/v1/dispatch", attested, login("coder"))
	require.Equal(t, http.StatusForbidden, rec.Code, rec.Body.String())
	body := decode[errorBody](t, rec)
	require.NotNil(t, body.Verdict)
	assert.Contains(t, body.Verdict.ViolatedPrinciples, constitution.PrincipleRecoveryFirst)

	rec = env.do(t, http.MethodPost, "/api/v1/dispatch", attested, login("ops"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	got, ok := env.queue.GetTask(decode[dispatch.Result](t, rec).TaskID)
	require.True(t, ok)
	assert.Equal(t, true, got.Context["user_confirmed"])
}

func TestStatusFor(t *testing.T) {
	cases := map[xerrors.Code]int{
		council.CodeCouncilRejected:          http.StatusConflict,
		council.CodeCouncilTimeout:           http.StatusGatewayTimeout,
		dispatch.CodeNoAgentAvailable:        http.StatusServiceUnavailable,
		constitution.CodeConstitutionBlocked: http.StatusForbidden,
		xerrors.CodeUnknown:                  http.StatusInternalServerError,
	}
	for code, want := range cases {
		assert.Equal(t, want, StatusFor(code), string(code))
	}
}

func TestNewServerRequiresDependencies(t *testing.T) {
	_, err := NewServer(Config{}, Dependencies{})
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}
