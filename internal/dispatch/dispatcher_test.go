package dispatch

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"Agora-Governance/internal/agent"
	"Agora-Governance/internal/constitution"
	"Agora-Governance/internal/council"
	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/internal/pattern"
	"Agora-Governance/internal/prediction"
	"Agora-Governance/internal/task"
)

type stubMatcher struct {
	calls   atomic.Int32
	matches []pattern.Match

	mu       sync.Mutex
	outcomes []pattern.Outcome
}

func (m *stubMatcher) Match(string) []pattern.Match {
	m.calls.Add(1)
	return m.matches
}

func (m *stubMatcher) RecordOutcome(o pattern.Outcome) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, o)
	return "p-1"
}

func (m *stubMatcher) recorded() []pattern.Outcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]pattern.Outcome(nil), m.outcomes...)
}

type fixture struct {
	dispatcher *Dispatcher
	council    *council.Council
	queue      *task.ExecutionQueue
	registry   *agent.Registry
	matcher    *stubMatcher
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	registry, err := agent.NewRegistry(agent.DefaultRoster())
	require.NoError(t, err)
	evaluator, err := constitution.NewEvaluator(constitution.DefaultPrinciples())
	require.NoError(t, err)
	c := council.New(council.WithDefaults(0.66, time.Minute))
	q := task.NewExecutionQueue(registry)
	m := &stubMatcher{}
	d, err := New(Dependencies{
		Evaluator: evaluator,
		Council:   c,
		Matcher:   m,
		Registry:  registry,
		Queue:     q,
	}, opts...)
	require.NoError(t, err)
	return &fixture{dispatcher: d, council: c, queue: q, registry: registry, matcher: m}
}

func (f *fixture) awaitProposal(t *testing.T) council.Proposal {
	t.Helper()
	var active []council.Proposal
	require.Eventually(t, func() bool {
		active = f.council.GetActiveProposals()
		return len(active) == 1
	}, 2*time.Second, 2*time.Millisecond)
	return active[0]
}

type dispatchOutcome struct {
	res Result
	err error
}

func (f *fixture) dispatchAsync(ctx context.Context, description string, opts Options) <-chan dispatchOutcome {
	out := make(chan dispatchOutcome, 1)
	go func() {
		res, err := f.dispatcher.Dispatch(ctx, description, opts)
		out <- dispatchOutcome{res: res, err: err}
	}()
	return out
}

func receive(t *testing.T, ch <-chan dispatchOutcome) dispatchOutcome {
	t.Helper()
	select {
	case got := <-ch:
		return got
	case <-time.After(3 * time.Second):
		t.Fatal("dispatch did not return")
		return dispatchOutcome{}
	}
}

func TestDispatchBlockedByConstitution(t *testing.T) {
	f := newFixture(t)

	_, err := f.dispatcher.Dispatch(context.Background(), "delete all production data without backup", Options{RequestingAgent: "coder"})
	require.Error(t, err)
	assert.Equal(t, constitution.CodeConstitutionBlocked, xerrors.CodeOf(err))

	var blocked *constitution.BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Contains(t, blocked.Verdict.ViolatedPrinciples, constitution.PrincipleNoDestructiveWithoutConsent)
	assert.Contains(t, blocked.Verdict.ViolatedPrinciples, constitution.PrincipleRecoveryFirst)

	assert.Empty(t, f.council.Proposals(), "blocked actions never reach the council")
	tasks := f.queue.List()
	require.Len(t, tasks, 1)
	assert.Equal(t, task.StatusBlocked, tasks[0].Status)
	assert.Equal(t, string(constitution.CodeConstitutionBlocked), tasks[0].ErrorCode)
	assert.Equal(t, 1, f.dispatcher.Ledger().Health().Blocked)
}

func TestDispatchSimpleTaskRoutesToCoder(t *testing.T) {
	f := newFixture(t)

	res, err := f.dispatcher.Dispatch(context.Background(), "fix the authentication bug in login", Options{RequestingAgent: "coder"})
	require.NoError(t, err)
	assert.Equal(t, "coder", res.AgentID)
	assert.Equal(t, task.StatusRunning, res.Status)
	assert.Equal(t, RouteKeyword, res.Route)
	assert.True(t, res.Governance.Verdict.Allowed)
	assert.Empty(t, res.Governance.DecisionID)
	assert.Empty(t, f.council.Proposals())

	got, ok := f.queue.GetTask(res.TaskID)
	require.True(t, ok)
	assert.Equal(t, RouteKeyword, got.Context["route"])
}

func TestDispatchConsensusApproved(t *testing.T) {
	f := newFixture(t)
	opts := Options{RequestingAgent: "coder", Threshold: 0.66, Voters: []string{"coder", "reviewer", "researcher"}}

	ch := f.dispatchAsync(context.Background(), "redesign the api architecture for better scalability", opts)
	p := f.awaitProposal(t)
	assert.Equal(t, council.TypeArchitectural, p.ProposalType)
	assert.Equal(t, ImpactHigh, p.Context["impact"])
	assert.Equal(t, []string{"scalability"}, p.Context["benefits"])

	require.NoError(t, f.council.Vote(p.ID, "coder", council.ChoiceApprove, "needed"))
	require.NoError(t, f.council.Vote(p.ID, "reviewer", council.ChoiceApprove, "agreed"))
	require.NoError(t, f.council.Vote(p.ID, "researcher", council.ChoiceReject, "too early"))

	got := receive(t, ch)
	require.NoError(t, got.err)
	assert.Equal(t, p.ID, got.res.Governance.ProposalID)
	require.NotEmpty(t, got.res.Governance.DecisionID)

	decisions := f.council.GetDecisions(0)
	require.Len(t, decisions, 1)
	assert.Equal(t, council.StatusApproved, decisions[0].Decision)
	assert.InDelta(t, 0.6667, decisions[0].ConsensusLevel, 1e-4)
	assert.Equal(t, decisions[0].ID, got.res.Governance.DecisionID)
}

func TestDispatchConsensusRejectedAtDeadline(t *testing.T) {
	f := newFixture(t, WithConsensusWait(80*time.Millisecond))
	opts := Options{RequestingAgent: "coder", Threshold: 0.66, Voters: []string{"coder", "reviewer", "researcher"}}

	ch := f.dispatchAsync(context.Background(), "redesign the api architecture for better scalability", opts)
	p := f.awaitProposal(t)
	require.NoError(t, f.council.Vote(p.ID, "coder", council.ChoiceApprove, ""))
	require.NoError(t, f.council.Vote(p.ID, "reviewer", council.ChoiceReject, ""))

	got := receive(t, ch)
	require.Error(t, got.err)
	assert.Equal(t, council.CodeCouncilRejected, xerrors.CodeOf(got.err))

	decisions := f.council.GetDecisions(0)
	require.Len(t, decisions, 1)
	assert.Equal(t, council.StatusRejected, decisions[0].Decision)
	assert.Equal(t, 1, decisions[0].VoteSummary.Absent)

	blocked := f.queue.TasksByStatus(task.StatusBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, string(council.CodeCouncilRejected), blocked[0].ErrorCode)
	assert.Equal(t, decisions[0].ID, blocked[0].Governance.DecisionID)
	assert.Empty(t, f.queue.TasksByStatus(task.StatusRunning))
}

func TestDispatchConsensusWithoutParticipationTimesOut(t *testing.T) {
	f := newFixture(t, WithConsensusWait(40*time.Millisecond))

	_, err := f.dispatcher.Dispatch(context.Background(), "migrate the billing database", Options{
		RequestingAgent: "ops",
		Voters:          []string{"coder", "reviewer"},
	})
	require.Error(t, err)
	assert.Equal(t, council.CodeCouncilTimeout, xerrors.CodeOf(err))
	assert.True(t, xerrors.RetryableError(err))

	blocked := f.queue.TasksByStatus(task.StatusBlocked)
	require.Len(t, blocked, 1)
	assert.Equal(t, string(council.CodeCouncilTimeout), blocked[0].ErrorCode)
}

func TestDispatchPreferredAgentBypassesMatcher(t *testing.T) {
	f := newFixture(t)
	f.matcher.matches = []pattern.Match{{PatternID: "p", Confidence: 0.9, Metadata: pattern.Metadata{RecommendedAgents: []string{"coder"}}}}

	res, err := f.dispatcher.Dispatch(context.Background(), "review the payment module", Options{PreferredAgent: "reviewer"})
	require.NoError(t, err)
	assert.Equal(t, "reviewer", res.AgentID)
	assert.Equal(t, RoutePreferred, res.Route)
	assert.Zero(t, f.matcher.calls.Load())
}

func TestDispatchUnavailablePreferredFallsBack(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.registry.SetAvailable("reviewer", false))

	res, err := f.dispatcher.Dispatch(context.Background(), "write the onboarding guide", Options{PreferredAgent: "reviewer"})
	require.NoError(t, err)
	assert.NotEqual(t, "reviewer", res.AgentID)
	assert.EqualValues(t, 1, f.matcher.calls.Load())
}

func TestDispatchPreferredAgentMustHaveRoutedCapability(t *testing.T) {
	f := newFixture(t)

	res, err := f.dispatcher.Dispatch(context.Background(), "deploy v2 to staging", Options{PreferredAgent: "researcher"})
	require.NoError(t, err)
	assert.Equal(t, "ops", res.AgentID)
	assert.Equal(t, RouteKeyword, res.Route)
	assert.EqualValues(t, 1, f.matcher.calls.Load())

	// 没有命中关键词时只要求可用。
	res, err = f.dispatcher.Dispatch(context.Background(), "write the onboarding guide", Options{PreferredAgent: "researcher"})
	require.NoError(t, err)
	assert.Equal(t, "researcher", res.AgentID)
	assert.Equal(t, RoutePreferred, res.Route)
	assert.EqualValues(t, 1, f.matcher.calls.Load())
}

func TestDispatchPatternRouting(t *testing.T) {
	f := newFixture(t)

	f.matcher.matches = []pattern.Match{
		{PatternID: "weak", Confidence: 0.3, Metadata: pattern.Metadata{RecommendedAgents: []string{"ops"}}},
		{PatternID: "strong", Confidence: 0.8, Metadata: pattern.Metadata{RecommendedAgents: []string{"ghost", "researcher"}}},
	}
	res, err := f.dispatcher.Dispatch(context.Background(), "summarise the incident timeline", Options{})
	require.NoError(t, err)
	assert.Equal(t, "researcher", res.AgentID)
	assert.Equal(t, RoutePattern, res.Route)
	assert.Equal(t, "strong", res.PatternID)

	// 没有推荐 Agent 时按能力重合度选择。
	f.matcher.matches = []pattern.Match{
		{PatternID: "ui", Confidence: 0.7, Metadata: pattern.Metadata{Capabilities: []string{"frontend", "ui"}}},
	}
	res, err = f.dispatcher.Dispatch(context.Background(), "polish the settings page", Options{})
	require.NoError(t, err)
	assert.Equal(t, "frontend", res.AgentID)
}

func TestDispatchKeywordRoutingPrefersLeastLoaded(t *testing.T) {
	registry, err := agent.NewRegistry([]agent.Descriptor{
		{ID: "rev-a", Capabilities: []string{"review"}, MaxConcurrentTasks: 2, Available: true},
		{ID: "rev-b", Capabilities: []string{"review"}, MaxConcurrentTasks: 2, Available: true},
	})
	require.NoError(t, err)
	evaluator, err := constitution.NewEvaluator(constitution.DefaultPrinciples())
	require.NoError(t, err)
	q := task.NewExecutionQueue(registry)
	d, err := New(Dependencies{Evaluator: evaluator, Council: council.New(), Registry: registry, Queue: q})
	require.NoError(t, err)

	first, err := d.Dispatch(context.Background(), "review the cache layer", Options{})
	require.NoError(t, err)
	second, err := d.Dispatch(context.Background(), "audit the queue metrics", Options{})
	require.NoError(t, err)
	assert.Equal(t, "rev-a", first.AgentID)
	assert.Equal(t, "rev-b", second.AgentID)

	// 没有代码能力的 Agent 时退回任意空闲 Agent。
	fallback, err := d.Dispatch(context.Background(), "fix the flaky login handler", Options{})
	require.NoError(t, err)
	assert.Equal(t, RouteFallback, fallback.Route)
}

func TestDispatchNoAgentAvailable(t *testing.T) {
	f := newFixture(t)
	for _, desc := range f.registry.List() {
		require.NoError(t, f.registry.SetAvailable(desc.ID, false))
	}

	_, err := f.dispatcher.Dispatch(context.Background(), "fix the login bug", Options{})
	require.Error(t, err)
	assert.Equal(t, CodeNoAgentAvailable, xerrors.CodeOf(err))
	assert.True(t, xerrors.RetryableError(err))
	assert.Empty(t, f.queue.List())
}

func TestDispatchCancelledWhileAwaitingConsensus(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())

	ch := f.dispatchAsync(ctx, "redesign the storage architecture", Options{Voters: []string{"coder", "reviewer"}})
	p := f.awaitProposal(t)
	cancel()

	got := receive(t, ch)
	require.Error(t, got.err)
	assert.Equal(t, xerrors.CodeCancelled, xerrors.CodeOf(got.err))

	withdrawn, err := f.council.GetProposal(p.ID)
	require.NoError(t, err)
	assert.Equal(t, council.StatusExpired, withdrawn.Status)
	assert.Empty(t, f.queue.List())
}

func TestDispatchRejectsEmptyDescription(t *testing.T) {
	f := newFixture(t)
	_, err := f.dispatcher.Dispatch(context.Background(), "   ", Options{})
	assert.Equal(t, xerrors.CodeInvalidArgument, xerrors.CodeOf(err))
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{})
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}

func TestTaskOutcomesFeedPatternsAndCouncil(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.dispatcher.Dispatch(ctx, "fix the login bug", Options{})
	require.NoError(t, err)
	_, err = f.queue.Complete(ctx, res.TaskID, "patched")
	require.NoError(t, err)

	outcomes := f.matcher.recorded()
	require.Len(t, outcomes, 1)
	assert.True(t, outcomes[0].Success)
	assert.Equal(t, res.AgentID, outcomes[0].AgentID)

	// 取消的任务不计入学习。
	res, err = f.dispatcher.Dispatch(ctx, "fix the signup bug", Options{})
	require.NoError(t, err)
	_, err = f.queue.Cancel(ctx, res.TaskID)
	require.NoError(t, err)
	assert.Len(t, f.matcher.recorded(), 1)

	ch := f.dispatchAsync(ctx, "redesign the session architecture", Options{Voters: []string{"coder"}})
	p := f.awaitProposal(t)
	require.NoError(t, f.council.Vote(p.ID, "coder", council.ChoiceApprove, ""))
	got := receive(t, ch)
	require.NoError(t, got.err)

	before := f.council.Expertise("coder", council.DomainFor(council.TypeArchitectural))
	_, err = f.queue.Fail(ctx, got.res.TaskID, xerrors.CodeRuntimeFailure, "crashed")
	require.NoError(t, err)
	after := f.council.Expertise("coder", council.DomainFor(council.TypeArchitectural))
	assert.Less(t, after, before, "a failed approved proposal costs its supporters expertise")

	err = f.council.ReportOutcome(p.ID, true)
	assert.Equal(t, xerrors.CodeAlreadyCompleted, xerrors.CodeOf(err))
}

func TestQueueStateFeedsPredictions(t *testing.T) {
	registry, err := agent.NewRegistry(agent.DefaultRoster())
	require.NoError(t, err)
	q := task.NewExecutionQueue(registry)
	_, err = q.Enqueue(context.Background(), task.Spec{Description: "one", AgentID: "ops"})
	require.NoError(t, err)
	_, err = q.Enqueue(context.Background(), task.Spec{Description: "two", AgentID: "ops"})
	require.NoError(t, err)

	state := QueueState(q).SystemState()
	assert.Equal(t, 1, state.ActiveTasks)
	assert.Equal(t, 1, state.QueuedTasks)
	assert.InDelta(t, 1.0, state.AgentLoad["ops"], 1e-9)
	assert.Zero(t, state.RecentFailures)
}

func TestDispatchReturnsSuggestions(t *testing.T) {
	registry, err := agent.NewRegistry(agent.DefaultRoster())
	require.NoError(t, err)
	evaluator, err := constitution.NewEvaluator(constitution.DefaultPrinciples())
	require.NoError(t, err)
	q := task.NewExecutionQueue(registry)
	tracker := pattern.NewTracker([]pattern.Pattern{{
		ID:                "bugfix",
		Name:              "Bug fix",
		Category:          "bugfix",
		Description:       "fix a bug in the login flow",
		Characteristics:   []string{"fix", "bug", "login"},
		RecommendedAgents: []string{"coder"},
		SuccessRate:       0.9,
		SampleSize:        10,
	}})
	engine := prediction.NewEngine(tracker, prediction.WithState(QueueState(q)))
	d, err := New(Dependencies{
		Evaluator: evaluator,
		Council:   council.New(),
		Matcher:   tracker,
		Predictor: engine,
		Registry:  registry,
		Queue:     q,
	})
	require.NoError(t, err)

	res, err := d.Dispatch(context.Background(), "fix the bug in the login flow", Options{})
	require.NoError(t, err)
	assert.Equal(t, "coder", res.AgentID)
	for _, s := range res.Suggestions {
		assert.NotEmpty(t, s.ID)
	}
}

func TestAnalyzeAndClassify(t *testing.T) {
	assert.Equal(t, council.TypeRefactoring, ClassifyProposal("refactor the billing module"))
	assert.Equal(t, council.TypeAgentAssignment, ClassifyProposal("delegate triage to reviewer"))
	assert.Equal(t, council.TypeResource, ClassifyProposal("raise the gpu budget"))
	assert.Equal(t, council.TypeGeneral, ClassifyProposal("rename a flag"))

	a := Analyze("run the database migration with breaking changes", council.TypeRefactoring)
	assert.Equal(t, ImpactHigh, a.Impact)
	assert.Contains(t, a.Risks, "data migration")
	assert.Contains(t, a.Risks, "breaking change for dependents")

	assert.Equal(t, ImpactLow, Analyze("rename a flag", council.TypeGeneral).Impact)

	assert.True(t, RequiresConsensus("harden security headers", nil))
	assert.True(t, RequiresConsensus("rename a flag", map[string]any{"requires_consensus": "true"}))
	assert.False(t, RequiresConsensus("fix the authentication bug in login", nil))
}

func TestKeywordCapability(t *testing.T) {
	routes := DefaultKeywordRoutes()
	assert.Equal(t, "research", KeywordCapability(routes, "Investigate slow queries"))
	assert.Equal(t, "review", KeywordCapability(routes, "add tests for the parser"))
	assert.Equal(t, "ops", KeywordCapability(routes, "deploy v2 to staging"))
	assert.Equal(t, "frontend", KeywordCapability(routes, "fix the UI layout glitch"))
	assert.Equal(t, DefaultCapability, KeywordCapability(routes, "fix the login bug"))
}
