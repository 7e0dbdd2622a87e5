package dispatch

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"Agora-Governance/internal/agent"
	"Agora-Governance/internal/constitution"
	"Agora-Governance/internal/council"
	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/internal/observability/alerting"
	"Agora-Governance/internal/observability/metrics"
	"Agora-Governance/internal/pattern"
	"Agora-Governance/internal/prediction"
	"Agora-Governance/internal/task"
	"Agora-Governance/pkg/logger"
)

const (
	defaultPatternFloor  = 0.5
	recentFailureWindow  = 15 * time.Minute
	defaultLedgerRecords = 1000
)

// Evaluator 对拟执行的动作做宪法评估。
type Evaluator interface {
	Evaluate(action constitution.Action) constitution.Verdict
}

// Suggester 为任务给出预测性建议。
type Suggester interface {
	Suggest(description string, context map[string]any) []prediction.Suggestion
}

// Dependencies 汇总派发器依赖的治理组件。Matcher 与 Predictor 可以为空。
type Dependencies struct {
	Evaluator Evaluator
	Ledger    *constitution.Ledger
	Council   *council.Council
	Matcher   pattern.Matcher
	Predictor Suggester
	Registry  *agent.Registry
	Queue     *task.ExecutionQueue
}

// Options 是单次派发请求的参数。
type Options struct {
	RequestingAgent   string
	PreferredAgent    string
	RequiresConsensus bool
	// Threshold 非零时覆盖提案的共识阈值。
	Threshold float64
	// Voters 为空时由当前可用的全部 Agent 投票。
	Voters  []string
	Context map[string]any
}

// Result 描述派发成功后的任务。
type Result struct {
	TaskID      string                  `json:"task_id"`
	AgentID     string                  `json:"agent_id"`
	Status      task.Status             `json:"status"`
	Route       string                  `json:"route"`
	PatternID   string                  `json:"pattern_id,omitempty"`
	Governance  task.Governance         `json:"governance"`
	Suggestions []prediction.Suggestion `json:"suggestions,omitempty"`
}

// Dispatcher 依次执行宪法评估、议会表决、路由与入队。
type Dispatcher struct {
	evaluator Evaluator
	ledger    *constitution.Ledger
	council   *council.Council
	matcher   pattern.Matcher
	predictor Suggester
	registry  *agent.Registry
	queue     *task.ExecutionQueue

	consensusWait time.Duration
	patternFloor  float64
	keywordRoutes []KeywordRoute
	alerter       alerting.Dispatcher
	log           *slog.Logger
}

// Option 配置 Dispatcher。
type Option func(*Dispatcher)

// WithConsensusWait 设置等待议会表决的最长时间，0 表示使用议会默认窗口。
func WithConsensusWait(d time.Duration) Option {
	return func(dp *Dispatcher) {
		if d >= 0 {
			dp.consensusWait = d
		}
	}
}

// WithPatternFloor 设置模式路由的最低置信度。
func WithPatternFloor(floor float64) Option {
	return func(dp *Dispatcher) {
		if floor > 0 && floor <= 1 {
			dp.patternFloor = floor
		}
	}
}

// WithKeywordRoutes 替换关键词路由表。
func WithKeywordRoutes(routes []KeywordRoute) Option {
	return func(dp *Dispatcher) {
		if len(routes) > 0 {
			dp.keywordRoutes = append([]KeywordRoute(nil), routes...)
		}
	}
}

// WithAlerts 配置告警派发器。
func WithAlerts(dispatcher alerting.Dispatcher) Option {
	return func(dp *Dispatcher) {
		dp.alerter = dispatcher
	}
}

// WithLogger 指定日志输出。
func WithLogger(l *slog.Logger) Option {
	return func(dp *Dispatcher) {
		if l != nil {
			dp.log = l
		}
	}
}

// New 构造 Dispatcher，并把任务终态回馈到模式库与议会。
func New(deps Dependencies, opts ...Option) (*Dispatcher, error) {
	switch {
	case deps.Evaluator == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "dispatcher requires a constitution evaluator")
	case deps.Council == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "dispatcher requires a council")
	case deps.Registry == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "dispatcher requires an agent registry")
	case deps.Queue == nil:
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "dispatcher requires an execution queue")
	}
	d := &Dispatcher{
		evaluator:     deps.Evaluator,
		ledger:        deps.Ledger,
		council:       deps.Council,
		matcher:       deps.Matcher,
		predictor:     deps.Predictor,
		registry:      deps.Registry,
		queue:         deps.Queue,
		patternFloor:  defaultPatternFloor,
		keywordRoutes: DefaultKeywordRoutes(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}
	if d.ledger == nil {
		d.ledger = constitution.NewLedger(defaultLedgerRecords)
	}
	if d.log == nil {
		d.log = logger.Named("dispatch")
	}
	d.queue.Subscribe(d.learn)
	return d, nil
}

// Ledger 返回宪法评估记录。
func (d *Dispatcher) Ledger() *constitution.Ledger {
	return d.ledger
}

// Dispatch 处理一次派发请求。被宪法或议会拒绝的任务以 blocked 状态记录，并返回对应错误码。
func (d *Dispatcher) Dispatch(ctx context.Context, description string, opts Options) (Result, error) {
	description = strings.TrimSpace(description)
	if description == "" {
		metrics.ObserveDispatch(metrics.OutcomeError)
		return Result{}, xerrors.New(xerrors.CodeInvalidArgument, "description is required")
	}
	requester := strings.TrimSpace(opts.RequestingAgent)

	verdict := d.evaluator.Evaluate(constitution.Action{
		Description: description,
		Requester:   requester,
		Context:     opts.Context,
	})
	d.ledger.Record(requester, verdict)
	metrics.ObserveVerdict(verdict.Allowed)
	gov := task.Governance{Verdict: verdict}

	if !verdict.Allowed {
		blocked := d.queue.RecordBlocked(d.spec(description, requester, "", gov, opts.Context),
			constitution.CodeConstitutionBlocked, verdict.Rationale)
		metrics.ObserveDispatch(metrics.OutcomeBlocked)
		d.log.Info("任务被宪法拦截",
			slog.String("task_id", blocked.ID),
			slog.Any("violated", verdict.ViolatedPrinciples))
		return Result{}, constitution.NewBlockedError(verdict)
	}

	if opts.RequiresConsensus || RequiresConsensus(description, opts.Context) {
		decision, proposalID, err := d.seekConsensus(ctx, description, requester, opts)
		gov.ProposalID = proposalID
		if decision != nil {
			gov.DecisionID = decision.ID
		}
		if err != nil {
			d.recordRejection(description, requester, gov, opts.Context, err)
			return Result{}, err
		}
	}

	routed, err := d.route(description, opts)
	if err != nil {
		metrics.ObserveDispatch(metrics.OutcomeNoAgent)
		d.log.Warn("没有可用的 Agent", slog.String("description", truncate(description, 80)))
		return Result{}, err
	}

	taskCtx := cloneContext(opts.Context)
	if taskCtx == nil {
		taskCtx = make(map[string]any)
	}
	taskCtx["route"] = routed.route
	if routed.patternID != "" {
		taskCtx["pattern_id"] = routed.patternID
		taskCtx["pattern_confidence"] = routed.confidence
	}

	t, err := d.queue.Enqueue(ctx, d.spec(description, requester, routed.agentID, gov, taskCtx))
	if err != nil {
		metrics.ObserveDispatch(metrics.OutcomeError)
		return Result{}, err
	}
	metrics.ObserveDispatch(metrics.OutcomeEnqueued)

	res := Result{
		TaskID:     t.ID,
		AgentID:    t.AgentID,
		Status:     t.Status,
		Route:      routed.route,
		PatternID:  routed.patternID,
		Governance: t.Governance,
	}
	if d.predictor != nil && routed.route != RoutePreferred {
		res.Suggestions = d.predictor.Suggest(description, opts.Context)
	}
	logger.Audit().Info("任务已派发",
		slog.String("task_id", t.ID),
		slog.String("agent_id", t.AgentID),
		slog.String("route", routed.route),
		slog.String("requested_by", requester),
		slog.String("decision_id", gov.DecisionID))
	return res, nil
}

// seekConsensus 发起提案并等待决议。到达表决期限时按当前票数裁定，缺席按反对计；
// 调用方取消时撤回提案。
func (d *Dispatcher) seekConsensus(ctx context.Context, description, requester string, opts Options) (*council.Decision, string, error) {
	proposalType := ClassifyProposal(description)
	analysis := Analyze(description, proposalType)

	voters := opts.Voters
	if len(voters) == 0 {
		for _, desc := range d.registry.AvailableAgents() {
			voters = append(voters, desc.ID)
		}
	}
	proposalCtx := map[string]any{
		"risks":    analysis.Risks,
		"benefits": analysis.Benefits,
		"impact":   analysis.Impact,
	}
	if precedents := d.council.Precedents(description); len(precedents) > 0 {
		ids := make([]string, 0, len(precedents))
		for _, p := range precedents {
			ids = append(ids, p.DecisionID)
		}
		proposalCtx["precedents"] = ids
	}

	proposal, err := d.council.Propose(council.ProposalRequest{
		Description:  description,
		ProposedBy:   requester,
		ProposalType: proposalType,
		Threshold:    opts.Threshold,
		TTL:          d.consensusWait,
		Voters:       voters,
		Context:      proposalCtx,
	})
	if err != nil {
		metrics.ObserveDispatch(metrics.OutcomeError)
		return nil, "", err
	}

	waitCtx, cancel := context.WithTimeout(ctx, proposal.ExpiresAt.Sub(proposal.CreatedAt))
	defer cancel()
	_, decision, err := d.council.Await(waitCtx, proposal.ID)
	if err != nil {
		if ctx.Err() != nil {
			if werr := d.council.Withdraw(proposal.ID, "dispatch cancelled"); werr != nil {
				d.log.Debug("撤回提案失败", slog.Any("error", werr), slog.String("proposal_id", proposal.ID))
			}
			metrics.ObserveDispatch(metrics.OutcomeCancelled)
			return nil, proposal.ID, xerrors.Wrap(xerrors.CodeCancelled, ctx.Err(), "dispatch cancelled while awaiting consensus",
				xerrors.WithMetadata("proposal_id", proposal.ID))
		}
		resolved, rerr := d.council.Resolve(proposal.ID)
		if rerr != nil {
			metrics.ObserveDispatch(metrics.OutcomeCouncilRejected)
			return nil, proposal.ID, xerrors.Wrap(council.CodeCouncilRejected, rerr, "proposal closed without a decision",
				xerrors.WithMetadata("proposal_id", proposal.ID))
		}
		decision = &resolved
	}
	if decision == nil {
		metrics.ObserveDispatch(metrics.OutcomeCouncilRejected)
		return nil, proposal.ID, xerrors.New(council.CodeCouncilRejected, "proposal was withdrawn",
			xerrors.WithMetadata("proposal_id", proposal.ID))
	}
	metrics.ObserveDecision(string(decision.Decision), decision.ExecutedAt.Sub(proposal.CreatedAt))
	if decision.Approved() {
		return decision, proposal.ID, nil
	}

	code, outcome := council.CodeCouncilRejected, metrics.OutcomeCouncilRejected
	if !decision.Participation() {
		code, outcome = council.CodeCouncilTimeout, metrics.OutcomeCouncilTimeout
	}
	metrics.ObserveDispatch(outcome)
	rejection := xerrors.New(code, decision.Rationale,
		xerrors.WithMetadata("proposal_id", proposal.ID),
		xerrors.WithMetadata("decision_id", decision.ID),
		xerrors.WithMetadata("proposal_type", proposalType))
	if code == council.CodeCouncilTimeout {
		alerting.Emit(ctx, d.alerter, alerting.NewEvent("dispatch", proposal.ID, code, rejection))
	}
	return decision, proposal.ID, rejection
}

func (d *Dispatcher) recordRejection(description, requester string, gov task.Governance, ctx map[string]any, cause error) {
	code := xerrors.CodeOf(cause)
	if code != council.CodeCouncilRejected && code != council.CodeCouncilTimeout {
		return
	}
	message := cause.Error()
	if e, ok := xerrors.From(cause); ok {
		message = e.Message()
	}
	blocked := d.queue.RecordBlocked(d.spec(description, requester, "", gov, ctx), code, message)
	d.log.Info("任务被议会否决",
		slog.String("task_id", blocked.ID),
		slog.String("code", string(code)),
		slog.String("proposal_id", gov.ProposalID))
}

func (d *Dispatcher) spec(description, requester, agentID string, gov task.Governance, ctx map[string]any) task.Spec {
	return task.Spec{
		Description: description,
		RequestedBy: requester,
		AgentID:     agentID,
		Governance:  gov,
		Context:     ctx,
	}
}

// learn 把任务结果回馈给模式库和议会。取消的任务不计入。
func (d *Dispatcher) learn(t task.Task) {
	metrics.ObserveTaskFinished(t.AgentID, string(t.Status), t.Duration())
	if t.Status == task.StatusBlocked || t.ErrorCode == string(xerrors.CodeCancelled) {
		return
	}
	success := t.Status == task.StatusCompleted
	if learner, ok := d.matcher.(pattern.Learner); ok && t.AgentID != "" {
		if id := learner.RecordOutcome(pattern.Outcome{
			Description: t.Description,
			AgentID:     t.AgentID,
			Success:     success,
			Duration:    t.Duration(),
		}); id != "" {
			d.log.Debug("已更新模式", slog.String("pattern_id", id), slog.String("task_id", t.ID))
		}
	}
	if t.Governance.ProposalID != "" {
		if err := d.council.ReportOutcome(t.Governance.ProposalID, success); err != nil {
			d.log.Debug("回报提案结果失败", slog.Any("error", err), slog.String("proposal_id", t.Governance.ProposalID))
		}
	}
}

// QueueState 基于执行队列提供预测引擎所需的系统状态。
func QueueState(q *task.ExecutionQueue) prediction.StateProvider {
	return prediction.StateFunc(func() prediction.SystemState {
		stats := q.GetStats()
		return prediction.SystemState{
			ActiveTasks:    stats.Running,
			QueuedTasks:    stats.Pending,
			AgentLoad:      q.AgentLoad(),
			RecentFailures: q.RecentFailures(recentFailureWindow),
		}
	})
}

func cloneContext(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	out := make(map[string]any, len(ctx))
	for k, v := range ctx {
		out[k] = v
	}
	return out
}
