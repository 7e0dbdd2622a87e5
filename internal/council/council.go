package council

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	xerrors "Agora-Governance/internal/errors"
	"Agora-Governance/pkg/logger"
)

const (
	// DefaultThreshold 是未指定阈值时的默认共识比例。
	DefaultThreshold = 0.6
	// DefaultTTL 是默认的表决窗口。
	DefaultTTL = 60 * time.Second

	defaultSweepInterval = time.Second
)

// entry 是单个提案的存储槽位，锁只保护本提案。
type entry struct {
	mu       sync.Mutex
	proposal Proposal
	decision *Decision
	done     chan struct{}
}

// Council 管理提案生命周期与表决。
type Council struct {
	proposals sync.Map // id -> *entry

	historyMu sync.Mutex
	history   []Decision

	expertise *expertiseBook

	outcomesMu sync.Mutex
	outcomes   map[string]outcome

	defaultThreshold float64
	defaultTTL       time.Duration
	sweepInterval    time.Duration
	weighted         bool
	now              func() time.Time
	log              *slog.Logger
	onDecision       []func(Decision)
}

// Option 自定义 Council 行为。
type Option func(*Council)

// WithClock 注入时钟，主要用于测试。
func WithClock(now func() time.Time) Option {
	return func(c *Council) {
		if now != nil {
			c.now = now
		}
	}
}

// WithLogger 指定日志记录器。
func WithLogger(l *slog.Logger) Option {
	return func(c *Council) {
		if l != nil {
			c.log = l
		}
	}
}

// WithDefaults 设置默认阈值与表决窗口。
func WithDefaults(threshold float64, ttl time.Duration) Option {
	return func(c *Council) {
		if threshold > 0 && threshold <= 1 {
			c.defaultThreshold = threshold
		}
		if ttl > 0 {
			c.defaultTTL = ttl
		}
	}
}

// WithSweepInterval 设置过期扫描间隔。
func WithSweepInterval(d time.Duration) Option {
	return func(c *Council) {
		if d > 0 {
			c.sweepInterval = d
		}
	}
}

// WithExpertiseWeighting 开启按领域经验加权计票。
// initial 以 agentID -> domain -> weight 的形式给出初始经验值。
func WithExpertiseWeighting(initial map[string]map[string]float64) Option {
	return func(c *Council) {
		c.weighted = true
		for agentID, domains := range initial {
			for domain, w := range domains {
				c.expertise.set(agentID, domain, w)
			}
		}
	}
}

// WithDecisionHook 注册裁定回调，回调在提案锁释放后同步执行。
func WithDecisionHook(fn func(Decision)) Option {
	return func(c *Council) {
		if fn != nil {
			c.onDecision = append(c.onDecision, fn)
		}
	}
}

// New 创建议会。
func New(opts ...Option) *Council {
	c := &Council{
		expertise:        newExpertiseBook(),
		outcomes:         make(map[string]outcome),
		defaultThreshold: DefaultThreshold,
		defaultTTL:       DefaultTTL,
		sweepInterval:    defaultSweepInterval,
		now:              time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logger.Named("council")
	}
	return c
}

// Propose 创建一个处于 open 状态的提案。
func (c *Council) Propose(req ProposalRequest) (Proposal, error) {
	description := strings.TrimSpace(req.Description)
	if description == "" {
		return Proposal{}, xerrors.New(xerrors.CodeInvalidArgument, "proposal description is required")
	}
	if req.Threshold < 0 || req.Threshold > 1 {
		return Proposal{}, xerrors.Errorf(xerrors.CodeInvalidArgument, "threshold %.2f out of range (0,1]", req.Threshold)
	}
	proposalType := req.ProposalType
	if proposalType == "" {
		proposalType = TypeGeneral
	}
	threshold := req.Threshold
	if threshold == 0 {
		threshold = c.SuggestThreshold(proposalType)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = c.defaultTTL
	}

	now := c.now()
	p := Proposal{
		ID:                 uuid.NewString(),
		Description:        description,
		ProposedBy:         req.ProposedBy,
		ProposalType:       proposalType,
		ConsensusThreshold: threshold,
		Voters:             dedupe(req.Voters),
		CreatedAt:          now,
		ExpiresAt:          now.Add(ttl),
		Status:             StatusOpen,
		Votes:              make(map[string]Vote),
	}
	if len(req.Context) > 0 {
		p.Context = make(map[string]any, len(req.Context))
		for k, v := range req.Context {
			p.Context[k] = v
		}
	}
	// 发布之后 Vote 可能立即写入 Votes，返回值必须在 Store 之前拷贝。
	out := p.clone()
	e := &entry{proposal: p, done: make(chan struct{})}
	c.proposals.Store(p.ID, e)

	logger.Audit().Info("提案已创建",
		slog.String("proposal_id", p.ID),
		slog.String("proposal_type", p.ProposalType),
		slog.String("proposed_by", p.ProposedBy),
		slog.Float64("threshold", p.ConsensusThreshold),
		slog.Time("expires_at", out.ExpiresAt),
	)
	return out, nil
}

func (c *Council) lookup(id string) (*entry, error) {
	v, ok := c.proposals.Load(id)
	if !ok {
		return nil, errNotFound(id)
	}
	return v.(*entry), nil
}

// Vote 记录一张选票。同一 Agent 重复投票时以最后一张为准。
// 提案已终结时返回 PROPOSAL_CLOSED 且不修改任何状态。
func (c *Council) Vote(proposalID, agentID string, choice Choice, reasoning string) error {
	agentID = strings.TrimSpace(agentID)
	if agentID == "" {
		return xerrors.New(xerrors.CodeInvalidArgument, "agent id is required")
	}
	if !choice.IsValid() {
		return xerrors.Errorf(xerrors.CodeInvalidArgument, "invalid vote choice %q", choice)
	}
	e, err := c.lookup(proposalID)
	if err != nil {
		return err
	}

	e.mu.Lock()
	if e.proposal.Status.Terminal() {
		status := e.proposal.Status
		err := errClosed(&e.proposal)
		e.mu.Unlock()
		c.log.Debug("忽略迟到的投票",
			slog.String("proposal_id", proposalID),
			slog.String("agent_id", agentID),
			slog.String("status", string(status)))
		return err
	}
	if !c.now().Before(e.proposal.ExpiresAt) {
		// 过期但尚未被扫描的提案不再接受投票，直接裁定。
		decision := c.resolveLocked(e)
		err := errClosed(&e.proposal)
		e.mu.Unlock()
		c.afterDecision(decision)
		return err
	}
	e.proposal.Votes[agentID] = Vote{
		AgentID:   agentID,
		Choice:    choice,
		Reasoning: reasoning,
		Timestamp: c.now(),
	}
	var decision *Decision
	if allVoted(&e.proposal) {
		decision = c.resolveLocked(e)
	}
	e.mu.Unlock()

	logger.Audit().Info("收到投票",
		slog.String("proposal_id", proposalID),
		slog.String("agent_id", agentID),
		slog.String("choice", string(choice)))
	c.afterDecision(decision)
	return nil
}

func allVoted(p *Proposal) bool {
	if len(p.Voters) == 0 {
		return false
	}
	for _, id := range p.Voters {
		if _, ok := p.Votes[id]; !ok {
			return false
		}
	}
	return true
}

// Resolve 立即按当前票数裁定提案。对已裁定的提案返回原有决议。
func (c *Council) Resolve(proposalID string) (Decision, error) {
	e, err := c.lookup(proposalID)
	if err != nil {
		return Decision{}, err
	}
	e.mu.Lock()
	if e.proposal.Status.Terminal() {
		defer e.mu.Unlock()
		if e.decision == nil {
			return Decision{}, errClosed(&e.proposal)
		}
		return e.decision.clone(), nil
	}
	decision := c.resolveLocked(e)
	e.mu.Unlock()
	c.afterDecision(decision)
	return decision.clone(), nil
}

// resolveLocked 调用方必须持有 e.mu 且提案处于 open。
func (c *Council) resolveLocked(e *entry) *Decision {
	p := &e.proposal
	tally := c.tally(p)

	status := StatusRejected
	var rationale string
	switch {
	case tally.Approve+tally.Reject == 0:
		rationale = "no non-abstaining votes were cast"
	case tally.level >= p.ConsensusThreshold:
		status = StatusApproved
		rationale = formatRationale("consensus reached", tally, p.ConsensusThreshold)
	default:
		rationale = formatRationale("consensus not reached", tally, p.ConsensusThreshold)
	}

	d := Decision{
		ID:             uuid.NewString(),
		ProposalID:     p.ID,
		ProposalType:   p.ProposalType,
		Description:    p.Description,
		Decision:       status,
		ConsensusLevel: tally.level,
		Threshold:      p.ConsensusThreshold,
		VoteSummary:    tally.VoteSummary,
		Rationale:      rationale,
		ExecutedAt:     c.now(),
	}
	p.Status = status
	p.DecisionID = d.ID
	e.decision = &d
	close(e.done)

	c.historyMu.Lock()
	c.history = append(c.history, d.clone())
	c.historyMu.Unlock()

	logger.Audit().Info("提案已裁定",
		slog.String("proposal_id", p.ID),
		slog.String("decision_id", d.ID),
		slog.String("decision", string(d.Decision)),
		slog.Float64("consensus_level", d.ConsensusLevel),
		slog.Float64("threshold", d.Threshold),
		slog.Int("approve", tally.Approve),
		slog.Int("reject", tally.Reject),
		slog.Int("abstain", tally.Abstain),
		slog.Int("absent", tally.Absent),
	)
	return &d
}

func (c *Council) afterDecision(d *Decision) {
	if d == nil {
		return
	}
	for _, fn := range c.onDecision {
		fn(d.clone())
	}
}

// Withdraw 撤回仍处于 open 的提案，状态记为 expired，不产生决议。
func (c *Council) Withdraw(proposalID, reason string) error {
	e, err := c.lookup(proposalID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.proposal.Status.Terminal() {
		return errClosed(&e.proposal)
	}
	e.proposal.Status = StatusExpired
	close(e.done)
	logger.Audit().Info("提案已撤回",
		slog.String("proposal_id", proposalID),
		slog.String("reason", reason))
	return nil
}

// Await 阻塞直到提案终结或 ctx 结束。
func (c *Council) Await(ctx context.Context, proposalID string) (Proposal, *Decision, error) {
	e, err := c.lookup(proposalID)
	if err != nil {
		return Proposal{}, nil, err
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		p, _ := c.GetProposal(proposalID)
		return p, nil, ctx.Err()
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	p := e.proposal.clone()
	if e.decision == nil {
		return p, nil, nil
	}
	d := e.decision.clone()
	return p, &d, nil
}

// GetProposal 返回提案快照。
func (c *Council) GetProposal(proposalID string) (Proposal, error) {
	e, err := c.lookup(proposalID)
	if err != nil {
		return Proposal{}, err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.proposal.clone(), nil
}

// GetActiveProposals 返回所有 open 提案，按创建时间排序。
func (c *Council) GetActiveProposals() []Proposal {
	var out []Proposal
	c.proposals.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.proposal.Status == StatusOpen {
			out = append(out, e.proposal.clone())
		}
		e.mu.Unlock()
		return true
	})
	sortProposals(out)
	return out
}

// Proposals 返回全部提案快照。
func (c *Council) Proposals() []Proposal {
	var out []Proposal
	c.proposals.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		out = append(out, e.proposal.clone())
		e.mu.Unlock()
		return true
	})
	sortProposals(out)
	return out
}

func sortProposals(ps []Proposal) {
	sort.Slice(ps, func(i, j int) bool {
		if ps[i].CreatedAt.Equal(ps[j].CreatedAt) {
			return ps[i].ID < ps[j].ID
		}
		return ps[i].CreatedAt.Before(ps[j].CreatedAt)
	})
}

// GetDecisions 返回最近 limit 条决议（按裁定顺序）；limit <= 0 返回全部。
func (c *Council) GetDecisions(limit int) []Decision {
	c.historyMu.Lock()
	defer c.historyMu.Unlock()
	start := 0
	if limit > 0 && limit < len(c.history) {
		start = len(c.history) - limit
	}
	out := make([]Decision, 0, len(c.history)-start)
	for _, d := range c.history[start:] {
		out = append(out, d.clone())
	}
	return out
}

// SweepExpired 裁定所有已过期的 open 提案，返回本次裁定的数量。
func (c *Council) SweepExpired() int {
	now := c.now()
	var expired []*entry
	c.proposals.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if e.proposal.Status == StatusOpen && !now.Before(e.proposal.ExpiresAt) {
			expired = append(expired, e)
		}
		e.mu.Unlock()
		return true
	})
	resolved := 0
	for _, e := range expired {
		e.mu.Lock()
		if e.proposal.Status != StatusOpen {
			e.mu.Unlock()
			continue
		}
		decision := c.resolveLocked(e)
		e.mu.Unlock()
		c.afterDecision(decision)
		resolved++
	}
	return resolved
}

// Run 周期性扫描过期提案，直到 ctx 结束。
func (c *Council) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := c.SweepExpired(); n > 0 {
				c.log.Debug("过期提案已裁定", slog.Int("count", n))
			}
		}
	}
}

// Snapshot 导出全部提案与决议用于持久化。
func (c *Council) Snapshot() ([]Proposal, []Decision) {
	return c.Proposals(), c.GetDecisions(0)
}

// Restore 从持久化快照恢复状态，已存在的同 ID 提案会被跳过。
func (c *Council) Restore(proposals []Proposal, decisions []Decision) {
	byProposal := make(map[string]Decision, len(decisions))
	for _, d := range decisions {
		byProposal[d.ProposalID] = d.clone()
	}
	for _, p := range proposals {
		p := p.clone()
		if p.Votes == nil {
			p.Votes = make(map[string]Vote)
		}
		e := &entry{proposal: p, done: make(chan struct{})}
		if d, ok := byProposal[p.ID]; ok {
			d := d
			e.decision = &d
		}
		if p.Status.Terminal() {
			close(e.done)
		}
		c.proposals.LoadOrStore(p.ID, e)
	}

	c.historyMu.Lock()
	seen := make(map[string]struct{}, len(c.history))
	for _, d := range c.history {
		seen[d.ID] = struct{}{}
	}
	for _, d := range decisions {
		if _, ok := seen[d.ID]; ok {
			continue
		}
		c.history = append(c.history, d.clone())
	}
	sort.SliceStable(c.history, func(i, j int) bool {
		return c.history[i].ExecutedAt.Before(c.history[j].ExecutedAt)
	})
	c.historyMu.Unlock()
}

func dedupe(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	return out
}
